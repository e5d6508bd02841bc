package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/srg/bleapp/internal/scenario"
	"github.com/srg/bleapp/pkg/config"
)

// simulateCmd represents the simulate command
var simulateCmd = &cobra.Command{
	Use:   "simulate <scenario.yaml>",
	Short: "Replay a scenario against a simulated radio",
	Long: `Runs the application on the simulated backend and plays the steps of a
scenario file: setter calls, injected radio events, waits and expectations.

The events the application receives are printed as they happen, followed by
the transcript of stack commands and the verdict. The command fails if any
expectation did not hold.

Example:
  bleapp simulate scenarios/advertise.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runSimulate,
}

var simulateNoTranscript bool

func init() {
	simulateCmd.Flags().BoolVar(&simulateNoTranscript, "no-transcript", false, "Do not print the stack transcript")
	simulateCmd.Flags().Bool("verbose", false, "Enable debug logging")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return err
	}
	sc, err := scenario.Load(args[0])
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	out := cmd.OutOrStdout()
	colors := colorEnabled(out)
	logger, _ := configureLogger(cfg, cmd.ErrOrStderr())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(out, "Scenario: %s\n\n", sc.Name)
	runner := scenario.NewRunner(sc,
		scenario.WithLogger(logger),
		scenario.WithListener(NewEventPrinter(out, colors)),
	)
	res, runErr := runner.Run(ctx)

	if !simulateNoTranscript && res != nil && res.Transcript != "" {
		fmt.Fprintf(out, "\nTranscript:\n%s\n", strings.TrimRight(res.Transcript, "\n"))
	}
	if runErr != nil {
		return fmt.Errorf("scenario %q: %w", sc.Name, runErr)
	}

	fmt.Fprintln(out)
	for _, f := range res.Failures {
		status(out, colors, false, f)
	}
	if !res.Passed() {
		return fmt.Errorf("%w: %s (%d expectation(s) did not hold)", ErrScenarioFailed, sc.Name, len(res.Failures))
	}
	status(out, colors, true, fmt.Sprintf("%s (final state %s)", sc.Name, res.Status.State))
	return nil
}
