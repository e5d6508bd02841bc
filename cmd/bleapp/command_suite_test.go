package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/srg/bleapp/internal/testutils"
	"github.com/stretchr/testify/suite"
)

// CommandTestSuite runs cobra commands with captured output.
type CommandTestSuite struct {
	suite.Suite
}

// ExecuteCommand runs cmd with args and returns stdout and stderr together.
func (s *CommandTestSuite) ExecuteCommand(cmd *cobra.Command, args ...string) (string, error) {
	buf := &testutils.LogBuffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// WriteFile writes content to name in a per-test directory and returns the path.
func (s *CommandTestSuite) WriteFile(name, content string) string {
	path := filepath.Join(s.T().TempDir(), name)
	s.Require().NoError(os.WriteFile(path, []byte(content), 0o644), "test file MUST be written")
	return path
}
