package main

import (
	"io"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleapp/internal/monitor"
	"github.com/srg/bleapp/pkg/config"
)

// configureLogger builds the logger from cfg and sends its output to w.
// When the monitor is enabled the recent output is also kept in the
// returned tail, which is nil otherwise.
func configureLogger(cfg *config.Config, w io.Writer) (*logrus.Logger, *monitor.LogTail) {
	logger := cfg.NewLogger()
	logger.SetOutput(w)

	if cfg.Listen == "" || cfg.LogTailSize == 0 {
		return logger, nil
	}
	tail := monitor.NewLogTail(cfg.LogTailSize)
	tail.Attach(logger)
	return logger, tail
}
