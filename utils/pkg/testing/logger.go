package sagetesting

import (
	"log/slog"
	"os"

	"github.com/VictorNLopes/SAGE-TreeView/utils/pkg/logger"
)

// NewLogger returns a logger for tests. Set DEBUG=1 to see debug records.
func NewLogger() *slog.Logger {
	return logger.NewWithWriter(os.Stderr, os.Getenv("DEBUG") != "")
}
