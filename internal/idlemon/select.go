package idlemon

import (
	"fmt"
	"log/slog"
	"runtime"
	"time"
)

// SelectBackend chooses the idle-detection backend variant for the host OS:
// an external helper if one is configured, otherwise the native polling
// backend for the current platform. Returns an error if no variant is
// available, which the daemon treats as a fatal startup condition.
func SelectBackend(helperPath string, threshold time.Duration, logger *slog.Logger) (Backend, error) {
	if helperPath != "" {
		return &ExternalBackend{Path: helperPath, Logger: logger}, nil
	}

	switch runtime.GOOS {
	case "linux", "windows", "darwin":
		return &PollBackend{
			Query:     QuerySystemIdleDuration,
			Threshold: threshold,
			Interval:  time.Second,
		}, nil
	default:
		return nil, fmt.Errorf("idlemon: no idle detection backend available for %s; configure idle_helper_path", runtime.GOOS)
	}
}
