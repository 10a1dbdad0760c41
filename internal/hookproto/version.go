package hookproto

import (
	"log/slog"

	"github.com/Masterminds/semver/v3"
)

// SupportedProtocolRange is the range of hook protocol versions this daemon
// understands. Hooks predating protocol_version entirely are assumed
// compatible (the field is optional); a hook that reports a version outside
// the range is logged, never rejected — a protocol mismatch is a reason to
// look twice, not a reason to deny a request that should otherwise pass
// through.
const SupportedProtocolRange = ">= 1.0.0, < 2.0.0"

var supportedConstraint = func() *semver.Constraints {
	c, err := semver.NewConstraint(SupportedProtocolRange)
	if err != nil {
		// Constant is developer-controlled; a bad constraint is a bug, not
		// a runtime condition, but we still fail safe rather than panic.
		return nil
	}
	return c
}()

// CheckProtocolVersion logs a warning when frame reports a protocol_version
// outside SupportedProtocolRange. It never returns an error: version
// mismatches are advisory only.
func CheckProtocolVersion(logger *slog.Logger, frame HookFrame) {
	if frame.ProtocolVersion == "" || supportedConstraint == nil {
		return
	}
	v, err := semver.NewVersion(frame.ProtocolVersion)
	if err != nil {
		logger.Warn("hook reported unparsable protocol version",
			"protocol_version", frame.ProtocolVersion, "error", err)
		return
	}
	if !supportedConstraint.Check(v) {
		logger.Warn("hook protocol version outside supported range",
			"protocol_version", frame.ProtocolVersion, "supported", SupportedProtocolRange)
	}
}
