//go:build darwin

package idlemon

import (
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"time"
)

var hidIdleTimeRe = regexp.MustCompile(`"HIDIdleTime"\s*=\s*(\d+)`)

// QuerySystemIdleDuration shells out to ioreg for the HIDIdleTime property
// of IOHIDSystem, reported in nanoseconds. This avoids a cgo dependency on
// IOKit while still querying a native input-timing value, as the Windows
// backend does.
func QuerySystemIdleDuration() (time.Duration, error) {
	out, err := exec.Command("ioreg", "-c", "IOHIDSystem").Output()
	if err != nil {
		return 0, fmt.Errorf("idlemon: ioreg: %w", err)
	}
	m := hidIdleTimeRe.FindSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("idlemon: HIDIdleTime not found in ioreg output")
	}
	nanos, err := strconv.ParseInt(string(m[1]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("idlemon: parse HIDIdleTime: %w", err)
	}
	return time.Duration(nanos), nil
}
