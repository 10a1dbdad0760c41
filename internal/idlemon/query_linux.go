//go:build linux

package idlemon

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// inputDeviceGlobs are the device nodes the kernel touches on every
// keyboard/mouse event. Without X11 (which would need cgo to query
// XScreenSaverQueryInfo), the most recent mtime across these nodes is the
// closest portable system signal a pure-Go, non-X11 process can poll.
var inputDeviceGlobs = []string{"/dev/input"}

// QuerySystemIdleDuration returns how long it has been since any input
// device under /dev/input last reported activity.
func QuerySystemIdleDuration() (time.Duration, error) {
	var newest time.Time
	found := false

	for _, dir := range inputDeviceGlobs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, ent := range entries {
			info, err := ent.Info()
			if err != nil {
				continue
			}
			if stat, ok := info.Sys().(*unix.Stat_t); ok {
				mtime := time.Unix(stat.Mtim.Sec, stat.Mtim.Nsec)
				if mtime.After(newest) {
					newest = mtime
					found = true
				}
			} else if info.ModTime().After(newest) {
				newest = info.ModTime()
				found = true
			}
		}
	}
	if !found {
		return 0, fmt.Errorf("idlemon: no input devices under %v", inputDeviceGlobs)
	}
	return time.Since(newest), nil
}
