//go:build windows

package idlemon

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	user32               = windows.NewLazySystemDLL("user32.dll")
	kernel32             = windows.NewLazySystemDLL("kernel32.dll")
	procGetLastInputInfo = user32.NewProc("GetLastInputInfo")
	procGetTickCount     = kernel32.NewProc("GetTickCount")
)

// lastInputInfo mirrors the Win32 LASTINPUTINFO struct.
type lastInputInfo struct {
	cbSize uint32
	dwTime uint32
}

// QuerySystemIdleDuration returns the duration since the last keyboard or
// mouse event, via the native GetLastInputInfo/GetTickCount pair.
func QuerySystemIdleDuration() (time.Duration, error) {
	var info lastInputInfo
	info.cbSize = uint32(unsafe.Sizeof(info))

	ret, _, err := procGetLastInputInfo.Call(uintptr(unsafe.Pointer(&info)))
	if ret == 0 {
		return 0, fmt.Errorf("idlemon: GetLastInputInfo failed: %w", err)
	}

	tick, _, err := procGetTickCount.Call()
	if tick == 0 {
		return 0, fmt.Errorf("idlemon: GetTickCount failed: %w", err)
	}

	elapsedMS := uint32(tick) - info.dwTime
	return time.Duration(elapsedMS) * time.Millisecond, nil
}
