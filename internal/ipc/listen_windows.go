//go:build windows

package ipc

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/windows"
)

// pipeAddr satisfies net.Addr for a named pipe path.
type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }

// pipeListener implements net.Listener on top of a Windows named pipe. Each
// Accept creates a fresh pipe instance and blocks in ConnectNamedPipe,
// mirroring how net.Listener.Accept blocks for TCP; PIPE_UNLIMITED_INSTANCES
// lets multiple hook connections queue the way multiple TCP accepts would.
type pipeListener struct {
	path string

	mu     sync.Mutex
	closed bool
}

// Listen opens a named pipe endpoint at path (e.g. `\\.\pipe\clauderelay`),
// the Windows analogue of a Unix-domain socket endpoint. Security is
// owner-only by virtue of the default pipe DACL created from a nil
// SecurityAttributes plus the per-user pipe namespace; no other local user
// can open the same pipe name without matching privileges.
func Listen(path string) (net.Listener, error) {
	return &pipeListener{path: path}, nil
}

func (l *pipeListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, errors.New("ipc: listener closed")
	}
	l.mu.Unlock()

	pathUTF16, err := windows.UTF16PtrFromString(l.path)
	if err != nil {
		return nil, fmt.Errorf("ipc: pipe path: %w", err)
	}

	handle, err := windows.CreateNamedPipe(
		pathUTF16,
		windows.PIPE_ACCESS_DUPLEX,
		windows.PIPE_TYPE_BYTE|windows.PIPE_READMODE_BYTE|windows.PIPE_WAIT,
		windows.PIPE_UNLIMITED_INSTANCES,
		4096, 4096,
		0,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("ipc: create named pipe: %w", err)
	}

	if err := windows.ConnectNamedPipe(handle, nil); err != nil && err != windows.ERROR_PIPE_CONNECTED {
		_ = windows.CloseHandle(handle)
		l.mu.Lock()
		closed := l.closed
		l.mu.Unlock()
		if closed {
			return nil, errors.New("ipc: listener closed")
		}
		return nil, fmt.Errorf("ipc: connect named pipe: %w", err)
	}

	return &pipeConn{handle: handle, addr: pipeAddr(l.path)}, nil
}

func (l *pipeListener) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

func (l *pipeListener) Addr() net.Addr { return pipeAddr(l.path) }

// pipeConn adapts a named pipe Handle to net.Conn using synchronous (non
// overlapped) ReadFile/WriteFile, sufficient for the one-frame-per-connection
// protocol this endpoint carries.
type pipeConn struct {
	handle windows.Handle
	addr   pipeAddr
}

func (c *pipeConn) Read(p []byte) (int, error) {
	var n uint32
	err := windows.ReadFile(c.handle, p, &n, nil)
	if err != nil {
		return int(n), err
	}
	return int(n), nil
}

func (c *pipeConn) Write(p []byte) (int, error) {
	var n uint32
	err := windows.WriteFile(c.handle, p, &n, nil)
	if err != nil {
		return int(n), err
	}
	return int(n), nil
}

func (c *pipeConn) Close() error {
	_ = windows.DisconnectNamedPipe(c.handle)
	return windows.CloseHandle(c.handle)
}

func (c *pipeConn) LocalAddr() net.Addr  { return c.addr }
func (c *pipeConn) RemoteAddr() net.Addr { return c.addr }

// Deadlines are not implemented for the synchronous pipe path; the server
// relies on the coordinator's own per-request timeout rather than socket
// deadlines.
func (c *pipeConn) SetDeadline(t time.Time) error      { return nil }
func (c *pipeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *pipeConn) SetWriteDeadline(t time.Time) error { return nil }
