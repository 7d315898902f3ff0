// Package netprobe answers questions about local TCP ports.
package netprobe

import (
	"errors"
	"net"
	"strconv"
	"syscall"
	"time"
)

const loopback = "127.0.0.1"

// DefaultDialTimeout bounds IsPortListening when no timeout is given.
const DefaultDialTimeout = 500 * time.Millisecond

// PortStatus is the result of a bind attempt.
type PortStatus struct {
	Port  int    `json:"port"`
	InUse bool   `json:"in_use"`
	Error string `json:"error,omitempty"`
}

// CheckPort binds a transient listener on the loopback interface and
// releases it immediately.
func CheckPort(port int) PortStatus {
	status := PortStatus{Port: port}
	listener, err := net.Listen("tcp", Addr(port))
	if err != nil {
		status.InUse = errors.Is(err, syscall.EADDRINUSE)
		status.Error = err.Error()
		return status
	}
	_ = listener.Close()
	return status
}

// IsPortAvailable reports whether port can be bound on the loopback
// interface. Any bind failure, including permission errors, counts as
// unavailable.
func IsPortAvailable(port int) bool {
	if port <= 0 || port > 65535 {
		return false
	}
	status := CheckPort(port)
	return status.Error == ""
}

// IsPortListening reports whether something accepts connections on port.
func IsPortListening(port int, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	conn, err := net.DialTimeout("tcp", Addr(port), timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Addr returns the loopback address for port.
func Addr(port int) string {
	return net.JoinHostPort(loopback, strconv.Itoa(port))
}
