// Package health probes whether a TCP listener is accepting connections.
package health

import (
	"context"
	"net"
	"strconv"
	"time"
)

// DefaultTimeout bounds a single probe.
const DefaultTimeout = 250 * time.Millisecond

// PortHealth is the result of one probe.
type PortHealth struct {
	Host      string
	Port      int
	Listening bool
	// Err is set when the probe could not connect. A refused connection is
	// reported here as well; Listening is the authoritative field.
	Err error
}

// CheckTCP attempts a TCP connection to host:port and reports whether
// something accepted it. A non-positive timeout uses DefaultTimeout.
func CheckTCP(ctx context.Context, host string, port int, timeout time.Duration) PortHealth {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return PortHealth{Host: host, Port: port, Err: err}
	}
	_ = conn.Close()

	return PortHealth{Host: host, Port: port, Listening: true}
}

// String renders the probe result for the CLI.
func (h PortHealth) String() string {
	addr := net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
	if h.Listening {
		return addr + " listening"
	}
	if h.Err != nil {
		return addr + " not listening: " + h.Err.Error()
	}
	return addr + " not listening"
}
