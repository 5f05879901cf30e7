// Package probe answers whether the TV's control port accepts TCP connections.
package probe

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds a single probe
const DefaultTimeout = 3 * time.Second

// Prober reports reachability of the device's control endpoint
type Prober interface {
	Probe(ctx context.Context) bool
}

// TCPProber dials addr and immediately closes the connection
type TCPProber struct {
	addr    string
	timeout time.Duration
	dialer  net.Dialer
	logger  *zap.Logger
}

// NewTCPProber creates a prober for host:port. A zero timeout uses DefaultTimeout.
func NewTCPProber(addr string, timeout time.Duration, logger *zap.Logger) *TCPProber {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &TCPProber{
		addr:    addr,
		timeout: timeout,
		logger:  logger.Named("probe"),
	}
}

// Probe returns true when a TCP connection could be opened within the timeout.
// Any dial failure counts as unreachable.
func (p *TCPProber) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := p.dialer.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		p.logger.Debug("TV unreachable", zap.String("addr", p.addr), zap.Error(err))
		return false
	}
	conn.Close()

	p.logger.Debug("TV reachable", zap.String("addr", p.addr))
	return true
}
