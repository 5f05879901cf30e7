package probe

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTCPProber_Reachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	p := NewTCPProber(ln.Addr().String(), time.Second, zap.NewNop())
	assert.True(t, p.Probe(context.Background()))
}

func TestTCPProber_Unreachable(t *testing.T) {
	// Reserve a port then release it so nothing is listening there
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	p := NewTCPProber(addr, 200*time.Millisecond, zap.NewNop())
	assert.False(t, p.Probe(context.Background()))
}

func TestTCPProber_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewTCPProber("127.0.0.1:1", 0, zap.NewNop())
	assert.Equal(t, DefaultTimeout, p.timeout)
	assert.False(t, p.Probe(ctx))
}
