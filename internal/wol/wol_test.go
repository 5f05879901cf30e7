package wol

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMagicPacket(t *testing.T) {
	packet, err := MagicPacket("a0:b1:c2:d3:e4:f5")
	require.NoError(t, err)
	require.Len(t, packet, 102)

	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 6), packet[:6])
	mac := []byte{0xa0, 0xb1, 0xc2, 0xd3, 0xe4, 0xf5}
	for i := 0; i < 16; i++ {
		off := 6 + i*6
		assert.Equal(t, mac, packet[off:off+6], "repetition %d", i)
	}
}

func TestMagicPacket_DottedNotation(t *testing.T) {
	dotted, err := MagicPacket("a0b1.c2d3.e4f5")
	require.NoError(t, err)

	colons, err := MagicPacket("A0:B1:C2:D3:E4:F5")
	require.NoError(t, err)
	assert.Equal(t, colons, dotted)
}

func TestMagicPacket_InvalidMAC(t *testing.T) {
	tests := []string{"", "not-a-mac", "00:00:5e:00:53:01:02:03"}
	for _, mac := range tests {
		_, err := MagicPacket(mac)
		assert.ErrorIs(t, err, ErrInvalidMAC, mac)
	}
}

func TestUDPSender_Wake(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	sender := NewUDPSender(pc.LocalAddr().String(), zap.NewNop())
	require.NoError(t, sender.Wake("a0-b1-c2-d3-e4-f5"))

	buf := make([]byte, 256)
	pc.SetReadDeadline(time.Now().Add(time.Second))
	n, _, err := pc.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, 102, n)
}

func TestUDPSender_DefaultAddr(t *testing.T) {
	sender := NewUDPSender("", zap.NewNop())
	assert.Equal(t, DefaultBroadcastAddr, sender.addr)
	assert.ErrorIs(t, sender.Wake("bogus"), ErrInvalidMAC)
}
