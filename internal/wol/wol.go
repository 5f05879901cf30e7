// Package wol sends Wake-on-LAN magic packets.
package wol

import (
	"errors"
	"fmt"
	"net"

	gowol "github.com/sabhiram/go-wol/wol"
	"go.uber.org/zap"
)

// DefaultBroadcastAddr is the limited broadcast address on the discard port
const DefaultBroadcastAddr = "255.255.255.255:9"

// ErrInvalidMAC is returned for hardware addresses that are not 6 bytes long
var ErrInvalidMAC = errors.New("wol: invalid hardware address")

// Sender fires a one-shot wake signal at a hardware address
type Sender interface {
	Wake(mac string) error
}

// MagicPacket builds the 102-byte payload: 6 bytes of 0xFF followed by the
// hardware address repeated 16 times.
func MagicPacket(mac string) ([]byte, error) {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMAC, err)
	}
	if len(hw) != 6 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMAC, mac)
	}

	// gowol only parses colon or dash notation
	mp, err := gowol.New(hw.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMAC, err)
	}
	return mp.Marshal()
}

// UDPSender broadcasts magic packets over UDP
type UDPSender struct {
	addr   string
	logger *zap.Logger
}

// NewUDPSender creates a sender targeting addr (host:port). An empty addr uses
// DefaultBroadcastAddr.
func NewUDPSender(addr string, logger *zap.Logger) *UDPSender {
	if addr == "" {
		addr = DefaultBroadcastAddr
	}
	return &UDPSender{addr: addr, logger: logger.Named("wol")}
}

// Wake sends a single magic packet for mac
func (s *UDPSender) Wake(mac string) error {
	packet, err := MagicPacket(mac)
	if err != nil {
		return err
	}

	raddr, err := net.ResolveUDPAddr("udp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", s.addr, err)
	}

	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("failed to open UDP socket: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write(packet); err != nil {
		return fmt.Errorf("failed to send magic packet: %w", err)
	}

	s.logger.Info("Magic packet sent", zap.String("mac", mac), zap.String("addr", s.addr))
	return nil
}
