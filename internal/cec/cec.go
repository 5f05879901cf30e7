// Package cec queries and sets TV power over HDMI-CEC, independent of the
// webOS control session. Frames are sent through the libcec cec-client tool.
package cec

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Initiator is the logical address the bridge speaks from
const Initiator = 14

var (
	// ErrNoReply is returned when the TV did not answer a power status request
	ErrNoReply = errors.New("cec: no power status reply")

	// ErrInvalidAddress is returned for logical addresses outside 0..15
	ErrInvalidAddress = errors.New("cec: logical address out of range")
)

const opReportPowerStatus = 0x90

// PowerStatus is the payload of a REPORT_POWER_STATUS frame
type PowerStatus int

const (
	StatusOn                  PowerStatus = 0x00
	StatusStandby             PowerStatus = 0x01
	StatusTransitionToOn      PowerStatus = 0x02
	StatusTransitionToStandby PowerStatus = 0x03
	StatusUnknown             PowerStatus = -1
)

func (s PowerStatus) String() string {
	switch s {
	case StatusOn:
		return "on"
	case StatusStandby:
		return "standby"
	case StatusTransitionToOn:
		return "transition_to_on"
	case StatusTransitionToStandby:
		return "transition_to_standby"
	default:
		return "unknown"
	}
}

// Client is the power side-channel
type Client interface {
	PowerStatus(ctx context.Context) (PowerStatus, error)
	SetPower(ctx context.Context, on bool) error
}

// AddressByte returns the CEC header byte used to address the device:
// initiator in the high nibble, destination in the low nibble.
func AddressByte(logical int) byte {
	return byte(((Initiator % 16) << 4) | (logical % 16))
}

// Runner executes a batch of cec-client commands and returns its traffic log
type Runner interface {
	Run(ctx context.Context, commands []string) (string, error)
}

// ExecClient implements Client on top of a Runner
type ExecClient struct {
	logical int
	runner  Runner
	logger  *zap.Logger
}

// NewExecClient creates a client for the device at the given logical address
func NewExecClient(logical int, runner Runner, logger *zap.Logger) (*ExecClient, error) {
	if logical < 0 || logical > 15 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAddress, logical)
	}
	return &ExecClient{
		logical: logical,
		runner:  runner,
		logger:  logger.Named("cec"),
	}, nil
}

// PowerStatus asks cec-client for the power status of the device. cec-client
// sends GIVE_DEVICE_POWER_STATUS, waits for the reply and prints
// "power status: <status>".
func (c *ExecClient) PowerStatus(ctx context.Context) (PowerStatus, error) {
	cmd := fmt.Sprintf("pow %d", c.logical)
	c.logger.Debug("Requesting power status", zap.String("command", cmd))

	out, err := c.runner.Run(ctx, []string{cmd})
	if err != nil {
		return StatusUnknown, fmt.Errorf("cec-client failed: %w", err)
	}

	status, ok := parsePowerStatus(out)
	if !ok {
		// Traffic logging also shows the raw reply frame
		status, ok = parseReportFrame(out, c.logical)
	}
	if !ok {
		return StatusUnknown, ErrNoReply
	}

	c.logger.Debug("Power status reported", zap.String("status", status.String()))
	return status, nil
}

// SetPower sends an image-view-on or standby command to the device
func (c *ExecClient) SetPower(ctx context.Context, on bool) error {
	mode := "standby"
	if on {
		mode = "on"
	}
	cmd := fmt.Sprintf("%s %d", mode, c.logical)

	c.logger.Info("Sending power command", zap.String("command", cmd))
	if _, err := c.runner.Run(ctx, []string{cmd}); err != nil {
		return fmt.Errorf("cec-client failed: %w", err)
	}
	return nil
}

var statusNames = map[string]PowerStatus{
	"on":                               StatusOn,
	"standby":                          StatusStandby,
	"in transition from standby to on": StatusTransitionToOn,
	"in transition from on to standby": StatusTransitionToStandby,
}

// parsePowerStatus finds the "power status: on" line printed by the pow
// command. "unknown" means the device never answered.
func parsePowerStatus(out string) (PowerStatus, bool) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.ToLower(line)
		idx := strings.Index(line, "power status:")
		if idx < 0 {
			continue
		}
		if status, ok := statusNames[strings.TrimSpace(line[idx+len("power status:"):])]; ok {
			return status, true
		}
	}
	return StatusUnknown, false
}

// parseReportFrame scans traffic lines for a REPORT_POWER_STATUS frame sent
// by the device back to the initiator, e.g. ">> 0e:90:00".
func parseReportFrame(traffic string, logical int) (PowerStatus, bool) {
	addr := AddressByte(logical)
	reply := addr<<4 | addr>>4

	for _, line := range strings.Split(traffic, "\n") {
		idx := strings.Index(line, ">>")
		if idx < 0 {
			continue
		}
		frame := strings.Fields(line[idx+2:])
		if len(frame) == 0 {
			continue
		}

		parts := strings.Split(frame[0], ":")
		if len(parts) < 3 {
			continue
		}
		header, err := strconv.ParseUint(parts[0], 16, 8)
		if err != nil || byte(header) != reply {
			continue
		}
		op, err := strconv.ParseUint(parts[1], 16, 8)
		if err != nil || op != opReportPowerStatus {
			continue
		}
		status, err := strconv.ParseUint(parts[2], 16, 8)
		if err != nil {
			continue
		}
		return PowerStatus(status), true
	}
	return StatusUnknown, false
}
