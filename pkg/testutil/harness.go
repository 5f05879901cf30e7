// This file provides a TestEnv that runs the real session client and
// reconciler against the mock TV.

package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tvbridge/internal/cec"
	"tvbridge/internal/clock"
	"tvbridge/internal/probe"
	"tvbridge/internal/shadowstate"
	"tvbridge/internal/tv"
	"tvbridge/internal/webos"

	"go.uber.org/zap"
)

// Timings used by the test environment. They keep the shape of the
// production loops at a fraction of the duration.
const (
	TestWakeSettleDelay = 100 * time.Millisecond
	TestWakeInterval    = 150 * time.Millisecond
	TestMaxWakeAttempts = 5
	TestPollingInterval = 100 * time.Millisecond
	TestPowerOffGrace   = 300 * time.Millisecond
	TestReconnectDelay  = 50 * time.Millisecond
)

// EnvOptions tweaks NewTestEnv
type EnvOptions struct {
	Name    string
	Apps    []string
	MAC     string
	Polling bool

	// PromptDelay makes the mock ask for on-screen confirmation before
	// issuing a key
	PromptDelay time.Duration

	// Standby starts the mock TV asleep
	Standby bool
}

// TestEnv provides a complete test environment: a mock TV, a real session
// client, the reconciler and a CEC stand-in that wakes the mock TV.
type TestEnv struct {
	Server  *MockTVServer
	Client  *webos.Client
	Manager *tv.Manager
	CEC     *LinkedCEC
	Keys    *webos.MemoryKeyStore
	Tracker *shadowstate.Tracker
	Logger  *zap.Logger
}

// NewTestEnv starts the mock TV and the reconciler.
//
// Example usage:
//
//	env, err := testutil.NewTestEnv(testutil.EnvOptions{Apps: []string{"netflix"}})
//	if err != nil {
//	    t.Fatal(err)
//	}
//	defer env.Cleanup()
func NewTestEnv(opts EnvOptions) (*TestEnv, error) {
	logger, _ := zap.NewDevelopment()

	if opts.Name == "" {
		opts.Name = "Test TV"
	}

	server := NewMockTVServer()
	if opts.PromptDelay > 0 {
		server.RequirePrompt(opts.PromptDelay)
	}
	if opts.Standby {
		server.Standby()
	}
	server.Start()

	keys := &webos.MemoryKeyStore{}
	client := webos.NewClient(server.URL(), keys, logger,
		webos.WithRequestTimeout(time.Second),
		webos.WithHandshakeTimeout(time.Second),
		webos.WithPromptTimeout(opts.PromptDelay+time.Second),
		webos.WithReconnectBackoff(TestReconnectDelay, 4*TestReconnectDelay))

	cecClient := NewLinkedCEC(server)
	tracker := shadowstate.NewTracker(opts.Name, shadowstate.DefaultMaxActions)

	manager := tv.NewManager(tv.Config{
		Name:            opts.Name,
		MAC:             opts.MAC,
		Apps:            opts.Apps,
		PollingEnabled:  opts.Polling,
		PollingInterval: TestPollingInterval,
		WakeSettleDelay: TestWakeSettleDelay,
		WakeInterval:    TestWakeInterval,
		MaxWakeAttempts: TestMaxWakeAttempts,
		QueryDelay:      10 * time.Millisecond,
		PowerOffGrace:   TestPowerOffGrace,
	},
		client,
		cecClient,
		nil,
		probe.NewTCPProber(server.Addr(), 200*time.Millisecond, logger),
		clock.NewRealClock(),
		tracker,
		logger,
	)

	if err := manager.Start(); err != nil {
		server.Stop()
		return nil, fmt.Errorf("failed to start manager: %w", err)
	}

	return &TestEnv{
		Server:  server,
		Client:  client,
		Manager: manager,
		CEC:     cecClient,
		Keys:    keys,
		Tracker: tracker,
		Logger:  logger,
	}, nil
}

// WaitFor polls cond until it holds or timeout passes and reports the result
func (e *TestEnv) WaitFor(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

// WaitConnected waits for the reconciler to see a live session
func (e *TestEnv) WaitConnected(timeout time.Duration) bool {
	return e.WaitFor(func() bool {
		return e.Manager.Snapshot().Connection == webos.Connected.String()
	}, timeout)
}

// Context returns a context bounded by a generous per-call timeout
func (e *TestEnv) Context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Second)
}

// Cleanup stops all components in the correct order.
// Always call this in a defer after creating the TestEnv.
func (e *TestEnv) Cleanup() {
	if e.Manager != nil {
		e.Manager.Stop()
	}
	if e.Server != nil {
		e.Server.Stop()
	}
}

// LinkedCEC is a cec.Client whose power commands put the mock TV to sleep or
// wake it, the way the HDMI bus would
type LinkedCEC struct {
	server *MockTVServer

	mu           sync.Mutex
	statusErr    error
	unresponsive bool
	commands     []bool
}

// NewLinkedCEC creates a CEC stand-in bound to server
func NewLinkedCEC(server *MockTVServer) *LinkedCEC {
	return &LinkedCEC{server: server}
}

// PowerStatus mirrors the mock TV's standby flag
func (c *LinkedCEC) PowerStatus(ctx context.Context) (cec.PowerStatus, error) {
	c.mu.Lock()
	err := c.statusErr
	c.mu.Unlock()
	if err != nil {
		return cec.StatusUnknown, err
	}
	if c.server.InStandby() {
		return cec.StatusStandby, nil
	}
	return cec.StatusOn, nil
}

// SetPower wakes or suspends the mock TV
func (c *LinkedCEC) SetPower(ctx context.Context, on bool) error {
	c.mu.Lock()
	c.commands = append(c.commands, on)
	unresponsive := c.unresponsive
	c.mu.Unlock()

	if unresponsive {
		return nil
	}
	if on {
		c.server.Wake()
	} else {
		c.server.Standby()
	}
	return nil
}

// SetStatusError makes PowerStatus fail with err (nil clears it)
func (c *LinkedCEC) SetStatusError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusErr = err
}

// SetUnresponsive makes power commands succeed without reaching the TV
func (c *LinkedCEC) SetUnresponsive(unresponsive bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unresponsive = unresponsive
}

// PowerCommands returns a copy of every SetPower argument received
func (c *LinkedCEC) PowerCommands() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bool(nil), c.commands...)
}
