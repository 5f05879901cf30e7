// Package tv reconciles the control session, the CEC side-channel and the
// reachability probe into a single view of the TV and drives every power,
// volume, channel and app transition.
package tv

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"tvbridge/internal/cec"
	"tvbridge/internal/clock"
	"tvbridge/internal/probe"
	"tvbridge/internal/shadowstate"
	"tvbridge/internal/webos"
	"tvbridge/internal/wol"

	"go.uber.org/zap"
)

// StateHandler is called after an exposed field changed
type StateHandler func(old, new State)

// WakeHandler receives the single outcome of a wake loop: nil on success or
// an error wrapping ErrWakeTimeout
type WakeHandler func(err error)

// Manager is the state reconciler for one TV
type Manager struct {
	cfg     Config
	session webos.Session
	cec     cec.Client
	wol     wol.Sender
	prober  probe.Prober
	clock   clock.Clock
	tracker *shadowstate.Tracker
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	nudges sync.WaitGroup

	// mu guards everything below. No session, CEC or probe call is made
	// while it is held.
	mu             sync.Mutex
	state          State
	connection     webos.ConnectionState
	directory      map[int]string
	wakeInProgress bool
	retryCount     int
	wakeGen        int
	wakeTimer      clock.Timer
	probeTimer     clock.Timer
	poweredOffAt   time.Time
	started        bool
	stopped        bool

	handlersMu    sync.RWMutex
	subscribers   []StateHandler
	wakeListeners []WakeHandler
}

// NewManager creates a new TV reconciler
func NewManager(
	cfg Config,
	session webos.Session,
	cecClient cec.Client,
	wolSender wol.Sender,
	prober probe.Prober,
	clk clock.Clock,
	tracker *shadowstate.Tracker,
	logger *zap.Logger,
) *Manager {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	if tracker == nil {
		tracker = shadowstate.NewTracker(cfg.Name, shadowstate.DefaultMaxActions)
	}
	tracker.SetTimeSource(clk.Now)

	return &Manager{
		cfg:        cfg,
		session:    session,
		cec:        cecClient,
		wol:        wolSender,
		prober:     prober,
		clock:      clk,
		tracker:    tracker,
		logger:     logger.Named("tv").With(zap.String("name", cfg.Name)),
		ctx:        ctx,
		cancel:     cancel,
		state:      newState(cfg.Apps),
		connection: webos.Disconnected,
		directory:  make(map[int]string),
	}
}

// Start wires the session events, opens the session and starts the probe
// loop when polling is enabled. A TV that is off is not an error.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	m.logger.Info("Starting TV Manager",
		zap.Strings("apps", m.cfg.Apps),
		zap.Bool("polling", m.cfg.PollingEnabled),
		zap.Duration("polling_interval", m.cfg.PollingInterval))

	m.session.OnEvent(m.handleEvent)

	if err := m.session.Connect(); err != nil {
		m.logger.Info("TV not reachable yet", zap.Error(err))
	}

	if m.cfg.PollingEnabled {
		m.scheduleProbe()
	}

	m.logger.Info("TV Manager started successfully")
	return nil
}

// Stop cancels the probe loop and any wake loop and closes the session
func (m *Manager) Stop() {
	m.logger.Info("Stopping TV Manager")

	m.mu.Lock()
	m.stopped = true
	if m.probeTimer != nil {
		m.probeTimer.Stop()
		m.probeTimer = nil
	}
	if m.wakeTimer != nil {
		m.wakeTimer.Stop()
		m.wakeTimer = nil
	}
	m.wakeInProgress = false
	m.retryCount = 0
	m.wakeGen++
	m.mu.Unlock()

	m.cancel()
	m.session.Disconnect()

	m.logger.Info("TV Manager stopped")
}

// Name returns the configured accessory name
func (m *Manager) Name() string {
	return m.cfg.Name
}

// Apps returns the AppWatchSet
func (m *Manager) Apps() []string {
	return append([]string(nil), m.cfg.Apps...)
}

// Snapshot returns a copy of the reconciled state
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.state.clone()
	s.Connection = m.connection.String()
	s.WakeInProgress = m.wakeInProgress
	s.WakeAttempts = m.retryCount
	return s
}

// RecentActions returns the action history, oldest first
func (m *Manager) RecentActions() []shadowstate.ActionRecord {
	return m.tracker.RecentActions()
}

// ShadowState returns the inputs the reconciler last saw, the inputs at its
// last action and the action history
func (m *Manager) ShadowState() *shadowstate.ShadowState {
	return m.tracker.GetState()
}

// Subscribe registers a handler for exposed state changes. Handlers run on
// the goroutine that caused the change, outside the reconciler lock.
func (m *Manager) Subscribe(handler StateHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.subscribers = append(m.subscribers, handler)
}

// OnWakeComplete registers a handler for wake loop outcomes
func (m *Manager) OnWakeComplete(handler WakeHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.wakeListeners = append(m.wakeListeners, handler)
}

// update applies mutate to the state and notifies subscribers when an
// exposed field changed. It reports whether anything changed.
func (m *Manager) update(mutate func(s *State)) bool {
	m.mu.Lock()
	old := m.state.clone()
	mutate(&m.state)
	updated := m.state.clone()
	m.mu.Unlock()

	if old.observablyEqual(updated) {
		return false
	}

	m.handlersMu.RLock()
	handlers := append([]StateHandler(nil), m.subscribers...)
	m.handlersMu.RUnlock()

	for _, h := range handlers {
		h(old, updated)
	}
	return true
}

func (m *Manager) notifyWake(err error) {
	m.handlersMu.RLock()
	handlers := append([]WakeHandler(nil), m.wakeListeners...)
	m.handlersMu.RUnlock()

	for _, h := range handlers {
		h(err)
	}
}

func (m *Manager) record(actionType, reason string, details map[string]interface{}) {
	m.tracker.RecordAction(actionType, reason, details)
}

func (m *Manager) setConnection(state webos.ConnectionState) {
	m.mu.Lock()
	m.connection = state
	m.mu.Unlock()

	m.tracker.UpdateCurrentInputs(map[string]interface{}{
		"connection": state.String(),
	})
}

// connected reports the live session state
func (m *Manager) connected() bool {
	return m.session.State() == webos.Connected
}

// handleEvent processes control session lifecycle events
func (m *Manager) handleEvent(evt webos.Event) {
	switch evt.Type {
	case webos.EventConnected:
		m.onConnected()

	case webos.EventDisconnected:
		// A drop may be transient, so the reconciled state is kept
		m.logger.Info("Disconnected from TV")
		m.setConnection(webos.Disconnected)

	case webos.EventConnecting:
		m.logger.Debug("Connecting to TV")
		m.setConnection(webos.Connecting)

	case webos.EventPrompt:
		m.logger.Info("Prompt for confirmation shown on the TV")
		m.setConnection(webos.AwaitingUserConfirmation)

	case webos.EventError:
		// A failed attempt never reached Connected, so no disconnect follows
		m.logger.Debug("Control session error", zap.Error(evt.Err))
		m.setConnection(m.session.State())
	}
}

// onConnected re-subscribes push endpoints, rebuilds the channel directory,
// marks the TV on and completes any wake loop.
func (m *Manager) onConnected() {
	m.logger.Info("Connected to TV")
	m.setConnection(webos.Connected)

	m.update(func(s *State) {
		s.Power = true
	})

	m.mu.Lock()
	gen := m.wakeGen
	m.mu.Unlock()
	m.finishWake(gen, nil)

	subscriptions := []struct {
		uri     string
		handler webos.PushHandler
	}{
		{webos.URIForegroundApp, m.handleForegroundApp},
		{webos.URIGetVolume, m.handleVolume},
		{webos.URICurrentChannel, m.handleChannel},
	}
	for _, sub := range subscriptions {
		if err := m.session.Subscribe(sub.uri, sub.handler); err != nil {
			m.logger.Warn("Failed to subscribe", zap.String("uri", sub.uri), zap.Error(err))
		}
	}

	m.refreshChannelDirectory(m.ctx)
}

// handleForegroundApp drives every app switch to (app == foreground app).
// Live TV channel sub-state is left untouched.
func (m *Manager) handleForegroundApp(payload json.RawMessage) {
	var info foregroundAppInfo
	if err := json.Unmarshal(payload, &info); err != nil {
		m.logger.Warn("Malformed foreground app push", zap.Error(err))
		return
	}
	if info.AppID == "" {
		return
	}

	m.logger.Debug("Foreground app changed", zap.String("app_id", info.AppID))
	m.applyForegroundApp(info.AppID)
}

func (m *Manager) applyForegroundApp(appID string) {
	m.update(func(s *State) {
		s.AppID = appID
		for _, app := range m.cfg.Apps {
			s.Apps[app] = app == appID
		}
	})
}

// handleVolume stores the level and, when present, the paired mute flag
func (m *Manager) handleVolume(payload json.RawMessage) {
	var info volumeInfo
	if err := json.Unmarshal(payload, &info); err != nil {
		m.logger.Warn("Malformed volume push", zap.Error(err))
		return
	}

	level, hasLevel := info.level()
	muted, hasMuted := info.muted()
	if !hasLevel && !hasMuted {
		return
	}

	m.logger.Debug("Volume changed", zap.Int("volume", level), zap.Bool("muted", muted))
	m.update(func(s *State) {
		if hasLevel {
			s.Volume = ClampVolume(level)
		}
		if hasMuted {
			s.Muted = muted
		}
	})
}

// handleChannel splits the pushed channel number into constant and channel
func (m *Manager) handleChannel(payload json.RawMessage) {
	var info currentChannelInfo
	if err := json.Unmarshal(payload, &info); err != nil {
		m.logger.Warn("Malformed channel push", zap.Error(err))
		return
	}
	if info.ChannelNumber == nil {
		return
	}

	m.logger.Debug("Channel changed", zap.Int("channel_number", int(*info.ChannelNumber)))
	m.applyChannelNumber(int(*info.ChannelNumber))
}

func (m *Manager) applyChannelNumber(number int) {
	constant, channel := SplitChannelNumber(number)
	m.update(func(s *State) {
		s.ChannelConstant = constant
		s.Channel = channel
	})
}
