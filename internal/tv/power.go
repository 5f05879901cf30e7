package tv

import (
	"context"
	"fmt"

	"tvbridge/internal/cec"
	"tvbridge/internal/webos"

	"go.uber.org/zap"
)

// SetPower turns the TV on or off.
//
// Power-on while disconnected wakes the TV over CEC (or Wake-on-LAN when CEC
// is unavailable), starts the wake loop and returns as soon as the signal is
// dispatched. The outcome of the wake loop is delivered to OnWakeComplete
// handlers. Power-on while connected is a no-op.
//
// Power-off requires a live session. On success the session is closed and
// power, mute and every app switch are cleared.
func (m *Manager) SetPower(ctx context.Context, on bool) error {
	if on {
		if m.connected() {
			m.logger.Debug("Power on requested but TV already connected")
			return nil
		}
		return m.powerOn(ctx)
	}

	if !m.connected() {
		return fmt.Errorf("%w: no active session to turn off", ErrNotConnected)
	}
	return m.powerOff(ctx)
}

func (m *Manager) powerOn(ctx context.Context) error {
	m.mu.Lock()
	waking := m.wakeInProgress
	m.mu.Unlock()
	if waking {
		m.logger.Info("Wake already in progress")
		return nil
	}

	status, err := m.cec.PowerStatus(ctx)
	switch {
	case err != nil:
		if m.cfg.MAC == "" || m.wol == nil {
			return fmt.Errorf("%w: power status query: %w", ErrTransport, err)
		}
		m.logger.Warn("CEC unavailable, falling back to Wake-on-LAN", zap.Error(err))
		if werr := m.wol.Wake(m.cfg.MAC); werr != nil {
			return fmt.Errorf("%w: wake-on-lan: %w", ErrTransport, werr)
		}
		m.record(ActionWOLFallback, "CEC power status query failed", map[string]interface{}{
			"error": err.Error(),
			"mac":   m.cfg.MAC,
		})

	case status != cec.StatusOn:
		m.logger.Info("Sending CEC power on", zap.String("cec_status", status.String()))
		if err := m.cec.SetPower(ctx, true); err != nil {
			return fmt.Errorf("%w: power on command: %w", ErrTransport, err)
		}

	default:
		m.logger.Info("CEC reports TV already on, waiting for control session")
	}

	m.record(ActionPowerOn, "power on requested", map[string]interface{}{
		"cec_status": status.String(),
	})
	m.startWakeLoop()
	return nil
}

func (m *Manager) powerOff(ctx context.Context) error {
	m.logger.Info("Turning TV off")

	if _, err := m.session.Request(ctx, webos.URITurnOff, nil); err != nil {
		return classify("turn off", err)
	}

	m.mu.Lock()
	m.poweredOffAt = m.clock.Now()
	m.mu.Unlock()

	m.session.Disconnect()
	m.forceOff()
	m.record(ActionPowerOff, "graceful shutdown", nil)
	return nil
}

// forceOff clears power, mute and every app switch. It reports whether any
// exposed value changed.
func (m *Manager) forceOff() bool {
	return m.update(func(s *State) {
		s.Power = false
		s.Muted = false
		for app := range s.Apps {
			s.Apps[app] = false
		}
	})
}

// GetPower answers true while connected. Otherwise it probes the TV: an
// unreachable TV forces the off state, a reachable one gets a connect nudge.
func (m *Manager) GetPower(ctx context.Context) (bool, error) {
	if m.connected() {
		return true, nil
	}
	m.checkReachability(ctx)
	return false, nil
}

// startWakeLoop schedules the first reachability check. Only one wake loop
// runs at a time.
func (m *Manager) startWakeLoop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.wakeInProgress || m.stopped {
		return
	}
	m.wakeInProgress = true
	m.retryCount = 0
	m.wakeGen++
	gen := m.wakeGen
	m.wakeTimer = m.clock.AfterFunc(m.cfg.WakeSettleDelay, func() { m.wakeTick(gen) })

	m.logger.Info("Wake loop started",
		zap.Duration("interval", m.cfg.WakeInterval),
		zap.Int("max_attempts", m.cfg.MaxWakeAttempts))
}

// wakeTick checks the live session state and either completes the loop or
// re-issues a connect and schedules the next tick
func (m *Manager) wakeTick(gen int) {
	m.mu.Lock()
	if gen != m.wakeGen || !m.wakeInProgress {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if m.connected() {
		m.finishWake(gen, nil)
		return
	}

	m.mu.Lock()
	if gen != m.wakeGen || !m.wakeInProgress {
		m.mu.Unlock()
		return
	}
	if m.retryCount >= m.cfg.MaxWakeAttempts {
		m.mu.Unlock()
		m.finishWake(gen, fmt.Errorf("%w after %d attempts", ErrWakeTimeout, m.cfg.MaxWakeAttempts))
		return
	}
	m.retryCount++
	attempt := m.retryCount
	m.mu.Unlock()

	m.logger.Info("TV not connected yet, retrying", zap.Int("attempt", attempt))
	m.record(ActionWakeAttempt, "control session not connected", map[string]interface{}{
		"attempt": attempt,
	})
	m.tracker.UpdateCurrentInputs(map[string]interface{}{"wake_attempts": attempt})

	if err := m.session.Connect(); err != nil {
		m.logger.Debug("Connect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	}

	// A synchronous connect may already have completed the loop
	m.mu.Lock()
	if gen == m.wakeGen && m.wakeInProgress && !m.stopped {
		m.wakeTimer = m.clock.AfterFunc(m.cfg.WakeInterval, func() { m.wakeTick(gen) })
	}
	m.mu.Unlock()
}

// finishWake ends wake loop gen with err and delivers the outcome exactly once
func (m *Manager) finishWake(gen int, err error) {
	m.mu.Lock()
	if gen != m.wakeGen || !m.wakeInProgress {
		m.mu.Unlock()
		return
	}
	attempts := m.retryCount
	m.wakeInProgress = false
	m.retryCount = 0
	m.wakeGen++
	if m.wakeTimer != nil {
		m.wakeTimer.Stop()
		m.wakeTimer = nil
	}
	m.mu.Unlock()

	m.tracker.UpdateCurrentInputs(map[string]interface{}{"wake_attempts": 0})

	if err != nil {
		m.logger.Warn("TV did not come up", zap.Int("attempts", attempts), zap.Error(err))
		m.record(ActionWakeTimeout, err.Error(), map[string]interface{}{"attempts": attempts})
	} else {
		m.logger.Info("TV is up", zap.Int("attempts", attempts))
		m.record(ActionWakeSuccess, "control session connected", map[string]interface{}{"attempts": attempts})
	}

	m.notifyWake(err)
}
