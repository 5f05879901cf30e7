package tv

import (
	"context"

	"tvbridge/internal/webos"

	"go.uber.org/zap"
)

func (m *Manager) scheduleProbe() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return
	}
	m.probeTimer = m.clock.AfterFunc(m.cfg.PollingInterval, m.runProbe)
}

func (m *Manager) runProbe() {
	m.checkReachability(m.ctx)
	m.scheduleProbe()
}

// checkReachability probes the control port. Unreachable forces the off
// state. Reachable never sets power; it only nudges the session to connect.
func (m *Manager) checkReachability(ctx context.Context) bool {
	reachable := m.prober.Probe(ctx)
	m.tracker.UpdateCurrentInputs(map[string]interface{}{"reachable": reachable})

	if !reachable {
		if m.forceOff() {
			m.logger.Info("TV unreachable, marking off")
			m.record(ActionProbeUnreachable, "control port closed", nil)
		}
		return false
	}

	if m.session.State() != webos.Disconnected {
		return true
	}

	m.mu.Lock()
	inGrace := !m.poweredOffAt.IsZero() && m.clock.Now().Sub(m.poweredOffAt) < m.cfg.PowerOffGrace
	m.mu.Unlock()
	if inGrace {
		return true
	}

	// Connect blocks for the whole handshake; keep it off the caller
	m.nudges.Add(1)
	go m.nudgeConnect()
	return true
}

func (m *Manager) nudgeConnect() {
	defer m.nudges.Done()

	if m.ctx.Err() != nil {
		return
	}
	if err := m.session.Connect(); err != nil {
		m.logger.Debug("TV reachable but connect failed", zap.Error(err))
	}
}
