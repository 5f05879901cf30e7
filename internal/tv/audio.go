package tv

import (
	"context"
	"encoding/json"
	"fmt"

	"tvbridge/internal/webos"

	"go.uber.org/zap"
)

// SetVolume clamps level to [0, MaxVolume] and dispatches it. The clamped
// level is returned.
func (m *Manager) SetVolume(ctx context.Context, level int) (int, error) {
	clamped := ClampVolume(level)
	if clamped != level {
		m.logger.Debug("Volume clamped", zap.Int("requested", level), zap.Int("level", clamped))
	}

	if !m.connected() {
		return clamped, fmt.Errorf("%w: cannot set volume", ErrNotConnected)
	}

	if _, err := m.session.Request(ctx, webos.URISetVolume, map[string]interface{}{"volume": clamped}); err != nil {
		return clamped, classify("set volume", err)
	}

	m.update(func(s *State) {
		s.Volume = clamped
	})
	return clamped, nil
}

// GetVolume queries the current level. It answers 0 while not connected.
func (m *Manager) GetVolume(ctx context.Context) (int, error) {
	if !m.connected() {
		return 0, nil
	}
	m.clock.Sleep(m.cfg.QueryDelay)

	info, err := m.queryAudio(ctx, webos.URIGetVolume, "get volume")
	if err != nil {
		return 0, err
	}
	level, ok := info.level()
	if !ok {
		return 0, protocolError("get volume", fmt.Errorf("missing volume"))
	}

	level = ClampVolume(level)
	m.update(func(s *State) {
		s.Volume = level
	})
	return level, nil
}

// SetMute sets the exposed mute switch. on means audible, so the TV is
// muted when on is false.
func (m *Manager) SetMute(ctx context.Context, on bool) error {
	if !m.connected() {
		return fmt.Errorf("%w: cannot set mute", ErrNotConnected)
	}

	if _, err := m.session.Request(ctx, webos.URISetMute, map[string]interface{}{"mute": !on}); err != nil {
		return classify("set mute", err)
	}

	m.update(func(s *State) {
		s.Muted = !on
	})
	return nil
}

// GetMute queries the exposed mute switch. It answers false while not
// connected.
func (m *Manager) GetMute(ctx context.Context) (bool, error) {
	if !m.connected() {
		return false, nil
	}
	m.clock.Sleep(m.cfg.QueryDelay)

	info, err := m.queryAudio(ctx, webos.URIGetAudioStatus, "get mute")
	if err != nil {
		return false, err
	}
	muted, ok := info.muted()
	if !ok {
		return false, protocolError("get mute", fmt.Errorf("missing mute flag"))
	}

	m.update(func(s *State) {
		s.Muted = muted
	})
	return !muted, nil
}

func (m *Manager) queryAudio(ctx context.Context, uri, op string) (volumeInfo, error) {
	var info volumeInfo

	payload, err := m.session.Request(ctx, uri, nil)
	if err != nil {
		return info, classify(op, err)
	}
	if err := json.Unmarshal(payload, &info); err != nil {
		return info, protocolError(op, err)
	}
	return info, nil
}
