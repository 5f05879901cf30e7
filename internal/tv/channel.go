package tv

import (
	"context"
	"encoding/json"
	"fmt"

	"tvbridge/internal/webos"

	"go.uber.org/zap"
)

// refreshChannelDirectory rebuilds the channel number to channel id map.
// Failures leave an empty directory, which degrades SetChannel to a query.
func (m *Manager) refreshChannelDirectory(ctx context.Context) {
	directory := make(map[int]string)

	payload, err := m.session.Request(ctx, webos.URIChannelList, nil)
	if err != nil {
		m.logger.Warn("Failed to fetch channel list", zap.Error(err))
	} else {
		var list channelListInfo
		if err := json.Unmarshal(payload, &list); err != nil {
			m.logger.Warn("Malformed channel list", zap.Error(err))
		}
		for _, ch := range list.ChannelList {
			var n channelNumber
			if err := n.UnmarshalJSON(ch.ChannelNumber); err != nil || ch.ChannelID == "" {
				continue
			}
			directory[int(n)] = ch.ChannelID
		}
	}

	m.mu.Lock()
	m.directory = directory
	m.mu.Unlock()

	m.logger.Debug("Channel directory rebuilt", zap.Int("channels", len(directory)))
}

// ChannelDirectorySize returns the number of known channels
func (m *Manager) ChannelDirectorySize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.directory)
}

// SetChannel tunes to the relative channel requested, combined with the
// current channel constant. A channel missing from the directory falls back
// to querying the current channel instead of tuning.
func (m *Manager) SetChannel(ctx context.Context, requested int) error {
	if !m.connected() {
		return fmt.Errorf("%w: cannot change channel", ErrNotConnected)
	}

	m.mu.Lock()
	constant := m.state.ChannelConstant
	absolute := AbsoluteChannelNumber(constant, requested)
	channelID, ok := m.directory[absolute]
	m.mu.Unlock()

	if !ok {
		m.logger.Info("Channel not in directory, querying current channel",
			zap.Int("channel_number", absolute))
		m.record(ActionChannelFallback, "channel not in directory", map[string]interface{}{
			"channel_number": absolute,
		})
		_, err := m.queryChannel(ctx)
		return err
	}

	m.logger.Info("Tuning channel",
		zap.Int("channel_number", absolute),
		zap.String("channel_id", channelID))

	_, err := m.session.Request(ctx, webos.URIOpenChannel, map[string]interface{}{
		"channelId":     channelID,
		"channelNumber": absolute,
	})
	if err != nil {
		return classify("open channel", err)
	}

	m.record(ActionChannelTune, "channel set", map[string]interface{}{
		"channel_number": absolute,
		"channel_id":     channelID,
	})
	m.update(func(s *State) {
		s.Channel = requested
	})
	return nil
}

// GetChannel queries the TV for the current channel. It answers 0 while
// not connected.
func (m *Manager) GetChannel(ctx context.Context) (int, error) {
	if !m.connected() {
		return 0, nil
	}
	m.clock.Sleep(m.cfg.QueryDelay)
	return m.queryChannel(ctx)
}

func (m *Manager) queryChannel(ctx context.Context) (int, error) {
	payload, err := m.session.Request(ctx, webos.URICurrentChannel, nil)
	if err != nil {
		return 0, classify("get current channel", err)
	}

	var info currentChannelInfo
	if err := json.Unmarshal(payload, &info); err != nil {
		return 0, protocolError("get current channel", err)
	}
	if info.ChannelNumber == nil {
		return 0, protocolError("get current channel", fmt.Errorf("missing channelNumber"))
	}

	m.applyChannelNumber(int(*info.ChannelNumber))
	_, channel := SplitChannelNumber(int(*info.ChannelNumber))
	return channel, nil
}

// ChannelConstant returns the cached channel constant
func (m *Manager) ChannelConstant() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ChannelConstant
}

// SetChannelConstant stores the constant used by the next SetChannel
func (m *Manager) SetChannelConstant(constant int) {
	if constant < 0 {
		constant = 0
	}
	m.logger.Debug("Channel constant set", zap.Int("constant", constant))
	m.update(func(s *State) {
		s.ChannelConstant = constant
	})
}

// SetChannelConstantEnabled toggles the constant between 1 and 0
func (m *Manager) SetChannelConstantEnabled(on bool) {
	if on {
		m.SetChannelConstant(1)
		return
	}
	m.SetChannelConstant(0)
}
