package tv

import (
	"context"
	"encoding/json"
	"fmt"

	"tvbridge/internal/webos"

	"go.uber.org/zap"
)

// SetApp launches appID when on, or returns to live TV when off
func (m *Manager) SetApp(ctx context.Context, appID string, on bool) error {
	if !m.connected() {
		return fmt.Errorf("%w: cannot launch %s", ErrNotConnected, appID)
	}

	target := appID
	if !on {
		target = webos.LiveTVAppID
	}

	m.logger.Info("Launching app", zap.String("app_id", target))
	if _, err := m.session.Request(ctx, webos.URILaunch, map[string]interface{}{"id": target}); err != nil {
		return classify("launch "+target, err)
	}

	m.record(ActionAppLaunch, "app switch set", map[string]interface{}{
		"app_id": target,
		"switch": appID,
		"on":     on,
	})
	m.applyForegroundApp(target)
	return nil
}

// GetAppState queries the foreground app and reports whether it is appID.
// It answers false while not connected.
func (m *Manager) GetAppState(ctx context.Context, appID string) (bool, error) {
	if !m.connected() {
		return false, nil
	}
	m.clock.Sleep(m.cfg.QueryDelay)

	payload, err := m.session.Request(ctx, webos.URIForegroundApp, nil)
	if err != nil {
		return false, classify("get foreground app", err)
	}

	var info foregroundAppInfo
	if err := json.Unmarshal(payload, &info); err != nil {
		return false, protocolError("get foreground app", err)
	}
	if info.AppID == "" {
		return false, protocolError("get foreground app", fmt.Errorf("missing appId"))
	}

	m.applyForegroundApp(info.AppID)
	return info.AppID == appID, nil
}
