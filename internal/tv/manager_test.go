package tv

import (
	"context"
	"sync"
	"testing"
	"time"

	"tvbridge/internal/cec"
	"tvbridge/internal/clock"
	"tvbridge/internal/shadowstate"
	"tvbridge/internal/webos"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	netflix = "netflix"
	youtube = "youtube.leanback.v4"
)

type fakeProber struct {
	mu        sync.Mutex
	reachable bool
	calls     int
}

func (p *fakeProber) Probe(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.reachable
}

func (p *fakeProber) set(reachable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reachable = reachable
}

type fakeWOL struct {
	mu    sync.Mutex
	err   error
	woken []string
}

func (w *fakeWOL) Wake(mac string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.woken = append(w.woken, mac)
	return nil
}

func (w *fakeWOL) calls() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.woken...)
}

type testEnv struct {
	manager *Manager
	session *webos.MockSession
	cec     *cec.MockClient
	wol     *fakeWOL
	prober  *fakeProber
	clock   *clock.MockClock
	tracker *shadowstate.Tracker
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	if cfg.Name == "" {
		cfg.Name = "Living Room TV"
	}
	if cfg.Apps == nil {
		cfg.Apps = []string{netflix, youtube, webos.LiveTVAppID}
	}

	env := &testEnv{
		session: webos.NewMockSession(),
		cec:     cec.NewMockClient(cec.StatusStandby),
		wol:     &fakeWOL{},
		prober:  &fakeProber{},
		clock:   clock.NewMockClock(time.Date(2024, 1, 1, 20, 0, 0, 0, time.UTC)),
		tracker: shadowstate.NewTracker(cfg.Name, 50),
	}
	env.manager = NewManager(cfg, env.session, env.cec, env.wol, env.prober, env.clock, env.tracker, zap.NewNop())
	require.NoError(t, env.manager.Start())
	t.Cleanup(env.manager.Stop)
	return env
}

// connect simulates the TV coming up with a small channel list
func (e *testEnv) connect() {
	e.session.SetResponse(webos.URIChannelList, map[string]interface{}{
		"returnValue": true,
		"channelList": []map[string]interface{}{
			{"channelNumber": "205", "channelId": "ch-205"},
			{"channelNumber": "207", "channelId": "ch-207"},
			{"channelNumber": "1307", "channelId": "ch-1307"},
		},
	})
	e.session.SimulateConnected()
}

// settle waits for connect nudges started by the probe
func (e *testEnv) settle() {
	e.manager.nudges.Wait()
}

type changeRecorder struct {
	mu      sync.Mutex
	changes []State
}

func (r *changeRecorder) handle(old, new State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, new)
}

func (r *changeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

func actionTypes(actions []shadowstate.ActionRecord) []string {
	types := make([]string, 0, len(actions))
	for _, a := range actions {
		types = append(types, a.ActionType)
	}
	return types
}

func countActions(actions []shadowstate.ActionRecord, actionType string) int {
	n := 0
	for _, a := range actions {
		if a.ActionType == actionType {
			n++
		}
	}
	return n
}

func TestManager_InitialState(t *testing.T) {
	env := newTestEnv(t, Config{Apps: []string{" netflix ", "", netflix, webos.LiveTVAppID}})

	state := env.manager.Snapshot()
	assert.False(t, state.Power)
	assert.False(t, state.Muted)
	assert.Equal(t, 0, state.Volume)
	assert.Equal(t, "disconnected", state.Connection)
	assert.Equal(t, map[string]bool{netflix: false, webos.LiveTVAppID: false}, state.Apps)
	assert.Equal(t, []string{netflix, webos.LiveTVAppID}, env.manager.Apps())

	// Start opens the session once
	assert.Equal(t, 1, env.session.ConnectCalls())
}

func TestManager_AppIDWhitespaceRemoved(t *testing.T) {
	env := newTestEnv(t, Config{Apps: []string{"com.webos. app.livetv", "net\tflix", netflix}})
	assert.Equal(t, []string{webos.LiveTVAppID, netflix}, env.manager.Apps())

	env.connect()
	env.session.Push(webos.URIForegroundApp, map[string]interface{}{"appId": webos.LiveTVAppID})
	assert.True(t, env.manager.Snapshot().Apps[webos.LiveTVAppID])
}

func TestManager_OnConnected(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.connect()

	state := env.manager.Snapshot()
	assert.True(t, state.Power)
	assert.Equal(t, "connected", state.Connection)

	assert.ElementsMatch(t, []string{
		webos.URIForegroundApp,
		webos.URIGetVolume,
		webos.URICurrentChannel,
	}, env.session.SubscribedURIs())

	assert.Len(t, env.session.RequestsFor(webos.URIChannelList), 1)
	assert.Equal(t, 3, env.manager.ChannelDirectorySize())
}

func TestManager_ChannelListFailureLeavesEmptyDirectory(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.session.SetError(webos.URIChannelList, webos.ErrTimeout)
	env.session.SimulateConnected()

	assert.True(t, env.manager.Snapshot().Power)
	assert.Equal(t, 0, env.manager.ChannelDirectorySize())
}

func TestManager_DisconnectKeepsState(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.connect()
	env.session.Push(webos.URIForegroundApp, map[string]interface{}{"appId": netflix})

	env.session.SimulateDrop()

	state := env.manager.Snapshot()
	assert.Equal(t, "disconnected", state.Connection)
	assert.True(t, state.Power)
	assert.True(t, state.Apps[netflix])
}

func TestManager_PromptEvent(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.session.SimulatePrompt()

	state := env.manager.Snapshot()
	assert.Equal(t, "awaiting_user_confirmation", state.Connection)
	assert.False(t, state.Power)
}

func TestManager_ForegroundAppPush(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.connect()
	env.session.Push(webos.URICurrentChannel, map[string]interface{}{"channelNumber": "205"})

	env.session.Push(webos.URIForegroundApp, map[string]interface{}{"appId": netflix})
	state := env.manager.Snapshot()
	assert.Equal(t, netflix, state.AppID)
	assert.Equal(t, map[string]bool{netflix: true, youtube: false, webos.LiveTVAppID: false}, state.Apps)

	env.session.Push(webos.URIForegroundApp, map[string]interface{}{"appId": webos.LiveTVAppID})
	state = env.manager.Snapshot()
	assert.Equal(t, map[string]bool{netflix: false, youtube: false, webos.LiveTVAppID: true}, state.Apps)

	// Channel sub-state is untouched by app pushes
	assert.Equal(t, 2, state.ChannelConstant)
	assert.Equal(t, 5, state.Channel)
}

func TestManager_PushIdempotence(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.connect()

	rec := &changeRecorder{}
	env.manager.Subscribe(rec.handle)

	pushes := []struct {
		uri     string
		payload map[string]interface{}
	}{
		{webos.URIForegroundApp, map[string]interface{}{"appId": youtube}},
		{webos.URIGetVolume, map[string]interface{}{"volume": 12, "muted": true}},
		{webos.URICurrentChannel, map[string]interface{}{"channelNumber": "1307"}},
	}

	for _, p := range pushes {
		env.session.Push(p.uri, p.payload)
	}
	first := env.manager.Snapshot()
	changes := rec.count()

	for _, p := range pushes {
		env.session.Push(p.uri, p.payload)
	}
	assert.Equal(t, first, env.manager.Snapshot())
	assert.Equal(t, changes, rec.count(), "re-applied pushes must not notify")
	assert.Equal(t, 3, changes)
}

func TestManager_VolumePush(t *testing.T) {
	tests := []struct {
		name           string
		payload        map[string]interface{}
		expectedVolume int
		expectedMuted  bool
	}{
		{
			name:           "flat payload",
			payload:        map[string]interface{}{"volume": 14, "muted": true},
			expectedVolume: 14,
			expectedMuted:  true,
		},
		{
			name: "nested volumeStatus",
			payload: map[string]interface{}{
				"volumeStatus": map[string]interface{}{"volume": 9, "muteStatus": true},
			},
			expectedVolume: 9,
			expectedMuted:  true,
		},
		{
			name:           "level only keeps mute",
			payload:        map[string]interface{}{"volume": 0},
			expectedVolume: 0,
			expectedMuted:  false,
		},
		{
			name:           "level above ceiling is clamped",
			payload:        map[string]interface{}{"volume": 80, "muted": false},
			expectedVolume: 30,
			expectedMuted:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Config{})
			env.connect()
			env.session.Push(webos.URIGetVolume, map[string]interface{}{"volume": 5, "muted": false})

			env.session.Push(webos.URIGetVolume, tt.payload)

			state := env.manager.Snapshot()
			assert.Equal(t, tt.expectedVolume, state.Volume)
			assert.Equal(t, tt.expectedMuted, state.Muted)
		})
	}
}

func TestManager_ChannelPush(t *testing.T) {
	tests := []struct {
		number           interface{}
		expectedConstant int
		expectedChannel  int
	}{
		{"1307", 13, 7},
		{"205", 2, 5},
		{"7-1", 0, 7},
		{1307, 13, 7},
	}

	for _, tt := range tests {
		env := newTestEnv(t, Config{})
		env.connect()

		env.session.Push(webos.URICurrentChannel, map[string]interface{}{"channelNumber": tt.number})

		state := env.manager.Snapshot()
		assert.Equal(t, tt.expectedConstant, state.ChannelConstant, "number %v", tt.number)
		assert.Equal(t, tt.expectedChannel, state.Channel, "number %v", tt.number)
	}
}

func TestManager_MalformedPushIgnored(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.connect()
	env.session.Push(webos.URIGetVolume, map[string]interface{}{"volume": 7})
	before := env.manager.Snapshot()

	env.session.Push(webos.URIGetVolume, map[string]interface{}{"volume": "loud"})
	env.session.Push(webos.URICurrentChannel, map[string]interface{}{"channelNumber": "abc"})
	env.session.Push(webos.URIForegroundApp, map[string]interface{}{"other": true})

	assert.Equal(t, before, env.manager.Snapshot())
}

func TestManager_SubscribersSeeOldAndNew(t *testing.T) {
	env := newTestEnv(t, Config{})

	var got []bool
	env.manager.Subscribe(func(old, new State) {
		got = append(got, old.Power, new.Power)
	})

	env.connect()
	assert.Equal(t, []bool{false, true}, got)
}

func TestManager_StopCancelsTimers(t *testing.T) {
	env := newTestEnv(t, Config{PollingEnabled: true})
	require.NoError(t, env.manager.SetPower(context.Background(), true))
	assert.Equal(t, 2, env.clock.Pending())

	env.manager.Stop()
	assert.Equal(t, 0, env.clock.Pending())
	assert.False(t, env.manager.Snapshot().WakeInProgress)

	// Further timers are never scheduled
	env.clock.Advance(time.Minute)
	assert.Equal(t, 0, env.prober.calls)
}

func TestManager_RecordsConnectionInputs(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.connect()

	state := env.tracker.GetState()
	assert.Equal(t, "connected", state.Inputs.Current["connection"])
	assert.Equal(t, "Living Room TV", state.Metadata.Name)
}

func TestAbsoluteChannelNumber(t *testing.T) {
	tests := []struct {
		constant  int
		requested int
		expected  int
	}{
		{2, 5, 205},
		{23, 7, 207},
		{0, 7, 7},
		{9, 99, 999},
		{10, 1, 101},
		{15, 3, 103},
		{13, 7, 107},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, AbsoluteChannelNumber(tt.constant, tt.requested),
			"constant=%d requested=%d", tt.constant, tt.requested)
	}
}

func TestClampVolume(t *testing.T) {
	for _, v := range []int{-100, -1, 0, 1, 15, 29, 30, 31, 45, 100, 1 << 20} {
		level := ClampVolume(v)
		assert.GreaterOrEqual(t, level, 0)
		assert.LessOrEqual(t, level, MaxVolume)
	}
	assert.Equal(t, 30, ClampVolume(45))
	assert.Equal(t, 0, ClampVolume(-3))
	assert.Equal(t, 17, ClampVolume(17))
}

func TestLeadingInt(t *testing.T) {
	tests := []struct {
		in       string
		expected int
		ok       bool
	}{
		{"205", 205, true},
		{"7-1", 7, true},
		{" 12 ", 12, true},
		{"", 0, false},
		{"abc", 0, false},
	}
	for _, tt := range tests {
		v, ok := leadingInt(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.expected, v, tt.in)
	}
}

func TestStateExposedFlags(t *testing.T) {
	s := State{Power: false, Muted: false, ChannelConstant: 3}
	assert.False(t, s.MuteOn(), "mute switch reads off while TV is off")
	assert.False(t, s.ChannelConstantOn())

	s.Power = true
	assert.True(t, s.MuteOn())
	assert.True(t, s.ChannelConstantOn())

	s.Muted = true
	assert.False(t, s.MuteOn())
}

func TestManager_ShadowState(t *testing.T) {
	env := newTestEnv(t, Config{PollingEnabled: true})
	env.connect()

	env.clock.Advance(5 * time.Second)

	shadow := env.manager.ShadowState()
	assert.Equal(t, "Living Room TV", shadow.Metadata.Name)
	assert.Equal(t, false, shadow.Inputs.Current["reachable"])
	assert.Equal(t, "connected", shadow.Inputs.Current["connection"])

	// The probe result is in place before the forced off is recorded
	assert.Equal(t, false, shadow.Inputs.AtLastAction["reachable"])
	require.NotEmpty(t, shadow.Outputs.RecentActions)
	last := shadow.Outputs.RecentActions[len(shadow.Outputs.RecentActions)-1]
	assert.Equal(t, ActionProbeUnreachable, last.ActionType)
	assert.Equal(t, env.clock.Now(), shadow.Outputs.LastActionTime)
}
