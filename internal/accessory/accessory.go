// Package accessory exposes the reconciled TV as a HomeKit accessory. Every
// characteristic read goes to the reconciler's live getters and every write
// to its setters; reconciler changes are pushed back into the characteristic
// values so paired controllers see them without polling.
package accessory

import (
	"context"
	"encoding/json"
	"net/http"

	"tvbridge/internal/tv"
	"tvbridge/internal/webos"

	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	"github.com/brutella/hap/service"
	"go.uber.org/zap"
)

// HAP status codes returned from value request functions
const (
	StatusSuccess                     = 0
	StatusServiceCommunicationFailure = -70402
)

const (
	Manufacturer = "LG Electronics Inc."
	Model        = "webOS TV"
)

// Controller is the subset of the reconciler the accessory drives
type Controller interface {
	Name() string
	Apps() []string
	Snapshot() tv.State
	Subscribe(handler tv.StateHandler)

	GetPower(ctx context.Context) (bool, error)
	SetPower(ctx context.Context, on bool) error

	GetVolume(ctx context.Context) (int, error)
	SetVolume(ctx context.Context, level int) (int, error)
	GetMute(ctx context.Context) (bool, error)
	SetMute(ctx context.Context, on bool) error

	GetChannel(ctx context.Context) (int, error)
	SetChannel(ctx context.Context, requested int) error
	ChannelConstant() int
	SetChannelConstant(constant int)
	SetChannelConstantEnabled(on bool)

	GetAppState(ctx context.Context, appID string) (bool, error)
	SetApp(ctx context.Context, appID string, on bool) error
}

// Options selects which optional services are published
type Options struct {
	SerialNumber   string
	Firmware       string
	VolumeControl  bool
	ChannelControl bool
}

type setValueFunc = func(v interface{}, r *http.Request) (interface{}, int)

// Lightbulb is a lightbulb service with a brightness characteristic
type Lightbulb struct {
	*service.Lightbulb
	Brightness *characteristic.Brightness
}

// Accessory is the HomeKit face of one TV
type Accessory struct {
	*accessory.A

	ctrl   Controller
	logger *zap.Logger

	Power           *service.Switch
	Volume          *Lightbulb
	ChannelConstant *Lightbulb
	LiveTV          *Lightbulb
	Apps            map[string]*service.Switch
}

// New builds the accessory and wires every characteristic to ctrl
func New(ctrl Controller, opts Options, logger *zap.Logger) *Accessory {
	name := ctrl.Name()
	info := accessory.Info{
		Name:         name,
		Manufacturer: Manufacturer,
		Model:        Model,
		SerialNumber: opts.SerialNumber,
		Firmware:     opts.Firmware,
	}

	a := &Accessory{
		A:      accessory.New(info, accessory.TypeSwitch),
		ctrl:   ctrl,
		logger: logger.Named("accessory").With(zap.String("name", name)),
		Apps:   make(map[string]*service.Switch),
	}

	a.Power = newSwitch(name + " Power")
	a.wirePower()
	a.AddS(a.Power.S)

	if opts.VolumeControl {
		a.Volume = newLightbulb(name + " Volume")
		a.wireVolume()
		a.AddS(a.Volume.S)
	}

	if opts.ChannelControl {
		a.ChannelConstant = newLightbulb(name + " Channel Constant")
		a.wireChannelConstant()
		a.AddS(a.ChannelConstant.S)
	}

	for _, app := range ctrl.Apps() {
		if app == webos.LiveTVAppID {
			a.LiveTV = newLightbulb(name + " Live TV")
			a.wireLiveTV()
			a.AddS(a.LiveTV.S)
			continue
		}
		sw := newSwitch(name + " " + app)
		a.wireAppSwitch(app, sw.On)
		a.AddS(sw.S)
		a.Apps[app] = sw
	}

	a.apply(ctrl.Snapshot())
	ctrl.Subscribe(func(old, new tv.State) {
		a.apply(new)
	})

	return a
}

func newSwitch(name string) *service.Switch {
	s := service.NewSwitch()
	n := characteristic.NewName()
	n.SetValue(name)
	s.AddC(n.C)
	return s
}

func newLightbulb(name string) *Lightbulb {
	lb := &Lightbulb{
		Lightbulb:  service.NewLightbulb(),
		Brightness: characteristic.NewBrightness(),
	}
	lb.AddC(lb.Brightness.C)

	n := characteristic.NewName()
	n.SetValue(name)
	lb.AddC(n.C)
	return lb
}

// apply pushes reconciled state into the characteristic values
func (a *Accessory) apply(s tv.State) {
	a.Power.On.SetValue(s.Power)

	if a.Volume != nil {
		a.Volume.On.SetValue(s.MuteOn())
		a.Volume.Brightness.SetValue(s.Volume)
	}
	if a.ChannelConstant != nil {
		a.ChannelConstant.On.SetValue(s.ChannelConstantOn())
		a.ChannelConstant.Brightness.SetValue(s.ChannelConstant)
	}
	if a.LiveTV != nil {
		a.LiveTV.On.SetValue(s.Apps[webos.LiveTVAppID])
		a.LiveTV.Brightness.SetValue(s.Channel)
	}
	for app, sw := range a.Apps {
		sw.On.SetValue(s.Apps[app])
	}
}

func (a *Accessory) wirePower() {
	a.Power.On.ValueRequestFunc = func(r *http.Request) (interface{}, int) {
		on, err := a.ctrl.GetPower(requestContext(r))
		return a.result("get power", on, err)
	}
	a.Power.On.SetValueRequestFunc = a.setBool("set power", func(ctx context.Context, on bool) error {
		return a.ctrl.SetPower(ctx, on)
	})
}

func (a *Accessory) wireVolume() {
	a.Volume.On.ValueRequestFunc = func(r *http.Request) (interface{}, int) {
		on, err := a.ctrl.GetMute(requestContext(r))
		return a.result("get mute", on, err)
	}
	a.Volume.On.SetValueRequestFunc = a.setBool("set mute", func(ctx context.Context, on bool) error {
		return a.ctrl.SetMute(ctx, on)
	})

	a.Volume.Brightness.ValueRequestFunc = func(r *http.Request) (interface{}, int) {
		level, err := a.ctrl.GetVolume(requestContext(r))
		return a.result("get volume", level, err)
	}
	a.Volume.Brightness.SetValueRequestFunc = a.setInt("set volume", func(ctx context.Context, level int) error {
		_, err := a.ctrl.SetVolume(ctx, level)
		return err
	})
}

func (a *Accessory) wireChannelConstant() {
	a.ChannelConstant.On.ValueRequestFunc = func(r *http.Request) (interface{}, int) {
		return a.ctrl.Snapshot().ChannelConstantOn(), StatusSuccess
	}
	a.ChannelConstant.On.SetValueRequestFunc = a.setBool("set channel constant", func(ctx context.Context, on bool) error {
		a.ctrl.SetChannelConstantEnabled(on)
		return nil
	})

	a.ChannelConstant.Brightness.ValueRequestFunc = func(r *http.Request) (interface{}, int) {
		return a.ctrl.ChannelConstant(), StatusSuccess
	}
	a.ChannelConstant.Brightness.SetValueRequestFunc = a.setInt("set channel constant", func(ctx context.Context, constant int) error {
		a.ctrl.SetChannelConstant(constant)
		return nil
	})
}

func (a *Accessory) wireLiveTV() {
	a.wireAppSwitch(webos.LiveTVAppID, a.LiveTV.On)

	a.LiveTV.Brightness.ValueRequestFunc = func(r *http.Request) (interface{}, int) {
		channel, err := a.ctrl.GetChannel(requestContext(r))
		return a.result("get channel", channel, err)
	}
	a.LiveTV.Brightness.SetValueRequestFunc = a.setInt("set channel", func(ctx context.Context, channel int) error {
		return a.ctrl.SetChannel(ctx, channel)
	})
}

func (a *Accessory) wireAppSwitch(app string, on *characteristic.On) {
	on.ValueRequestFunc = func(r *http.Request) (interface{}, int) {
		active, err := a.ctrl.GetAppState(requestContext(r), app)
		return a.result("get app "+app, active, err)
	}
	on.SetValueRequestFunc = a.setBool("set app "+app, func(ctx context.Context, v bool) error {
		return a.ctrl.SetApp(ctx, app, v)
	})
}

func (a *Accessory) result(op string, v interface{}, err error) (interface{}, int) {
	if err != nil {
		a.logger.Warn("Characteristic read failed", zap.String("op", op), zap.Error(err))
		return nil, StatusServiceCommunicationFailure
	}
	return v, StatusSuccess
}

// setBool adapts fn to a SetValueRequestFunc. Local updates (no request)
// are accepted as-is so pushed state never loops back to the TV.
func (a *Accessory) setBool(op string, fn func(ctx context.Context, v bool) error) setValueFunc {
	return func(v interface{}, r *http.Request) (interface{}, int) {
		if r == nil {
			return v, StatusSuccess
		}
		b, ok := toBool(v)
		if !ok {
			a.logger.Warn("Unexpected value type", zap.String("op", op), zap.Any("value", v))
			return nil, StatusServiceCommunicationFailure
		}
		return a.write(op, v, fn(r.Context(), b))
	}
}

func (a *Accessory) setInt(op string, fn func(ctx context.Context, v int) error) setValueFunc {
	return func(v interface{}, r *http.Request) (interface{}, int) {
		if r == nil {
			return v, StatusSuccess
		}
		n, ok := toInt(v)
		if !ok {
			a.logger.Warn("Unexpected value type", zap.String("op", op), zap.Any("value", v))
			return nil, StatusServiceCommunicationFailure
		}
		return a.write(op, v, fn(r.Context(), n))
	}
}

func (a *Accessory) write(op string, v interface{}, err error) (interface{}, int) {
	if err != nil {
		a.logger.Warn("Characteristic write failed", zap.String("op", op), zap.Error(err))
		return nil, StatusServiceCommunicationFailure
	}
	a.logger.Debug("Characteristic written", zap.String("op", op))
	return v, StatusSuccess
}

func requestContext(r *http.Request) context.Context {
	if r == nil {
		return context.Background()
	}
	return r.Context()
}

func toBool(v interface{}) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case int:
		return b != 0, true
	case float64:
		return b != 0, true
	case json.Number:
		n, err := b.Int64()
		return n != 0, err == nil
	}
	return false, false
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}
