// Package mqtt mirrors the reconciled TV state to an MQTT broker and accepts
// commands on per-TV topics.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"tvbridge/internal/tv"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	defaultConnectTimeout  = 10 * time.Second
	defaultPublishTimeout  = 5 * time.Second
	defaultCommandTimeout  = 15 * time.Second
	defaultKeepAlive       = 60 * time.Second
	defaultMaxReconnect    = 30 * time.Second
	defaultDisconnectDelay = 250 // milliseconds

	qos = 1

	payloadOnline  = "online"
	payloadOffline = "offline"
)

// Config holds the broker settings
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// Controller is the part of the reconciler driven by MQTT commands
type Controller interface {
	Name() string
	Snapshot() tv.State
	Subscribe(handler tv.StateHandler)

	SetPower(ctx context.Context, on bool) error
	SetVolume(ctx context.Context, level int) (int, error)
	SetMute(ctx context.Context, on bool) error
	SetChannel(ctx context.Context, requested int) error
	SetApp(ctx context.Context, appID string, on bool) error
}

// Publisher owns the paho client of one TV
type Publisher struct {
	cfg    Config
	ctrl   Controller
	topics Topics
	logger *zap.Logger

	client pahomqtt.Client

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	connected bool

	commands sync.WaitGroup
}

// NewPublisher builds the paho client without connecting
func NewPublisher(cfg Config, ctrl Controller, logger *zap.Logger) *Publisher {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		cfg:    cfg,
		ctrl:   ctrl,
		topics: NewTopics(cfg.TopicPrefix, ctrl.Name()),
		logger: logger.Named("mqtt"),
		ctx:    ctx,
		cancel: cancel,
	}
	p.client = pahomqtt.NewClient(p.clientOptions())
	return p
}

// Topics returns the topic tree in use
func (p *Publisher) Topics() Topics {
	return p.topics
}

func (p *Publisher) clientOptions() *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.cfg.Broker)

	clientID := p.cfg.ClientID
	if clientID == "" {
		clientID = "tvbridge-" + p.topics.Device
	}
	opts.SetClientID(clientID)

	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(defaultMaxReconnect)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	opts.SetOrderMatters(false)

	// The broker publishes the will if we vanish without a clean disconnect
	opts.SetWill(p.topics.Availability(), payloadOffline, qos, true)

	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		p.handleConnect()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		p.handleDisconnect(err)
	})
	return opts
}

// Start connects to the broker and begins mirroring state changes
func (p *Publisher) Start() error {
	p.ctrl.Subscribe(p.onStateChange)

	p.logger.Info("Connecting to MQTT broker",
		zap.String("broker", p.cfg.Broker),
		zap.String("state_topic", p.topics.State()))

	token := p.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return nil
}

// Stop marks the TV offline and disconnects
func (p *Publisher) Stop() {
	p.cancel()
	p.commands.Wait()

	if p.isConnected() {
		if err := p.publish(p.topics.Availability(), []byte(payloadOffline)); err != nil {
			p.logger.Warn("Failed to publish offline status", zap.Error(err))
		}
	}
	p.client.Disconnect(defaultDisconnectDelay)

	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	p.logger.Info("MQTT publisher stopped")
}

// handleConnect runs on every (re)connect. Clean sessions drop
// subscriptions, so the command subscription is restored each time.
func (p *Publisher) handleConnect() {
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()

	p.logger.Info("Connected to MQTT broker")

	token := p.client.Subscribe(p.topics.AllCommands(), qos, p.onCommand)
	if !token.WaitTimeout(defaultPublishTimeout) {
		p.logger.Warn("Command subscription not acknowledged",
			zap.String("topic", p.topics.AllCommands()),
			zap.Duration("timeout", defaultPublishTimeout))
	} else if err := token.Error(); err != nil {
		p.logger.Warn("Failed to subscribe to commands",
			zap.String("topic", p.topics.AllCommands()),
			zap.Error(err))
	}

	if err := p.publish(p.topics.Availability(), []byte(payloadOnline)); err != nil {
		p.logger.Warn("Failed to publish online status", zap.Error(err))
	}
	p.publishState(p.ctrl.Snapshot())
}

// onCommand runs on paho's router goroutine and must not block it
func (p *Publisher) onCommand(_ pahomqtt.Client, msg pahomqtt.Message) {
	topic, payload := msg.Topic(), msg.Payload()

	p.commands.Add(1)
	go func() {
		defer p.commands.Done()
		if err := p.handleCommand(topic, payload); err != nil {
			p.logger.Warn("Command failed",
				zap.String("topic", topic),
				zap.ByteString("payload", payload),
				zap.Error(err))
		}
	}()
}

func (p *Publisher) handleDisconnect(err error) {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()

	p.logger.Warn("Lost connection to MQTT broker", zap.Error(err))
}

func (p *Publisher) isConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *Publisher) onStateChange(old, new tv.State) {
	p.publishState(new)
}

func (p *Publisher) publishState(state tv.State) {
	if !p.isConnected() {
		return
	}

	payload, err := json.Marshal(state)
	if err != nil {
		p.logger.Error("Failed to encode state", zap.Error(err))
		return
	}
	if err := p.publish(p.topics.State(), payload); err != nil {
		p.logger.Warn("Failed to publish state", zap.Error(err))
	}
}

// publish sends a retained message and waits for the acknowledgment
func (p *Publisher) publish(topic string, payload []byte) error {
	if !p.isConnected() {
		return ErrNotConnected
	}

	token := p.client.Publish(topic, qos, true, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// handleCommand dispatches one command message to the reconciler
func (p *Publisher) handleCommand(topic string, payload []byte) error {
	name := p.topics.CommandName(topic)
	value := strings.TrimSpace(string(payload))

	ctx, cancel := context.WithTimeout(p.ctx, defaultCommandTimeout)
	defer cancel()

	p.logger.Info("Command received", zap.String("command", name), zap.String("value", value))

	switch name {
	case CommandPower:
		on, err := parseSwitch(value)
		if err != nil {
			return err
		}
		return p.ctrl.SetPower(ctx, on)

	case CommandVolume:
		level, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: volume %q", ErrInvalidCommand, value)
		}
		_, err = p.ctrl.SetVolume(ctx, level)
		return err

	case CommandMute:
		// The payload says whether the TV should be muted
		muted, err := parseSwitch(value)
		if err != nil {
			return err
		}
		return p.ctrl.SetMute(ctx, !muted)

	case CommandChannel:
		channel, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: channel %q", ErrInvalidCommand, value)
		}
		return p.ctrl.SetChannel(ctx, channel)

	case CommandApp:
		if value == "" {
			return fmt.Errorf("%w: empty app id", ErrInvalidCommand)
		}
		return p.ctrl.SetApp(ctx, value, true)
	}

	return fmt.Errorf("%w: unknown topic %s", ErrInvalidCommand, topic)
}

func parseSwitch(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("%w: switch value %q", ErrInvalidCommand, value)
}
