package mqttbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/decora-ble/internal/ble"
	"github.com/chaz8081/decora-ble/internal/ble/protocol"
)

// Broker is the subset of Client the bridge uses.
type Broker interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler MessageHandler) error
	Unsubscribe(topic string) error
}

// Dimmer is the switch being bridged. *ble.Session satisfies it.
type Dimmer interface {
	TurnOn(ctx context.Context) error
	TurnOnAt(ctx context.Context, level int) error
	TurnOff(ctx context.Context) error
	SetBrightnessLevel(ctx context.Context, level int) error
	DeviceState() protocol.DeviceState
	RegisterListener(fn ble.StateListener) (unregister func())
	// Lost is closed when the switch connection ends.
	Lost() <-chan struct{}
}

// StatePayload is the JSON document published on the state topic and
// accepted on the set topic. On the set topic both fields are optional.
type StatePayload struct {
	State      string `json:"state,omitempty"`
	Brightness *int   `json:"brightness,omitempty"`
}

// Payload state values, matching the Home Assistant JSON light schema.
const (
	StateOn  = "ON"
	StateOff = "OFF"
)

// EncodeState renders a device state as the state topic payload.
func EncodeState(s protocol.DeviceState) ([]byte, error) {
	p := StatePayload{State: StateOff, Brightness: &s.Brightness}
	if s.On {
		p.State = StateOn
	}
	return json.Marshal(p)
}

// BridgeOptions configures a Bridge.
type BridgeOptions struct {
	TopicPrefix string
	QoS         byte
	// OperationTimeout bounds each switch command issued from the set topic.
	OperationTimeout time.Duration
}

// Bridge mirrors a switch onto MQTT: every state broadcast is published as a
// retained message and commands on the set topic are applied to the switch.
// When the switch connection is lost the availability topic is set offline.
type Bridge struct {
	broker Broker
	dimmer Dimmer
	topics Topics
	qos    byte
	opTime time.Duration

	mu         sync.Mutex
	pending    *protocol.DeviceState
	wake       chan struct{}
	unregister func()
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewBridge creates a bridge between broker and dimmer. Call Start to begin.
func NewBridge(broker Broker, dimmer Dimmer, opts BridgeOptions) *Bridge {
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = 10 * time.Second
	}
	return &Bridge{
		broker: broker,
		dimmer: dimmer,
		topics: Topics{Prefix: opts.TopicPrefix},
		qos:    opts.QoS,
		opTime: opts.OperationTimeout,
		wake:   make(chan struct{}, 1),
	}
}

// Start subscribes to the set topic, publishes the current state and begins
// forwarding state changes. Commands run under ctx until Stop is called.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.cancel != nil {
		b.mu.Unlock()
		return fmt.Errorf("mqtt: bridge already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	b.mu.Unlock()

	if err := b.broker.Subscribe(b.topics.Set(), b.qos, func(_ string, payload []byte) error {
		return b.handleCommand(ctx, payload)
	}); err != nil {
		b.reset()
		return fmt.Errorf("mqtt: subscribe %s: %w", b.topics.Set(), err)
	}

	unregister := b.dimmer.RegisterListener(b.enqueue)
	b.mu.Lock()
	b.unregister = unregister
	b.mu.Unlock()

	b.enqueue(b.dimmer.DeviceState())
	go b.publishLoop(ctx, b.dimmer.Lost())

	slog.Info("[MQTT] bridge started", "state_topic", b.topics.State(), "set_topic", b.topics.Set())
	return nil
}

// Stop unsubscribes from the set topic, detaches from the switch and waits
// for the publisher to exit. It is a no-op if the bridge is not running.
func (b *Bridge) Stop() {
	b.mu.Lock()
	cancel, done, unregister := b.cancel, b.done, b.unregister
	b.mu.Unlock()
	if cancel == nil {
		return
	}

	if unregister != nil {
		unregister()
	}
	if err := b.broker.Unsubscribe(b.topics.Set()); err != nil {
		slog.Warn("[MQTT] unsubscribe failed", "topic", b.topics.Set(), "error", err)
	}
	cancel()
	<-done
	b.reset()
	slog.Info("[MQTT] bridge stopped")
}

func (b *Bridge) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
	}
	b.cancel = nil
	b.done = nil
	b.unregister = nil
	b.pending = nil
}

// enqueue records state as the next one to publish. Broadcasts happen on the
// switch's write path, so publishing is left to publishLoop and only the
// latest state is kept.
func (b *Bridge) enqueue(state protocol.DeviceState) {
	b.mu.Lock()
	b.pending = &state
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Bridge) publishLoop(ctx context.Context, lost <-chan struct{}) {
	b.mu.Lock()
	done := b.done
	b.mu.Unlock()
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-lost:
			lost = nil
			b.publishOffline()
			continue
		case <-b.wake:
		}

		b.mu.Lock()
		state := b.pending
		b.pending = nil
		b.mu.Unlock()
		if state == nil {
			continue
		}

		payload, err := EncodeState(*state)
		if err != nil {
			slog.Error("[MQTT] encode state failed", "state", state.String(), "error", err)
			continue
		}
		if err := b.broker.Publish(b.topics.State(), payload, b.qos, true); err != nil {
			slog.Warn("[MQTT] publish state failed", "topic", b.topics.State(), "error", err)
			continue
		}
		slog.Debug("[MQTT] published state", "topic", b.topics.State(), "state", state.String())
	}
}

// publishOffline marks the switch unavailable.
func (b *Bridge) publishOffline() {
	topic := b.topics.Availability()
	if err := b.broker.Publish(topic, []byte(PayloadOffline), b.qos, true); err != nil {
		slog.Warn("[MQTT] publish availability failed", "topic", topic, "error", err)
		return
	}
	slog.Info("[MQTT] switch connection lost, marked offline", "topic", topic)
}

// handleCommand applies a set-topic payload to the switch.
//
//	{"state":"OFF"}                  -> TurnOff
//	{"state":"ON"}                   -> TurnOn (last known brightness)
//	{"state":"ON","brightness":40}   -> TurnOnAt(40)
//	{"brightness":40}                -> SetBrightnessLevel(40)
func (b *Bridge) handleCommand(ctx context.Context, payload []byte) error {
	var cmd StatePayload
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.opTime)
	defer cancel()

	var err error
	switch strings.ToUpper(cmd.State) {
	case StateOff:
		err = b.dimmer.TurnOff(ctx)
	case StateOn:
		if cmd.Brightness != nil {
			err = b.dimmer.TurnOnAt(ctx, *cmd.Brightness)
		} else {
			err = b.dimmer.TurnOn(ctx)
		}
	case "":
		if cmd.Brightness == nil {
			return fmt.Errorf("%w: payload has neither state nor brightness", ErrInvalidCommand)
		}
		err = b.dimmer.SetBrightnessLevel(ctx, *cmd.Brightness)
	default:
		return fmt.Errorf("%w: unknown state %q", ErrInvalidCommand, cmd.State)
	}
	if err != nil {
		return fmt.Errorf("mqtt: apply command: %w", err)
	}
	return nil
}

var _ Dimmer = (*ble.Session)(nil)
