package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/decora-ble/internal/ble/protocol"
)

// SessionState is the lifecycle stage of a Session.
type SessionState int

const (
	StateIdle SessionState = iota
	StateConnecting
	StateUnlocking
	StateSynchronized
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateUnlocking:
		return "unlocking"
	case StateSynchronized:
		return "synchronized"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// SessionOptions configures a Session.
type SessionOptions struct {
	Channels  Channels   // empty UUIDs fall back to DefaultChannels
	Listeners *Listeners // shared registry; a private one is created when nil
}

// Session manages the connection to one Decora switch: unlock, state writes
// and notification fan-out. It holds at most one live connection.
//
// Listeners are called while the session serializes state updates, so they
// must not call back into the Session synchronously.
type Session struct {
	adapter   Adapter
	channels  Channels
	listeners *Listeners

	// syncMu orders the "write, update cache, broadcast" and "decode, update
	// cache, broadcast" sequences against each other.
	syncMu sync.Mutex

	mu        sync.Mutex
	state     SessionState
	gen       uint64 // bumped whenever a connection is opened or dropped
	address   string
	conn      Connection
	eventChar Characteristic
	stateChar Characteristic
	current   protocol.DeviceState
	confirmed chan struct{} // closed on the first notification of this connection
	lost      chan struct{} // closed when this connection ends
}

// NewSession creates an idle session.
func NewSession(adapter Adapter, opts SessionOptions) *Session {
	if opts.Listeners == nil {
		opts.Listeners = NewListeners()
	}
	return &Session{
		adapter:   adapter,
		channels:  opts.Channels.withDefaults(),
		listeners: opts.Listeners,
		confirmed: make(chan struct{}),
		lost:      closedChan(),
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// SessionState returns the current lifecycle stage.
func (s *Session) SessionState() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// DeviceState returns the cached device state.
func (s *Session) DeviceState() protocol.DeviceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Address returns the address of the connected switch, or "" when idle.
func (s *Session) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.address
}

// RegisterListener adds fn to the session's listeners. See Listeners.Register.
func (s *Session) RegisterListener(fn StateListener) (unregister func()) {
	return s.listeners.Register(fn)
}

// Confirmed reports whether the switch has sent a state notification since
// the current connection was unlocked. The protocol never acknowledges the
// unlock write, and a switch given the wrong key silently ignores writes, so
// this is the only evidence that the key was accepted.
func (s *Session) Confirmed() bool {
	s.mu.Lock()
	ch := s.confirmed
	s.mu.Unlock()
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Lost returns a channel that is closed once the current connection ends,
// whatever the cause. While the session is idle the channel is already
// closed, so callers should fetch it after Connect returns.
func (s *Session) Lost() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lost
}

// WaitConfirmed blocks until Confirmed would return true, ctx is done or the
// session drops its connection.
func (s *Session) WaitConfirmed(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateSynchronized {
		s.mu.Unlock()
		return ErrNotConnected
	}
	ch := s.confirmed
	gen := s.gen
	s.mu.Unlock()

	select {
	case <-ch:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gen != gen {
			return ErrNotConnected
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ble: wait for first notification: %w", ctx.Err())
	}
}

// Connect opens a connection to the switch at address, unlocks it with key
// (10 hex characters) and subscribes to state notifications. A connection
// left over from an earlier Connect is closed first.
func (s *Session) Connect(ctx context.Context, address, key string) error {
	rawKey, err := protocol.ParseKey(key)
	if err != nil {
		return fmt.Errorf("ble: connect to %s: %w", address, err)
	}
	unlock, err := protocol.EncodeUnlockRequest(rawKey)
	if err != nil {
		return fmt.Errorf("ble: connect to %s: %w", address, err)
	}

	// Nothing has been touched yet, so a done ctx leaves any live connection
	// in place.
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("ble: connect to %s: %w", address, err)
	}

	slog.Debug("[BLE] connecting", "address", address)

	s.mu.Lock()
	if s.state != StateIdle {
		slog.Debug("[BLE] closing previous connection", "address", s.address, "state", s.state.String())
		stale := s.conn
		s.resetLocked()
		s.mu.Unlock()
		s.closeStale(stale)
		s.mu.Lock()
	}
	s.gen++
	gen := s.gen
	s.state = StateConnecting
	s.address = address
	s.lost = make(chan struct{})
	s.mu.Unlock()

	if err := s.adapter.Enable(); err != nil {
		s.abort(gen, nil)
		return fmt.Errorf("ble: enable adapter: %w: %w", ErrTransport, err)
	}

	conn, err := s.adapter.Connect(ctx, address)
	if err != nil {
		s.abort(gen, nil)
		if ctx.Err() != nil {
			return fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
		}
		return fmt.Errorf("ble: connect to %s: %w: %w", address, ErrTransport, err)
	}

	conn.OnDisconnect(func() { s.handleDisconnect(gen) })

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		s.closeStale(conn)
		return fmt.Errorf("ble: connect to %s: %w: connection dropped while connecting", address, ErrTransport)
	}
	s.conn = conn
	s.mu.Unlock()

	eventChar, err := conn.DiscoverCharacteristic(s.channels.ServiceUUID, s.channels.EventCharUUID)
	if err != nil {
		s.abort(gen, conn)
		return fmt.Errorf("ble: discover event characteristic: %w: %w", ErrTransport, err)
	}
	stateChar, err := conn.DiscoverCharacteristic(s.channels.ServiceUUID, s.channels.StateCharUUID)
	if err != nil {
		s.abort(gen, conn)
		return fmt.Errorf("ble: discover state characteristic: %w: %w", ErrTransport, err)
	}

	if !s.advance(gen, StateUnlocking, func() {
		s.eventChar = eventChar
		s.stateChar = stateChar
	}) {
		return fmt.Errorf("ble: unlock %s: %w: connection dropped", address, ErrTransport)
	}

	if err := s.call(ctx, gen, func() error { return eventChar.Write(unlock) }); err != nil {
		s.abort(gen, conn)
		return fmt.Errorf("ble: unlock %s: %w", address, err)
	}

	if err := stateChar.Subscribe(func(data []byte) { s.handleNotification(gen, data) }); err != nil {
		s.abort(gen, conn)
		return fmt.Errorf("ble: subscribe to state: %w: %w", ErrTransport, err)
	}

	if !s.advance(gen, StateSynchronized, nil) {
		return fmt.Errorf("ble: subscribe to state: %w: connection dropped", ErrTransport)
	}

	slog.Info("[BLE] connected", "address", address)
	return nil
}

// Disconnect closes the connection and resets the session to idle. The
// disconnect observer registered by Connect is detached first, so it never
// fires for a connection closed here. The transport connection is closed
// even when ctx is already done.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return ErrNotConnected
	}
	conn := s.conn
	address := s.address
	s.resetLocked()
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	// The session has already forgotten conn, so it is closed even when ctx
	// is done. ctx only bounds how long the caller waits.
	if ctx.Err() != nil {
		s.closeStale(conn)
		return fmt.Errorf("ble: disconnect %s: %w", address, ctx.Err())
	}
	conn.OnDisconnect(nil)
	if _, err := runCtx(ctx, conn.Disconnect); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("ble: disconnect %s: %w", address, ctx.Err())
		}
		return fmt.Errorf("ble: disconnect %s: %w: %w", address, ErrTransport, err)
	}
	slog.Info("[BLE] disconnected", "address", address)
	return nil
}

// TurnOn switches the light on at its last known brightness.
func (s *Session) TurnOn(ctx context.Context) error {
	slog.Debug("[BLE] turning on")
	return s.writeState(ctx, func(cur protocol.DeviceState) protocol.DeviceState {
		cur.On = true
		return cur
	})
}

// TurnOnAt switches the light on at the given brightness (0-100).
func (s *Session) TurnOnAt(ctx context.Context, level int) error {
	slog.Debug("[BLE] turning on", "brightness", level)
	return s.writeState(ctx, func(cur protocol.DeviceState) protocol.DeviceState {
		return protocol.DeviceState{On: true, Brightness: level}
	})
}

// TurnOff switches the light off. The brightness is kept.
func (s *Session) TurnOff(ctx context.Context) error {
	slog.Debug("[BLE] turning off")
	return s.writeState(ctx, func(cur protocol.DeviceState) protocol.DeviceState {
		cur.On = false
		return cur
	})
}

// SetBrightnessLevel changes the brightness (0-100) without touching the
// on/off flag.
func (s *Session) SetBrightnessLevel(ctx context.Context, level int) error {
	slog.Debug("[BLE] setting brightness", "brightness", level)
	return s.writeState(ctx, func(cur protocol.DeviceState) protocol.DeviceState {
		cur.Brightness = level
		return cur
	})
}

// Refresh reads the state characteristic, replaces the cached state with it
// and notifies listeners.
func (s *Session) Refresh(ctx context.Context) (protocol.DeviceState, error) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	s.mu.Lock()
	if s.state != StateSynchronized {
		s.mu.Unlock()
		return protocol.DeviceState{}, ErrNotConnected
	}
	stateChar := s.stateChar
	gen := s.gen
	s.mu.Unlock()

	var data []byte
	if err := s.call(ctx, gen, func() error {
		d, err := stateChar.Read()
		data = d
		return err
	}); err != nil {
		return protocol.DeviceState{}, fmt.Errorf("ble: read state: %w", err)
	}

	state, err := protocol.DecodeState(data)
	if err != nil {
		return protocol.DeviceState{}, fmt.Errorf("ble: read state: %w", err)
	}

	if !s.commit(gen, state) {
		return protocol.DeviceState{}, fmt.Errorf("ble: read state: %w: connection dropped during read", ErrTransport)
	}
	s.listeners.Broadcast(state)
	return state, nil
}

// writeState derives the target state from the cached one, writes it and,
// only once the write is acknowledged, caches and broadcasts it.
func (s *Session) writeState(ctx context.Context, next func(protocol.DeviceState) protocol.DeviceState) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	s.mu.Lock()
	if s.state != StateSynchronized {
		s.mu.Unlock()
		return ErrNotConnected
	}
	target := next(s.current)
	stateChar := s.stateChar
	gen := s.gen
	s.mu.Unlock()

	packet, err := protocol.EncodeState(target)
	if err != nil {
		return fmt.Errorf("ble: write state: %w", err)
	}

	slog.Debug("[BLE] writing state", "state", target.String())
	if err := s.call(ctx, gen, func() error { return stateChar.Write(packet) }); err != nil {
		return fmt.Errorf("ble: write state: %w", err)
	}

	if !s.commit(gen, target) {
		return fmt.Errorf("ble: write state: %w: connection dropped during write", ErrTransport)
	}
	s.listeners.Broadcast(target)
	return nil
}

// handleNotification applies a state notification from connection gen.
func (s *Session) handleNotification(gen uint64, data []byte) {
	state, err := protocol.DecodeState(data)
	if err != nil {
		slog.Warn("[BLE] ignoring state notification", "error", err, "data", fmt.Sprintf("%x", data))
		return
	}

	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	s.mu.Lock()
	if s.gen != gen || s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	s.current = state
	select {
	case <-s.confirmed:
	default:
		close(s.confirmed)
	}
	s.mu.Unlock()

	slog.Debug("[BLE] state updated", "state", state.String())
	s.listeners.Broadcast(state)
}

// handleDisconnect is the observer registered for connection gen.
func (s *Session) handleDisconnect(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	slog.Warn("[BLE] device disconnected", "address", s.address)
	s.resetLocked()
}

// call runs a transport operation for connection gen. If ctx is done while
// the operation is in flight its outcome is unknown, so the connection is
// dropped and the session returns to idle.
func (s *Session) call(ctx context.Context, gen uint64, fn func() error) error {
	abandoned, err := runCtx(ctx, fn)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		if abandoned {
			slog.Warn("[BLE] operation abandoned in flight, dropping connection", "error", ctx.Err())
			s.drop(gen)
		}
		return ctx.Err()
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

// advance moves connection gen to state, running apply under the lock.
// It returns false if the connection has been dropped in the meantime.
func (s *Session) advance(gen uint64, state SessionState, apply func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return false
	}
	if apply != nil {
		apply()
	}
	s.state = state
	return true
}

// commit stores state as the cached snapshot if connection gen is still live.
func (s *Session) commit(gen uint64, state protocol.DeviceState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.state != StateSynchronized {
		return false
	}
	s.current = state
	return true
}

// abort resets the session and closes conn if the session still belongs to
// connection gen. Otherwise whoever moved the generation on owns the cleanup.
func (s *Session) abort(gen uint64, conn Connection) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.resetLocked()
	s.mu.Unlock()
	s.closeStale(conn)
}

// drop closes the session's connection if it is still connection gen.
func (s *Session) drop(gen uint64) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.resetLocked()
	s.mu.Unlock()
	s.closeStale(conn)
}

// closeStale detaches and closes a connection the session no longer tracks.
// Failures are logged only.
func (s *Session) closeStale(conn Connection) {
	if conn == nil {
		return
	}
	conn.OnDisconnect(nil)
	if err := conn.Disconnect(); err != nil {
		slog.Warn("[BLE] failed to close stale connection", "error", err)
	}
}

// resetLocked returns the session to idle (caller must hold mu). Bumping the
// generation detaches observers and notification handlers of the old
// connection.
func (s *Session) resetLocked() {
	s.gen++
	s.state = StateIdle
	s.address = ""
	s.conn = nil
	s.eventChar = nil
	s.stateChar = nil
	s.current = protocol.DeviceState{}

	// Wake WaitConfirmed callers of the old connection; they see the new
	// generation and give up.
	select {
	case <-s.confirmed:
	default:
		close(s.confirmed)
	}
	s.confirmed = make(chan struct{})

	select {
	case <-s.lost:
	default:
		close(s.lost)
	}
}
