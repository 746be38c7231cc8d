// Package protocol implements the tunnel state machine. A single worker
// goroutine owns the state, the session of the current attempt, the
// reliable control channels and the data channel. Helper goroutines open
// the transport, read packets, negotiate keys and read the tunnel device;
// they only talk to the worker over channels.
//
//	Idle -> Connecting -> Handshaking -> Established -> Reconnecting
//	     -> Disconnecting -> Terminated
//
// Any active state may also move to Paused, which releases the transport
// until resumed.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ooni/vpncore/internal/model"
	"github.com/ooni/vpncore/internal/networkio"
	"github.com/ooni/vpncore/internal/tun"
	"github.com/ooni/vpncore/pkg/config"
)

var (
	// ErrNotActive is returned when pausing a tunnel that is not active.
	ErrNotActive = errors.New("protocol: tunnel not active")

	// ErrNotPaused is returned when resuming a tunnel that is not paused.
	ErrNotPaused = errors.New("protocol: tunnel not paused")

	// ErrTerminated is returned by requests sent after termination.
	ErrTerminated = errors.New("protocol: tunnel terminated")
)

// errPaused, errReconnect and errDisconnected interrupt an attempt on
// request.
var (
	errPaused       = errors.New("paused")
	errReconnect    = errors.New("reconnect requested")
	errDisconnected = errors.New("disconnected")
)

// fatalError marks an error that terminates the tunnel without consuming
// the retry budget.
type fatalError struct {
	error
}

func (e *fatalError) Unwrap() error {
	return e.error
}

func fatal(err error) error {
	return &fatalError{err}
}

func isFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe) || model.IsFatal(err)
}

// tickInterval drives retransmissions, keepalives and the other timers.
const tickInterval = 100 * time.Millisecond

// deviceQueueSize is the number of tunnel packets waiting for the worker.
const deviceQueueSize = 64

type requestKind int

const (
	requestPause requestKind = iota
	requestResume
	requestReconnect
	requestDisconnect
)

type request struct {
	kind  requestKind
	reply chan error
}

// Machine is the state machine of a tunnel. The zero value is invalid;
// use [New].
type Machine struct {
	config   *config.Config
	dialer   model.Dialer
	done     chan any
	logger   model.Logger
	notify   func(model.Event)
	profile  *config.Profile
	requests chan request
	tracer   model.HandshakeTracer

	mu          sync.Mutex
	err         error
	established chan any
	started     bool
	stats       model.Stats
	status      model.Status

	// the fields below are owned by the worker
	device   tun.Device
	deviceIn chan []byte
	failures int
	attempts int

	// next is the index of the first remote to dial, current the index
	// of the remote of the last attempt. lap counts the remotes that
	// failed since an attempt was last established or a whole list could
	// not be dialed.
	next            int
	current         int
	lap             int
	handshakeFailed bool
	fallingBack     bool
}

// New creates a [Machine] in the Idle state. notify, when not nil, is
// called from the worker goroutine for each event and must not block.
func New(cfg *config.Config, notify func(model.Event)) (*Machine, error) {
	profile := cfg.Profile()
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	dialer, err := networkio.NewTransportDialer(cfg.Logger(), cfg.Dialer(), profile, cfg.Protect())
	if err != nil {
		return nil, err
	}
	return &Machine{
		config:      cfg,
		dialer:      dialer,
		done:        make(chan any),
		logger:      cfg.Logger(),
		notify:      notify,
		profile:     profile,
		requests:    make(chan request),
		tracer:      cfg.Tracer(),
		established: make(chan any),
		status:      model.Status{State: model.StateIdle},
	}, nil
}

// Start moves from Idle to Connecting and starts the worker. It does
// nothing when already started or terminated.
func (m *Machine) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()
	go m.run()
}

// Pause releases the transport and wipes the keys until [Machine.Resume].
func (m *Machine) Pause() error {
	return m.request(requestPause)
}

// Resume reconnects a paused tunnel with a fresh retry budget.
func (m *Machine) Resume() error {
	return m.request(requestResume)
}

// Reconnect drops the current session and starts a new one right away
// with a fresh retry budget. A paused tunnel is resumed.
func (m *Machine) Reconnect() error {
	return m.request(requestReconnect)
}

// Disconnect tears the tunnel down from any state. Use [Machine.Done] to
// wait for Terminated.
func (m *Machine) Disconnect() {
	m.mu.Lock()
	started := m.started
	m.started = true
	m.mu.Unlock()
	if !started {
		m.shutdown(nil)
		return
	}
	m.request(requestDisconnect)
}

func (m *Machine) request(kind requestKind) error {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return ErrNotActive
	}
	req := request{kind: kind, reply: make(chan error, 1)}
	select {
	case m.requests <- req:
	case <-m.done:
		return ErrTerminated
	}
	select {
	case err := <-req.reply:
		return err
	case <-m.done:
		return ErrTerminated
	}
}

// Done is closed once the machine is Terminated.
func (m *Machine) Done() <-chan any {
	return m.done
}

// Established is closed the first time the tunnel is Established.
func (m *Machine) Established() <-chan any {
	return m.established
}

// Err returns the terminal error. It is nil after an explicit disconnect.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Status returns a snapshot of the status.
func (m *Machine) Status() model.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.status
	if st.TunnelInfo != nil {
		info := *st.TunnelInfo
		st.TunnelInfo = &info
	}
	return st
}

// Stats returns a snapshot of the counters.
func (m *Machine) Stats() model.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Machine) updateStats(fx func(st *model.Stats)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fx(&m.stats)
}

func (m *Machine) emit(ev model.Event) {
	if m.notify == nil {
		return
	}
	ev.Time = time.Now()
	ev.Stats = m.Stats()
	m.notify(ev)
}

// setState records a transition and emits the matching event.
func (m *Machine) setState(state model.State, err error) {
	m.mu.Lock()
	prev := m.status.State
	m.status.State = state
	if err != nil {
		m.status.Err = err
	}
	st := m.status
	m.mu.Unlock()
	if prev == state {
		return
	}
	m.logger.Infof("protocol: %s -> %s", prev, state)
	m.tracer.OnStateChange(state)
	if state == model.StateEstablished {
		select {
		case <-m.established:
		default:
			close(m.established)
		}
	}
	m.emit(model.Event{
		Kind:       model.EventStateChange,
		State:      state,
		Err:        err,
		Endpoint:   st.Endpoint,
		TunnelInfo: st.TunnelInfo,
	})
}

func (m *Machine) setEndpoint(endpoint string, info *model.TunnelInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.Endpoint = endpoint
	if info != nil {
		m.status.TunnelInfo = info
	}
}

func (m *Machine) run() {
	m.shutdown(m.loop())
}

// loop runs attempts until one of them fails fatally, the retry budget is
// exhausted or we are asked to disconnect.
func (m *Machine) loop() error {
	m.setState(model.StateConnecting, nil)
	for {
		err := m.runAttempt()
		for errors.Is(err, errPaused) {
			m.setState(model.StatePaused, nil)
			if !m.waitResume() {
				return nil
			}
			m.resetBudget()
			m.setState(model.StateReconnecting, nil)
			err = m.runAttempt()
		}
		if errors.Is(err, errDisconnected) {
			return nil
		}
		if errors.Is(err, errReconnect) {
			m.resetBudget()
			m.setState(model.StateReconnecting, nil)
			continue
		}
		if isFatal(err) {
			return err
		}
		if m.handshakeFailed {
			if m.nextEndpoint() {
				m.logger.Warnf("protocol: %s failed, trying the next remote: %s", m.profile.Remotes[m.current], err)
				m.setState(model.StateReconnecting, err)
				m.emit(model.Event{Kind: model.EventError, State: model.StateReconnecting, Err: err})
				continue
			}
			err = fmt.Errorf("%w: every remote failed: %w", model.ErrUnreachable, err)
		}
		m.failures++
		m.logger.Warnf("protocol: attempt failed (%d/%d): %s", m.failures, m.profile.ConnectRetryMax, err)
		if max := m.profile.ConnectRetryMax; max > 0 && m.failures >= max {
			return err
		}
		m.setState(model.StateReconnecting, err)
		m.emit(model.Event{Kind: model.EventError, State: model.StateReconnecting, Err: err})
		switch err := m.backoff(); {
		case errors.Is(err, errDisconnected):
			return nil
		case errors.Is(err, errReconnect):
			m.resetBudget()
		case errors.Is(err, errPaused):
			m.setState(model.StatePaused, nil)
			if !m.waitResume() {
				return nil
			}
			m.resetBudget()
			m.setState(model.StateReconnecting, nil)
		}
	}
}

func (m *Machine) resetBudget() {
	m.failures = 0
	m.lap = 0
}

// nextEndpoint moves past the remote whose session could not be
// established. It returns false once every remote failed in this lap.
func (m *Machine) nextEndpoint() bool {
	n := len(m.profile.Remotes)
	m.next = (m.current + 1) % n
	if m.lap < n {
		m.fallingBack = true
		return true
	}
	m.lap = 0
	return false
}

// retryDelay returns the exponential backoff after the given number of
// consecutive failures.
func retryDelay(base, maxDelay time.Duration, failures int) time.Duration {
	if base <= 0 {
		return 0
	}
	shift := failures - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 30 {
		shift = 30
	}
	delay := time.Duration(math.Min(float64(base)*float64(uint(1)<<shift), float64(math.MaxInt64)))
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// backoff waits before the next attempt, serving requests meanwhile.
func (m *Machine) backoff() error {
	delay := retryDelay(m.profile.ConnectRetry, m.profile.ConnectRetryMaxDelay, m.failures)
	m.logger.Infof("protocol: reconnecting in %s", delay)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return nil
		case req := <-m.requests:
			if err := m.interruptBy(req); err != nil {
				return err
			}
		}
	}
}

// interruptBy serves a request received while no transport is open. It
// returns errPaused, errReconnect or errDisconnected when the caller must
// stop waiting.
func (m *Machine) interruptBy(req request) error {
	switch req.kind {
	case requestPause:
		req.reply <- nil
		return errPaused
	case requestReconnect:
		req.reply <- nil
		return errReconnect
	case requestDisconnect:
		req.reply <- nil
		return errDisconnected
	default:
		req.reply <- ErrNotPaused
		return nil
	}
}

// waitResume blocks in Paused. It returns false on disconnect.
func (m *Machine) waitResume() bool {
	for req := range m.requests {
		switch req.kind {
		case requestResume, requestReconnect:
			req.reply <- nil
			return true
		case requestDisconnect:
			req.reply <- nil
			return false
		default:
			req.reply <- nil
		}
	}
	return false
}

// runAttempt opens the transport and runs one session over it.
func (m *Machine) runAttempt() error {
	if m.attempts > 0 && !m.fallingBack {
		m.updateStats(func(st *model.Stats) { st.Reconnections++ })
	}
	m.attempts++
	m.fallingBack = false
	m.handshakeFailed = false
	conn, index, err := m.openTransport()
	if err != nil {
		m.lap = 0
		return err
	}
	n := len(m.profile.Remotes)
	m.lap += (index-m.next+n)%n + 1
	m.current = index
	a, err := newAttempt(m, conn)
	if err != nil {
		conn.Close()
		return err
	}
	defer a.teardown()
	err = a.start()
	if err == nil {
		err = a.loop()
	}
	if a.established {
		m.next = index
		m.lap = 0
	} else {
		m.handshakeFailed = true
	}
	return err
}

type openResult struct {
	conn  *networkio.Conn
	index int
	err   error
}

// openTransport opens the transport in a helper goroutine so that we can
// still serve requests. There is at most one open in flight.
func (m *Machine) openTransport() (*networkio.Conn, int, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	result := make(chan openResult, 1)
	go func() {
		conn, index, err := networkio.OpenFrom(ctx, m.logger, m.dialer, m.profile.Remotes, m.next, m.profile.ConnectTimeout)
		result <- openResult{conn, index, err}
	}()
	for {
		select {
		case r := <-result:
			return r.conn, r.index, r.err
		case req := <-m.requests:
			if err := m.interruptBy(req); err != nil {
				cancel()
				if r := <-result; r.conn != nil {
					r.conn.Close()
				}
				return nil, 0, err
			}
		}
	}
}

// openDevice opens the tunnel device on the first Established and starts
// the goroutine reading it. The device survives reconnections.
func (m *Machine) openDevice(info *model.TunnelInfo) error {
	if m.device != nil {
		return nil
	}
	device, err := m.config.TunOpener().Open(info)
	if err != nil {
		return fmt.Errorf("%w: cannot open the tunnel device: %w", model.ErrTransport, err)
	}
	m.device = device
	m.deviceIn = make(chan []byte, deviceQueueSize)
	go m.readDevice(device, m.deviceIn)
	return nil
}

func (m *Machine) readDevice(device tun.Device, out chan<- []byte) {
	for {
		pkt, err := device.ReadPacket()
		if err != nil {
			m.logger.Debugf("protocol: tunnel device: %s", err)
			return
		}
		select {
		case out <- pkt:
		case <-m.done:
			return
		}
	}
}

// shutdown goes through Disconnecting to Terminated.
func (m *Machine) shutdown(err error) {
	if err != nil {
		m.logger.Warnf("protocol: terminating: %s", err)
	}
	m.setState(model.StateDisconnecting, err)
	if m.device != nil {
		m.device.Close()
	}
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
	m.setState(model.StateTerminated, err)
	close(m.done)
}
