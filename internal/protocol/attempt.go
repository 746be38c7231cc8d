package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/ooni/vpncore/internal/controlchannel"
	"github.com/ooni/vpncore/internal/datachannel"
	"github.com/ooni/vpncore/internal/model"
	"github.com/ooni/vpncore/internal/networkio"
	"github.com/ooni/vpncore/internal/session"
	"github.com/ooni/vpncore/internal/tlssession"
	"github.com/ooni/vpncore/internal/tun"
	"github.com/ooni/vpncore/internal/workers"
)

// attempt is a session over one transport connection. Only the worker
// goroutine touches it.
type attempt struct {
	m       *Machine
	conn    *networkio.Conn
	manager *workers.Manager
	session *session.Session

	incoming        chan []byte
	readErr         chan error
	records         chan keyRecord
	negotiated      chan *negotiation
	controlMessages chan tlssession.ControlMessage

	keys     map[uint8]*keyContext
	primary  *keyContext
	lameDuck *keyContext
	pending  *keyContext

	data         *datachannel.Channel
	counters     datachannel.Counters
	info         *model.TunnelInfo
	established  bool
	handshakeEnd time.Time

	ping          time.Duration
	pingRestart   time.Duration
	lastSent      time.Time
	lastRecv      time.Time
	lastByteCount time.Time
}

func newAttempt(m *Machine, conn *networkio.Conn) (*attempt, error) {
	sess, err := session.NewSession(m.logger)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &attempt{
		m:               m,
		conn:            conn,
		manager:         workers.NewManager(m.logger),
		session:         sess,
		incoming:        make(chan []byte, 64),
		readErr:         make(chan error, 1),
		records:         make(chan keyRecord, 16),
		negotiated:      make(chan *negotiation, 1),
		controlMessages: make(chan tlssession.ControlMessage, 4),
		keys:            map[uint8]*keyContext{},
		ping:            m.profile.Ping,
		pingRestart:     m.profile.PingRestart,
		lastSent:        now,
		lastRecv:        now,
		lastByteCount:   now,
	}, nil
}

// start sends the hard reset of key 0.
func (a *attempt) start() error {
	networkio.StartReader(a.manager, a.conn, a.incoming, a.readErr)
	a.m.setEndpoint(a.conn.Endpoint().String(), nil)
	k, err := a.newKey(0, true)
	if err != nil {
		return err
	}
	if err := k.control.SendReset(model.P_CONTROL_HARD_RESET_CLIENT_V2); err != nil {
		return err
	}
	a.handshakeEnd = time.Now().Add(a.m.profile.HandWindow)
	a.m.setState(model.StateHandshaking, nil)
	return a.flush(time.Now())
}

// loop is the event loop of the worker while the transport is open.
func (a *attempt) loop() error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		var err error
		select {
		case req := <-a.m.requests:
			err = a.onRequest(req)
		case raw := <-a.incoming:
			err = a.onRawPacket(raw)
		case err = <-a.readErr:
			err = fmt.Errorf("%w: reading from %s: %w", model.ErrTransport, a.conn.Endpoint(), err)
		case rec := <-a.records:
			err = rec.key.control.Write(rec.data)
		case n := <-a.negotiated:
			err = a.onNegotiated(n)
		case msg := <-a.controlMessages:
			err = a.onControlMessage(msg)
		case pkt := <-a.m.deviceIn:
			err = a.onTunnelPacket(pkt)
		case now := <-ticker.C:
			err = a.tick(now)
		}
		if err == nil {
			err = a.flush(time.Now())
		}
		if err != nil {
			return err
		}
	}
}

func (a *attempt) onRequest(req request) error {
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

// onRawPacket handles a packet read from the transport.
func (a *attempt) onRawPacket(raw []byte) error {
	a.lastRecv = time.Now()
	pkt, err := model.ParsePacket(raw)
	if err != nil {
		a.m.logger.Debugf("protocol: cannot parse packet: %s", err)
		return nil
	}
	if pkt.IsData() {
		return a.onDataPacket(pkt)
	}
	a.m.tracer.OnIncomingPacket(pkt)
	if err := controlchannel.CheckSession(a.session, pkt); err != nil {
		a.m.logger.Debugf("protocol: %s", err)
		a.m.tracer.OnDroppedPacket(model.DirectionIncoming, pkt)
		return nil
	}
	k := a.keys[pkt.KeyID]
	if k == nil {
		if k, err = a.onServerSoftReset(pkt); k == nil || err != nil {
			return err
		}
	}
	ready, err := k.control.OnPacket(pkt)
	if err != nil {
		return err
	}
	for _, p := range ready {
		switch p.Opcode {
		case model.P_CONTROL_V1:
			k.bio.Feed(p.Payload)
		case model.P_CONTROL_HARD_RESET_SERVER_V2, model.P_CONTROL_SOFT_RESET_V1:
			if !k.started {
				a.startNegotiation(k)
			}
		}
	}
	return nil
}

// onServerSoftReset creates the key for a renegotiation started by the
// server. It returns nil when pkt must be dropped.
func (a *attempt) onServerSoftReset(pkt *model.Packet) (*keyContext, error) {
	expected := a.session.CurrentKeyID()%model.KeyIDMask + 1
	if pkt.Opcode != model.P_CONTROL_SOFT_RESET_V1 || !a.established || a.pending != nil || pkt.KeyID != expected {
		a.m.logger.Debugf("protocol: dropping %s for unknown key %d", pkt.Opcode, pkt.KeyID)
		a.m.tracer.OnDroppedPacket(model.DirectionIncoming, pkt)
		return nil, nil
	}
	a.m.logger.Infof("protocol: server started renegotiating key %d", pkt.KeyID)
	a.session.NextKeyID()
	k, err := a.newKey(pkt.KeyID, false)
	if err != nil {
		return nil, err
	}
	a.pending = k
	return k, k.control.SendReset(model.P_CONTROL_SOFT_RESET_V1)
}

// onDataPacket decrypts a data packet and writes it to the device.
func (a *attempt) onDataPacket(pkt *model.Packet) error {
	if a.data == nil {
		a.m.tracer.OnDroppedPacket(model.DirectionIncoming, pkt)
		return nil
	}
	payload, err := a.data.Decrypt(pkt)
	if err != nil {
		if errors.Is(err, datachannel.ErrNoKey) {
			a.m.logger.Debugf("protocol: %s", err)
			return nil
		}
		a.syncCounters()
		threshold := a.m.profile.AuthFailThreshold
		if failures := a.data.AuthFailures(); a.established && threshold > 0 && failures > threshold {
			return fatal(fmt.Errorf("%w: %d consecutive data packets failed authentication",
				model.ErrAuthenticationFailed, failures))
		}
		a.m.logger.Debugf("protocol: %s", err)
		return nil
	}
	if model.IsPing(payload) {
		return nil
	}
	if err := tun.ValidatePacket(payload); err != nil {
		a.m.updateStats(func(st *model.Stats) { st.InvalidDrops++ })
		return nil
	}
	if a.m.device == nil {
		return nil
	}
	if err := a.m.device.WritePacket(payload); err != nil {
		a.m.logger.Debugf("protocol: tunnel device: %s", err)
		return nil
	}
	a.m.updateStats(func(st *model.Stats) {
		st.BytesIn += int64(len(payload))
		st.PacketsIn++
	})
	return nil
}

// syncCounters moves the data channel counters into the stats.
func (a *attempt) syncCounters() {
	c := a.data.Counters()
	prev := a.counters
	a.counters = c
	a.m.updateStats(func(st *model.Stats) {
		st.AuthFailures += c.AuthFailures - prev.AuthFailures
		st.ReplayDrops += c.ReplayDrops - prev.ReplayDrops
	})
}

// onTunnelPacket encrypts a packet read from the device.
func (a *attempt) onTunnelPacket(pkt []byte) error {
	if !a.established {
		return nil
	}
	raw, err := a.data.Encrypt(pkt)
	if errors.Is(err, datachannel.ErrExpiredKey) {
		a.m.logger.Warn("protocol: data key exhausted")
		return a.maybeRenegotiate(time.Now())
	}
	if err != nil {
		a.m.logger.Debugf("protocol: %s", err)
		return nil
	}
	if err := a.send(raw); err != nil {
		return err
	}
	a.m.updateStats(func(st *model.Stats) {
		st.BytesOut += int64(len(pkt))
		st.PacketsOut++
	})
	return nil
}

func (a *attempt) send(raw []byte) error {
	if err := a.conn.Send(raw); err != nil {
		return err
	}
	a.lastSent = time.Now()
	return nil
}

// flush writes what the control channels have ready.
func (a *attempt) flush(now time.Time) error {
	for _, k := range a.keys {
		out, err := k.control.Flush(now)
		if err != nil {
			return err
		}
		for _, o := range out {
			raw, err := o.Packet.Bytes()
			if err != nil {
				return err
			}
			a.m.tracer.OnOutgoingPacket(o.Packet, o.Attempts)
			if err := a.send(raw); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *attempt) onControlMessage(msg tlssession.ControlMessage) error {
	switch msg.Kind {
	case tlssession.ControlRestart:
		return fmt.Errorf("%w: server sent RESTART %s", model.ErrTransport, msg.Args)
	case tlssession.ControlHalt:
		return fatal(fmt.Errorf("%w: server sent HALT %s", model.ErrTransport, msg.Args))
	case tlssession.ControlAuthFailed:
		return fatal(fmt.Errorf("%w: AUTH_FAILED %s", model.ErrNegotiationFailed, msg.Args))
	default:
		a.m.logger.Debugf("protocol: ignoring control message %q", msg.Args)
		return nil
	}
}

// tick runs the timers.
func (a *attempt) tick(now time.Time) error {
	if !a.established {
		if now.After(a.handshakeEnd) {
			return fmt.Errorf("%w: handshake not done within %s", model.ErrTimeout, a.m.profile.HandWindow)
		}
		return nil
	}
	if k := a.pending; k != nil && now.After(k.deadline) {
		return fmt.Errorf("%w: renegotiation of key %d not done within %s",
			model.ErrTimeout, k.keyID, a.m.profile.HandWindow)
	}
	a.data.Expire(now)
	if k := a.lameDuck; k != nil && !a.data.HasKey(k.keyID) {
		a.closeKey(k)
		a.lameDuck = nil
	}
	if a.pingRestart > 0 && now.Sub(a.lastRecv) >= a.pingRestart {
		return fmt.Errorf("%w: nothing received for %s", model.ErrTimeout, a.pingRestart)
	}
	if a.ping > 0 && now.Sub(a.lastSent) >= a.ping {
		raw, err := a.data.Encrypt(model.PingPayload)
		if err == nil {
			if err := a.send(raw); err != nil {
				return err
			}
		}
	}
	if err := a.maybeRenegotiate(now); err != nil {
		return err
	}
	if interval := a.m.config.ByteCountInterval(); interval > 0 && now.Sub(a.lastByteCount) >= interval {
		a.lastByteCount = now
		a.m.emit(model.Event{Kind: model.EventByteCount, State: model.StateEstablished})
	}
	return nil
}

// maybeRenegotiate starts a soft reset when the primary key is due.
func (a *attempt) maybeRenegotiate(now time.Time) error {
	if a.pending != nil || !a.data.NeedsRenegotiation(now) {
		return nil
	}
	keyID := a.session.NextKeyID()
	a.m.logger.Infof("protocol: renegotiating key %d", keyID)
	k, err := a.newKey(keyID, false)
	if err != nil {
		return err
	}
	a.pending = k
	return k.control.SendReset(model.P_CONTROL_SOFT_RESET_V1)
}

// teardown releases everything the attempt owns.
func (a *attempt) teardown() {
	a.manager.StartShutdown()
	for _, k := range a.keys {
		a.closeKey(k)
	}
	a.conn.Close()
	a.manager.WaitWorkersShutdown()
	if a.data != nil {
		a.syncCounters()
		a.data.Wipe()
	}
}
