package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ooni/vpncore/internal/controlchannel"
	"github.com/ooni/vpncore/internal/datachannel"
	"github.com/ooni/vpncore/internal/model"
	"github.com/ooni/vpncore/internal/session"
	"github.com/ooni/vpncore/internal/tlssession"
)

// keyContext is the control state of one key ID: the reliable channel,
// the TLS session running on top of it and our key source.
type keyContext struct {
	keyID    uint8
	first    bool
	control  *controlchannel.Channel
	bio      *tlssession.Bio
	local    *session.KeySource
	conn     net.Conn
	started  bool
	deadline time.Time
	cancel   context.CancelFunc
}

// keyRecord is a TLS record written by the TLS session of key.
type keyRecord struct {
	key  *keyContext
	data []byte
}

// negotiation is the outcome of [tlssession.Negotiate].
type negotiation struct {
	key    *keyContext
	result *tlssession.Result
	err    error
}

// newKey creates the control state of keyID and starts moving its TLS
// records to the worker.
func (a *attempt) newKey(keyID uint8, first bool) (*keyContext, error) {
	local, err := session.NewKeySource()
	if err != nil {
		return nil, err
	}
	down := make(chan []byte)
	k := &keyContext{
		keyID:    keyID,
		first:    first,
		control:  controlchannel.New(a.m.logger, a.session, keyID),
		bio:      tlssession.NewBio(a.m.logger, down),
		local:    local,
		deadline: time.Now().Add(a.m.profile.HandWindow),
		cancel:   func() {},
	}
	if old := a.keys[keyID]; old != nil {
		a.closeKey(old)
	}
	a.keys[keyID] = k

	workerName := fmt.Sprintf("protocol: recordsWorker(%d)", keyID)
	a.manager.StartWorker(func() {
		defer a.manager.OnWorkerDone(workerName)
		for {
			select {
			case data := <-down:
				select {
				case a.records <- keyRecord{key: k, data: data}:
				case <-a.manager.ShouldShutdown():
					return
				}
			case <-a.manager.ShouldShutdown():
				return
			}
		}
	})
	return k, nil
}

// startNegotiation runs the TLS handshake and the key exchange of k once
// the remote reset for it arrived.
func (a *attempt) startNegotiation(k *keyContext) {
	ctx, cancel := context.WithTimeout(context.Background(), a.m.profile.HandWindow)
	k.cancel = cancel
	k.started = true
	req := &tlssession.Request{
		Profile:     a.m.profile,
		Proto:       a.conn.Endpoint().Proto,
		Local:       k.local,
		PushRequest: k.first,
		Parrot:      a.m.config.TLSParroting(),
	}
	workerName := fmt.Sprintf("protocol: negotiateWorker(%d)", k.keyID)
	a.manager.StartWorker(func() {
		defer a.manager.OnWorkerDone(workerName)
		result, err := tlssession.Negotiate(ctx, a.m.logger, k.bio, req)
		select {
		case a.negotiated <- &negotiation{key: k, result: result, err: err}:
		case <-a.manager.ShouldShutdown():
			if result != nil {
				result.Conn.Close()
			}
		}
	})
}

// onNegotiated installs the key of a completed negotiation.
func (a *attempt) onNegotiated(n *negotiation) error {
	k := n.key
	k.cancel()
	if a.keys[k.keyID] != k {
		if n.result != nil {
			n.result.Conn.Close()
		}
		return nil
	}
	if n.err != nil {
		if errors.Is(n.err, model.ErrNegotiationFailed) {
			return fatal(n.err)
		}
		if errors.Is(n.err, model.ErrTimeout) || errors.Is(n.err, model.ErrTransport) {
			return n.err
		}
		return fmt.Errorf("%w: key %d: %w", model.ErrTransport, k.keyID, n.err)
	}
	res := n.result
	k.conn = res.Conn

	now := time.Now()
	km := session.DeriveKeyMaterial(k.local, res.Remote, a.session.LocalSessionID(), a.session.RemoteSessionID().Unwrap())
	k.local.Wipe()
	res.Remote.Wipe()

	if k.first {
		data, err := datachannel.New(a.m.logger, datachannel.NewOptionsFromProfile(a.m.profile, res.Cipher))
		if err != nil {
			return fatal(fmt.Errorf("%w: %w", model.ErrNegotiationFailed, err))
		}
		info := res.TunnelInfo
		if info == nil {
			info = &model.TunnelInfo{}
		}
		if _, ok := res.Pushed["peer-id"]; ok {
			data.SetPeerID(model.NewPeerID(info.PeerID))
		}
		if info.MTU == 0 {
			info.MTU = a.m.profile.TunMTU
		}
		if info.Ping > 0 {
			a.ping = time.Duration(info.Ping) * time.Second
		}
		if info.PingRestart > 0 {
			a.pingRestart = time.Duration(info.PingRestart) * time.Second
		}
		a.data = data
		a.info = info
	}
	a.data.Install(k.keyID, km, now)

	if a.lameDuck != nil {
		a.closeKey(a.lameDuck)
		a.lameDuck = nil
	}
	if a.primary != nil && a.primary != k {
		if a.data.HasKey(a.primary.keyID) {
			a.lameDuck = a.primary
		} else {
			a.closeKey(a.primary)
		}
	}
	a.primary = k
	if a.pending == k {
		a.pending = nil
	}
	a.startControlReader(k)

	if !k.first {
		a.m.logger.Infof("protocol: key %d installed", k.keyID)
		a.m.updateStats(func(st *model.Stats) { st.Renegotiations++ })
		return nil
	}
	if err := a.m.openDevice(a.info); err != nil {
		return fatal(err)
	}
	a.established = true
	a.lastRecv = now
	a.m.failures = 0
	a.m.tracer.OnHandshakeDone(a.conn.Endpoint().String())
	a.m.setEndpoint(a.conn.Endpoint().String(), a.info)
	a.m.setState(model.StateEstablished, nil)
	return nil
}

// startControlReader moves the control messages of an established key to
// the worker.
func (a *attempt) startControlReader(k *keyContext) {
	workerName := fmt.Sprintf("protocol: controlWorker(%d)", k.keyID)
	a.manager.StartWorker(func() {
		defer a.manager.OnWorkerDone(workerName)
		for {
			msg, err := tlssession.ReadControlMessage(k.conn)
			if err != nil {
				return
			}
			select {
			case a.controlMessages <- msg:
			case <-a.manager.ShouldShutdown():
				return
			}
		}
	})
}

// closeKey stops the TLS session of k and forgets it.
func (a *attempt) closeKey(k *keyContext) {
	k.cancel()
	k.bio.Close()
	if k.conn != nil {
		k.conn.Close()
	}
	k.local.Wipe()
	if a.keys[k.keyID] == k {
		delete(a.keys, k.keyID)
	}
}
