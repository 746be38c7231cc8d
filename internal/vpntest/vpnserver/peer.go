package vpnserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	tls "github.com/refraction-networking/utls"

	"github.com/ooni/vpncore/internal/bytesx"
	"github.com/ooni/vpncore/internal/controlchannel"
	"github.com/ooni/vpncore/internal/datachannel"
	"github.com/ooni/vpncore/internal/model"
	"github.com/ooni/vpncore/internal/session"
	"github.com/ooni/vpncore/internal/tlssession"
)

// tickInterval is how often a peer flushes its control channels.
const tickInterval = 50 * time.Millisecond

// peer is the server side of a client session. Its state is owned by loop.
type peer struct {
	closeOnce sync.Once
	closer    func() error
	commands  chan func()
	done      chan any
	incoming  chan []byte
	logger    model.Logger
	name      string
	send      func([]byte) error
	server    *Server

	// the fields below are only used by loop
	keys       map[uint8]*peerKey
	latest     *peerKey
	negotiated chan *negotiation
	records    chan keyRecord
	session    *session.Session
}

// peerKey is the state of one key.
type peerKey struct {
	keyID   uint8
	control *controlchannel.Channel
	bio     *tlssession.Bio
	conn    net.Conn
	data    *datachannel.Channel
}

type keyRecord struct {
	keyID  uint8
	record []byte
}

type negotiation struct {
	key    *peerKey
	client *session.KeySource
	server *session.KeySource
	conn   net.Conn
	err    error
}

func newPeer(s *Server, name string, send func([]byte) error, closer func() error) *peer {
	return &peer{
		closer:     closer,
		commands:   make(chan func()),
		done:       make(chan any),
		incoming:   make(chan []byte, 128),
		logger:     s.logger,
		name:       name,
		send:       send,
		server:     s,
		keys:       map[uint8]*peerKey{},
		negotiated: make(chan *negotiation, 8),
		records:    make(chan keyRecord, 64),
	}
}

// deliver queues a raw packet. It returns false once the peer is closed.
func (p *peer) deliver(pkt []byte) bool {
	select {
	case p.incoming <- pkt:
		return true
	case <-p.done:
		return false
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.closer()
	})
}

// run executes fx on the loop goroutine and returns its error.
func (p *peer) run(fx func(p *peer) error) error {
	result := make(chan error, 1)
	select {
	case p.commands <- func() { result <- fx(p) }:
		return <-result
	case <-p.done:
		return ErrNoPeer
	}
}

func (p *peer) loop(ctx context.Context) {
	defer p.teardown()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case fx := <-p.commands:
			fx()
		case raw := <-p.incoming:
			if p.server.isSilent() {
				continue
			}
			if err := p.onRaw(raw); err != nil {
				p.logger.Warnf("vpnserver: %s: %s", p.name, err)
			}
		case rec := <-p.records:
			if k := p.keys[rec.keyID]; k != nil {
				k.control.Write(rec.record)
			}
		case n := <-p.negotiated:
			p.onNegotiated(n)
		case <-ticker.C:
		}
		if !p.server.isSilent() {
			p.flush()
		}
	}
}

func (p *peer) teardown() {
	p.close()
	for _, k := range p.keys {
		p.dropKey(k)
	}
}

func (p *peer) dropKey(k *peerKey) {
	k.bio.Close()
	if k.conn != nil {
		k.conn.Close()
	}
	if k.data != nil {
		k.data.Wipe()
	}
	delete(p.keys, k.keyID)
}

func (p *peer) flush() {
	now := time.Now()
	for _, k := range p.keys {
		out, err := k.control.Flush(now)
		if err != nil {
			p.logger.Warnf("vpnserver: flush: %s", err)
		}
		for _, o := range out {
			p.writePacket(o.Packet)
		}
	}
}

func (p *peer) writePacket(pkt *model.Packet) {
	raw, err := pkt.Bytes()
	if err != nil {
		p.logger.Warnf("vpnserver: %s", err)
		return
	}
	if err := p.send(raw); err != nil {
		p.logger.Debugf("vpnserver: send: %s", err)
	}
}

func (p *peer) onRaw(raw []byte) error {
	pkt, err := model.ParsePacket(raw)
	if err != nil {
		return err
	}
	if pkt.IsData() {
		return p.onData(pkt)
	}
	if pkt.Opcode == model.P_CONTROL_HARD_RESET_CLIENT_V2 && pkt.KeyID == 0 {
		if err := p.maybeStartSession(pkt); err != nil {
			return err
		}
	}
	if p.session == nil {
		return errors.New("no session")
	}
	if err := controlchannel.CheckSession(p.session, pkt); err != nil {
		return err
	}
	k := p.keys[pkt.KeyID]
	if k == nil {
		if pkt.Opcode != model.P_CONTROL_SOFT_RESET_V1 {
			return fmt.Errorf("packet for unknown key %d", pkt.KeyID)
		}
		if next := p.session.NextKeyID(); next != pkt.KeyID {
			return fmt.Errorf("unexpected key %d, want %d", pkt.KeyID, next)
		}
		if k, err = p.newKey(pkt.KeyID, model.P_CONTROL_SOFT_RESET_V1, false); err != nil {
			return err
		}
	}
	ready, err := k.control.OnPacket(pkt)
	if err != nil {
		return err
	}
	for _, r := range ready {
		if r.Opcode == model.P_CONTROL_V1 {
			k.bio.Feed(r.Payload)
		}
	}
	return nil
}

// maybeStartSession starts a new session on the first hard reset, or when
// the client restarted with a new session ID.
func (p *peer) maybeStartSession(pkt *model.Packet) error {
	if p.session != nil {
		remote := p.session.RemoteSessionID()
		if !remote.IsNone() && remote.Unwrap() == pkt.LocalSessionID {
			return nil
		}
		for _, k := range p.keys {
			p.dropKey(k)
		}
		p.latest = nil
	}
	sess, err := session.NewSession(p.logger)
	if err != nil {
		return err
	}
	p.session = sess
	if err := controlchannel.CheckSession(sess, pkt); err != nil {
		return err
	}
	p.server.update(func(st *Stats) { st.Sessions++ })
	_, err = p.newKey(0, model.P_CONTROL_HARD_RESET_SERVER_V2, true)
	return err
}

// newKey creates a key, queues our reset packet and starts the TLS server.
func (p *peer) newKey(keyID uint8, reset model.Opcode, first bool) (*peerKey, error) {
	down := make(chan []byte)
	k := &peerKey{
		keyID:   keyID,
		control: controlchannel.New(p.logger, p.session, keyID),
		bio:     tlssession.NewBio(p.logger, down),
	}
	if err := k.control.SendReset(reset); err != nil {
		return nil, err
	}
	if old := p.keys[keyID]; old != nil {
		p.dropKey(old)
	}
	p.keys[keyID] = k
	go func() {
		for {
			select {
			case rec := <-down:
				select {
				case p.records <- keyRecord{keyID, rec}:
				case <-p.done:
					return
				}
			case <-p.done:
				return
			}
		}
	}()
	go func() {
		n := p.negotiate(k, first)
		select {
		case p.negotiated <- n:
		case <-p.done:
			if n.conn != nil {
				n.conn.Close()
			}
		}
	}()
	return k, nil
}

// negotiate runs the server side of the key exchange for k.
func (p *peer) negotiate(k *peerKey, first bool) *negotiation {
	n := &negotiation{key: k}
	conn := tls.Server(k.bio, p.server.tlsConfig)
	if n.err = conn.Handshake(); n.err != nil {
		return n
	}
	data, err := tlssession.ReadRawControlMessage(conn)
	if err != nil {
		n.err = err
		return n
	}
	hello, err := tlssession.ParseClientHello(data)
	if err != nil {
		n.err = err
		return n
	}
	p.server.mu.Lock()
	p.server.credentials = hello.Username + ":" + hello.Password
	p.server.mu.Unlock()
	if p.server.cfg.AuthFailed {
		conn.Write(tlssession.EncodeControlMessage("AUTH_FAILED"))
		n.err = errors.New("auth failed")
		return n
	}
	n.client = hello.Key
	if n.server, n.err = session.NewKeySource(); n.err != nil {
		return n
	}
	reply, err := tlssession.EncodeServerHello(n.server, p.server.serverOptions())
	if err != nil {
		n.err = err
		return n
	}
	if _, n.err = conn.Write(reply); n.err != nil {
		return n
	}
	if first {
		msg, err := tlssession.ReadControlMessage(conn)
		if err != nil {
			n.err = err
			return n
		}
		if msg.Kind != tlssession.ControlPushRequest {
			n.err = fmt.Errorf("expected a push request, got %+v", msg)
			return n
		}
		if _, n.err = conn.Write(tlssession.EncodeControlMessage(p.server.pushReply())); n.err != nil {
			return n
		}
	}
	n.conn = conn
	return n
}

func (p *peer) onNegotiated(n *negotiation) {
	if n.err != nil {
		p.logger.Warnf("vpnserver: negotiation of key %d: %s", n.key.keyID, n.err)
		return
	}
	if p.keys[n.key.keyID] != n.key {
		n.conn.Close()
		return
	}
	cfg := p.server.cfg
	data, err := datachannel.New(p.logger, datachannel.Options{
		Cipher:   cfg.Cipher,
		Auth:     cfg.Auth,
		Compress: cfg.Compress,
	})
	if err != nil {
		p.logger.Warnf("vpnserver: %s", err)
		return
	}
	if cfg.PeerID >= 0 {
		data.SetPeerID(model.NewPeerID(cfg.PeerID))
	}
	km := session.DeriveKeyMaterial(n.client, n.server, p.session.RemoteSessionID().Unwrap(), p.session.LocalSessionID())
	data.Install(n.key.keyID, km.Swap(), time.Now())
	km.Wipe()
	n.client.Wipe()
	n.server.Wipe()
	n.key.conn = n.conn
	n.key.data = data
	for _, k := range p.keys {
		if k != n.key && k != p.latest {
			p.dropKey(k)
		}
	}
	p.latest = n.key
	p.server.update(func(st *Stats) { st.Negotiations++ })
	p.logger.Infof("vpnserver: %s: key %d ready", p.name, n.key.keyID)
}

func (p *peer) onData(pkt *model.Packet) error {
	k := p.keys[pkt.KeyID]
	if k == nil || k.data == nil {
		p.server.update(func(st *Stats) { st.DecryptErrors++ })
		return fmt.Errorf("data for unknown key %d", pkt.KeyID)
	}
	payload, err := k.data.Decrypt(pkt)
	if err != nil {
		p.server.update(func(st *Stats) { st.DecryptErrors++ })
		return err
	}
	if model.IsPing(payload) {
		p.server.update(func(st *Stats) { st.Pings++ })
		return p.sendData(p.latest.keyID, model.PingPayload)
	}
	p.server.record(payload)
	if reply, ok := echoReply(payload); ok {
		return p.sendData(p.latest.keyID, reply)
	}
	return p.sendData(p.latest.keyID, payload)
}

func (p *peer) sendData(keyID uint8, payload []byte) error {
	k := p.keys[keyID]
	if k == nil || k.data == nil {
		return fmt.Errorf("vpnserver: no data key %d", keyID)
	}
	raw, err := k.data.Encrypt(payload)
	if err != nil {
		return err
	}
	return p.send(raw)
}

func (p *peer) sendControlMessage(text string) error {
	if p.latest == nil {
		return ErrNoPeer
	}
	_, err := p.latest.conn.Write(tlssession.EncodeControlMessage(text))
	return err
}

func (p *peer) sendForgedData(count int) error {
	if p.latest == nil {
		return ErrNoPeer
	}
	opcode := model.P_DATA_V2
	if p.server.cfg.PeerID < 0 {
		opcode = model.P_DATA_V1
	}
	for i := 0; i < count; i++ {
		pkt := model.NewPacket(opcode, p.latest.keyID, nil)
		pkt.PeerID = model.NewPeerID(max(p.server.cfg.PeerID, 0))
		garbage, err := bytesx.GenRandomBytes(64)
		if err != nil {
			return err
		}
		pkt.Payload = garbage
		raw, err := pkt.Bytes()
		if err != nil {
			return err
		}
		if err := p.send(raw); err != nil {
			return err
		}
	}
	return nil
}

func (p *peer) softReset() error {
	if p.latest == nil {
		return ErrNoPeer
	}
	_, err := p.newKey(p.session.NextKeyID(), model.P_CONTROL_SOFT_RESET_V1, false)
	return err
}

func (p *peer) keyIDs() []uint8 {
	var ids []uint8
	for id, k := range p.keys {
		if k.data != nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if p.latest != nil && len(ids) > 0 {
		// the newest key goes last even when key IDs wrapped around
		for i, id := range ids {
			if id == p.latest.keyID {
				ids = append(append(ids[:i:i], ids[i+1:]...), id)
				break
			}
		}
	}
	return ids
}
