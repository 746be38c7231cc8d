// Package controlchannel implements the reliable control channel of a
// single key: it splits TLS records into control packets, keeps them in
// flight until the remote ACKs them and passes the in-order packets up.
//
// A [Channel] is not safe for concurrent use. It never touches the network:
// the owner writes the packets returned by [Channel.Flush].
package controlchannel

import (
	"errors"
	"time"

	"github.com/ooni/vpncore/internal/model"
	"github.com/ooni/vpncore/internal/reliabletransport"
	"github.com/ooni/vpncore/internal/session"
)

// MaxPayloadSize is the largest payload of a control packet we create.
const MaxPayloadSize = 1100

// ErrSessionMismatch is returned for packets from another session.
var ErrSessionMismatch = errors.New("controlchannel: session ID mismatch")

// Outgoing is a packet ready to be written.
type Outgoing struct {
	Packet *model.Packet

	// Attempts is how many times we sent the packet, including this one.
	// It is zero for ACK-only packets.
	Attempts int
}

// Channel is the control channel of one key. The zero value is invalid;
// use [New].
type Channel struct {
	keyID    uint8
	logger   model.Logger
	pending  []pendingPayload
	receiver *reliabletransport.Receiver
	sender   *reliabletransport.Sender
	session  *session.Session
}

type pendingPayload struct {
	opcode  model.Opcode
	payload []byte
}

// New creates the control channel of keyID.
func New(logger model.Logger, sess *session.Session, keyID uint8) *Channel {
	return &Channel{
		keyID:    keyID & model.KeyIDMask,
		logger:   logger,
		receiver: reliabletransport.NewReceiver(logger),
		sender:   reliabletransport.NewSender(logger),
		session:  sess,
	}
}

// KeyID returns the key this channel belongs to.
func (c *Channel) KeyID() uint8 {
	return c.keyID
}

// SendReset queues a reset packet (e.g., P_CONTROL_HARD_RESET_CLIENT_V2 or
// P_CONTROL_SOFT_RESET_V1), which opens the channel.
func (c *Channel) SendReset(opcode model.Opcode) error {
	c.pending = append(c.pending, pendingPayload{opcode, []byte{}})
	return c.fill()
}

// Write queues a TLS record, split into as many P_CONTROL_V1 packets as needed.
func (c *Channel) Write(record []byte) error {
	for len(record) > 0 {
		n := len(record)
		if n > MaxPayloadSize {
			n = MaxPayloadSize
		}
		c.pending = append(c.pending, pendingPayload{model.P_CONTROL_V1, record[:n]})
		record = record[n:]
	}
	return c.fill()
}

// fill moves pending payloads into the send window.
func (c *Channel) fill() error {
	for len(c.pending) > 0 && c.sender.CanSend() {
		next := c.pending[0]
		p, err := c.session.NewControlPacket(next.opcode, c.keyID, next.payload)
		if err != nil {
			return err
		}
		c.sender.TryInsertOutgoingPacket(p)
		c.pending = c.pending[1:]
	}
	return nil
}

// OnPacket processes an incoming control or ACK packet of this key and
// returns the packets that are now in order. The caller must check the
// session ID before.
func (c *Channel) OnPacket(p *model.Packet) ([]*model.Packet, error) {
	c.sender.OnACKs(p.ACKs)
	if err := c.fill(); err != nil {
		return nil, err
	}
	if p.Opcode == model.P_ACK_V1 {
		return nil, nil
	}
	switch c.receiver.MaybeInsertIncoming(p) {
	case reliabletransport.Inserted, reliabletransport.Duplicate:
		c.sender.QueueACK(p.ID)
	case reliabletransport.Dropped:
		return nil, nil
	}
	return c.receiver.NextIncomingSequence(), nil
}

// Flush returns the packets to write at now: the packets due for
// (re)transmission followed by ACK-only packets for the ACKs that did not
// fit.
func (c *Channel) Flush(now time.Time) ([]Outgoing, error) {
	var out []Outgoing
	for _, p := range c.sender.ReadyToSend(now) {
		out = append(out, Outgoing{Packet: p, Attempts: c.sender.SendAttempts(p.ID)})
	}
	for c.sender.HasPendingACKs() {
		ack, err := c.session.NewACK(c.keyID, c.sender.NextPacketIDsToACK())
		if err != nil {
			return out, err
		}
		out = append(out, Outgoing{Packet: ack})
	}
	if remote := c.session.RemoteSessionID(); !remote.IsNone() {
		for _, o := range out {
			o.Packet.RemoteSessionID = remote.Unwrap()
		}
	}
	return out, nil
}

// NextDeadline returns when Flush should be called again.
func (c *Channel) NextDeadline(now time.Time) time.Time {
	return c.sender.NextDeadline(now)
}

// Idle returns whether every payload we queued has been ACKed.
func (c *Channel) Idle() bool {
	return len(c.pending) == 0 && c.sender.InFlight() == 0
}

// Retransmissions returns how many packets we had to send again.
func (c *Channel) Retransmissions() int {
	return c.sender.Retransmissions()
}

// CheckSession verifies that p belongs to the session: when we do not know
// the remote session ID yet, we learn it from a reset packet.
func CheckSession(sess *session.Session, p *model.Packet) error {
	remote := sess.RemoteSessionID()
	if remote.IsNone() {
		switch p.Opcode {
		case model.P_CONTROL_HARD_RESET_SERVER_V2, model.P_CONTROL_HARD_RESET_CLIENT_V2:
			sess.SetRemoteSessionID(p.LocalSessionID)
			return nil
		default:
			return ErrSessionMismatch
		}
	}
	if p.LocalSessionID != remote.Unwrap() {
		return ErrSessionMismatch
	}
	return nil
}
