package reliabletransport

import (
	"sort"
	"time"

	"github.com/ooni/vpncore/internal/model"
)

// Sender keeps state about the outgoing control packets of one key: the
// in-flight queue waiting for ACKs and the IDs we still owe to the remote.
type Sender struct {
	// inFlight is the array of in-flight packets.
	inFlight inflightSequence

	// logger is the logger to use
	logger model.Logger

	// pendingACKsToSend is the array of packets that we still need to ACK.
	pendingACKsToSend []model.PacketID

	// retransmissions counts the packets sent more than once.
	retransmissions int
}

// NewSender returns a new [Sender].
func NewSender(logger model.Logger) *Sender {
	return &Sender{
		inFlight:          make([]*inFlightPacket, 0, RELIABLE_SEND_BUFFER_SIZE),
		logger:            logger,
		pendingACKsToSend: []model.PacketID{},
	}
}

// TryInsertOutgoingPacket attempts to insert a packet into the in-flight
// queue. It returns false when too many packets are in flight.
func (r *Sender) TryInsertOutgoingPacket(p *model.Packet) bool {
	if len(r.inFlight) >= RELIABLE_SEND_BUFFER_SIZE {
		r.logger.Warn("reliable: outgoing array full, dropping packet")
		return false
	}
	r.inFlight = append(r.inFlight, newInFlightPacket(p))
	return true
}

// CanSend returns whether there is room for another packet.
func (r *Sender) CanSend() bool {
	return len(r.inFlight) < RELIABLE_SEND_BUFFER_SIZE
}

// InFlight returns the number of packets waiting for an ACK.
func (r *Sender) InFlight() int {
	return len(r.inFlight)
}

// Retransmissions returns how many times we sent a packet again.
func (r *Sender) Retransmissions() int {
	return r.retransmissions
}

// MaybeEvictOrBumpPacketAfterACK either evicts the in-flight packet whose
// ID matches the ACK, or bumps the higher-ACK count of the packets with a
// lower ID.
func (r *Sender) MaybeEvictOrBumpPacketAfterACK(acked model.PacketID) bool {
	sort.Sort(r.inFlight)
	for i, p := range r.inFlight {
		if acked > p.packet.ID {
			p.ACKForHigherPacket()
		} else if acked == p.packet.ID {
			r.logger.Debugf("reliable: evicting packet %v", p.packet.ID)
			r.inFlight = append(r.inFlight[:i], r.inFlight[i+1:]...)
			return true
		}
	}
	return false
}

// OnACKs processes the ACK array of an incoming packet.
func (r *Sender) OnACKs(acks []model.PacketID) {
	for _, id := range acks {
		r.MaybeEvictOrBumpPacketAfterACK(id)
	}
}

// QueueACK remembers that we must acknowledge id.
func (r *Sender) QueueACK(id model.PacketID) {
	for _, pending := range r.pendingACKsToSend {
		if pending == id {
			return
		}
	}
	r.pendingACKsToSend = append(r.pendingACKsToSend, id)
}

// HasPendingACKs returns whether we owe ACKs to the remote.
func (r *Sender) HasPendingACKs() bool {
	return len(r.pendingACKsToSend) > 0
}

// NextPacketIDsToACK returns at most MAX_ACKS_PER_OUTGOING_PACKET IDs to
// piggyback on the next outgoing packet.
func (r *Sender) NextPacketIDsToACK() []model.PacketID {
	n := len(r.pendingACKsToSend)
	if n > MAX_ACKS_PER_OUTGOING_PACKET {
		n = MAX_ACKS_PER_OUTGOING_PACKET
	}
	next := make([]model.PacketID, n)
	copy(next, r.pendingACKsToSend[:n])
	r.pendingACKsToSend = append(r.pendingACKsToSend[:0], r.pendingACKsToSend[n:]...)
	return next
}

// ReadyToSend returns the packets due for (re)transmission at now, with
// the pending ACKs attached, and schedules their next retransmission.
func (r *Sender) ReadyToSend(now time.Time) []*model.Packet {
	sort.Sort(r.inFlight)
	var out []*model.Packet
	for _, p := range r.inFlight.readyToSend(now) {
		if p.retries > 0 {
			r.retransmissions++
		}
		p.ScheduleForRetransmission(now)
		p.packet.ACKs = r.NextPacketIDsToACK()
		out = append(out, p.packet)
	}
	return out
}

// NextDeadline returns when [Sender.ReadyToSend] should be called again.
func (r *Sender) NextDeadline(now time.Time) time.Time {
	return r.inFlight.nearestDeadlineTo(now)
}

// SendAttempts returns how many times the in-flight packet with the given
// ID has been sent, or zero when it is not in flight.
func (r *Sender) SendAttempts(id model.PacketID) int {
	for _, p := range r.inFlight {
		if p.packet.ID == id {
			return int(p.retries)
		}
	}
	return 0
}
