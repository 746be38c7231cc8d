package reliabletransport

import (
	"sort"

	"github.com/ooni/vpncore/internal/model"
)

// Receiver reorders the incoming control packets of one key.
type Receiver struct {
	// logger is the logger to use
	logger model.Logger

	// incomingPackets are packets waiting for the missing lower IDs.
	incomingPackets incomingSequence

	// nextExpected is the next packet ID we can pass up.
	nextExpected model.PacketID
}

// NewReceiver returns a [Receiver] expecting packet ID zero.
func NewReceiver(logger model.Logger) *Receiver {
	return &Receiver{
		logger:          logger,
		incomingPackets: []*model.Packet{},
		nextExpected:    0,
	}
}

// InsertResult tells the caller what to do with a packet after [Receiver.MaybeInsertIncoming].
type InsertResult int

const (
	// Inserted means that the packet was queued and must be ACKed.
	Inserted InsertResult = iota

	// Duplicate means that we already delivered the packet: ACK it again
	// since our previous ACK was probably lost.
	Duplicate

	// Dropped means the packet is outside the receive window: do not ACK it.
	Dropped
)

// MaybeInsertIncoming queues p if it fits the receive window.
func (r *Receiver) MaybeInsertIncoming(p *model.Packet) InsertResult {
	if p.ID < r.nextExpected {
		r.logger.Debugf("reliable: got packet id %v, but next expected is %v", p.ID, r.nextExpected)
		return Duplicate
	}
	if p.ID-r.nextExpected >= RELIABLE_RECV_BUFFER_SIZE {
		r.logger.Warnf("reliable: packet id %v is beyond the receive window", p.ID)
		return Dropped
	}
	for _, queued := range r.incomingPackets {
		if queued.ID == p.ID {
			return Duplicate
		}
	}
	r.incomingPackets = append(r.incomingPackets, p)
	return Inserted
}

// NextIncomingSequence returns the longest in-order run of packets ready
// to be passed up to the TLS layer.
func (r *Receiver) NextIncomingSequence() []*model.Packet {
	sort.Sort(r.incomingPackets)
	var ready []*model.Packet
	i := 0
	for ; i < len(r.incomingPackets); i++ {
		p := r.incomingPackets[i]
		if p.ID != r.nextExpected {
			break
		}
		ready = append(ready, p)
		r.nextExpected++
	}
	r.incomingPackets = append(r.incomingPackets[:0], r.incomingPackets[i:]...)
	return ready
}
