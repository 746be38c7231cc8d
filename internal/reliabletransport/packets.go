package reliabletransport

import (
	"time"

	"github.com/ooni/vpncore/internal/model"
)

type inFlightPacket struct {
	// deadline is when this packet is scheduled for the next (re)transmission.
	deadline time.Time

	// higherACKs counts the acks received for packets with a higher ID.
	higherACKs int

	// packet is the underlying packet being sent.
	packet *model.Packet

	// retries is a monotonically increasing counter for retransmission.
	retries uint8
}

func newInFlightPacket(p *model.Packet) *inFlightPacket {
	return &inFlightPacket{
		deadline:   time.Time{},
		higherACKs: 0,
		packet:     p,
		retries:    0,
	}
}

// ACKForHigherPacket increments the number of acks received for a higher
// packet ID. This drives the fast retransmit selection.
func (p *inFlightPacket) ACKForHigherPacket() {
	p.higherACKs++
}

func (p *inFlightPacket) ScheduleForRetransmission(t time.Time) {
	p.retries++
	p.higherACKs = 0
	p.deadline = t.Add(p.backoff())
}

// backoff calculates the next retransmission interval.
func (p *inFlightPacket) backoff() time.Duration {
	maxBackoff := MAX_BACKOFF_SECONDS * time.Second
	if p.retries >= 6 {
		return maxBackoff
	}
	backoff := time.Duration(1<<p.retries) * time.Second
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}

// inflightSequence is a sequence of inFlightPackets.
type inflightSequence []*inFlightPacket

// nearestDeadlineTo returns the earliest deadline of the sequence, never
// before t. Used to re-arm the timer.
func (seq inflightSequence) nearestDeadlineTo(t time.Time) time.Time {
	timeout := t.Add(time.Duration(SENDER_TICKER_MS) * time.Millisecond)
	for _, p := range seq {
		if p.deadline.Before(timeout) {
			timeout = p.deadline
		}
	}
	if timeout.Before(t) {
		timeout = t
	}
	return timeout
}

// readyToSend returns the subset of this sequence that has an expired
// deadline or is suitable for fast retransmission.
func (seq inflightSequence) readyToSend(t time.Time) inflightSequence {
	expired := make([]*inFlightPacket, 0)
	for _, p := range seq {
		if p.higherACKs >= FAST_RETRANSMIT_THRESHOLD || !p.deadline.After(t) {
			expired = append(expired, p)
		}
	}
	return expired
}

// implement sort.Interface
func (seq inflightSequence) Len() int {
	return len(seq)
}

// implement sort.Interface
func (seq inflightSequence) Swap(i, j int) {
	seq[i], seq[j] = seq[j], seq[i]
}

// implement sort.Interface
func (seq inflightSequence) Less(i, j int) bool {
	return seq[i].packet.ID < seq[j].packet.ID
}

// incomingSequence is a sortable array of received packets.
type incomingSequence []*model.Packet

// implement sort.Interface
func (ps incomingSequence) Len() int {
	return len(ps)
}

// implement sort.Interface
func (ps incomingSequence) Swap(i, j int) {
	ps[i], ps[j] = ps[j], ps[i]
}

// implement sort.Interface
func (ps incomingSequence) Less(i, j int) bool {
	return ps[i].ID < ps[j].ID
}
