// Package tracex implements a handshake tracer that can be passed to the
// client configuration to observe state changes and control packets.
package tracex

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/ooni/vpncore/internal/model"
	"github.com/ooni/vpncore/internal/optional"
)

// Event is a handshake event collected by this [model.HandshakeTracer].
type Event struct {
	// EventType is the type for this event.
	EventType model.HandshakeEventType

	// Stage is the state of the tunnel when the event happened.
	Stage model.State

	// AtTime is the time for this event.
	AtTime time.Time

	// ZeroTime is the start time of the trace.
	ZeroTime time.Time

	// Tags can be useful to interpret this event, like the contents of the packet.
	Tags []string

	// LoggedPacket is an optional packet metadata.
	LoggedPacket optional.Value[model.LoggedPacket]

	// TransactionID is an optional index identifying one particular handshake.
	TransactionID int64
}

var _ model.HandshakeEvent = &Event{}

func newEvent(etype model.HandshakeEventType, st model.State, t, t0 time.Time, txid int64) *Event {
	return &Event{
		EventType:     etype,
		Stage:         st,
		AtTime:        t,
		ZeroTime:      t0,
		Tags:          make([]string, 0),
		LoggedPacket:  optional.None[model.LoggedPacket](),
		TransactionID: txid,
	}
}

// Type implements model.HandshakeEvent.
func (e *Event) Type() model.HandshakeEventType {
	return e.EventType
}

// Time implements model.HandshakeEvent.
func (e *Event) Time() time.Time {
	return e.AtTime
}

// Packet implements model.HandshakeEvent.
func (e *Event) Packet() optional.Value[model.LoggedPacket] {
	return e.LoggedPacket
}

// MarshalJSON implements json.Marshaler. Times are seconds since the
// start of the trace.
func (e *Event) MarshalJSON() ([]byte, error) {
	j := struct {
		Type          string              `json:"operation"`
		Stage         string              `json:"stage"`
		Time          float64             `json:"t"`
		Tags          []string            `json:"tags"`
		Packet        *model.LoggedPacket `json:"packet"`
		TransactionID int64               `json:"transaction_id,omitempty"`
	}{
		Type:          e.EventType.String(),
		Stage:         e.Stage.String(),
		Time:          e.AtTime.Sub(e.ZeroTime).Seconds(),
		Tags:          e.Tags,
		TransactionID: e.TransactionID,
	}
	if !e.LoggedPacket.IsNone() {
		p := e.LoggedPacket.Unwrap()
		j.Packet = &p
	}
	return json.Marshal(j)
}

// Tracer implements [model.HandshakeTracer].
type Tracer struct {
	// events is the array of handshake events.
	events []model.HandshakeEvent

	// mu guards access to the events and the stage.
	mu sync.Mutex

	// stage is the last state we have seen.
	stage model.State

	// remote is the endpoint of the last completed handshake.
	remote string

	// transactionID is an optional index that will be added to any events produced by this tracer.
	transactionID int64

	// zeroTime is the time when we started a packet trace.
	zeroTime time.Time

	// timeNow is the clock.
	timeNow func() time.Time
}

var _ model.HandshakeTracer = &Tracer{}

// NewTracer returns a Tracer with the passed start time.
func NewTracer(start time.Time) *Tracer {
	return &Tracer{
		zeroTime: start,
		timeNow:  time.Now,
	}
}

// NewTracerWithTransactionID returns a Tracer with the passed start time and the given
// identifier for a transaction, which is added to every event.
func NewTracerWithTransactionID(start time.Time, txid int64) *Tracer {
	t := NewTracer(start)
	t.transactionID = txid
	return t
}

// TimeNow allows to manipulate time for deterministic tests.
func (t *Tracer) TimeNow() time.Time {
	return t.timeNow()
}

func (t *Tracer) add(etype model.HandshakeEventType, packet *model.Packet, retries int, direction model.Direction) {
	e := newEvent(etype, t.stage, t.TimeNow(), t.zeroTime, t.transactionID)
	if packet != nil {
		e.LoggedPacket = optional.Some(model.NewLoggedPacket(packet, direction, retries))
		maybeAddTagsFromPacket(e, packet)
	}
	t.events = append(t.events, e)
}

// OnStateChange is called for each transition in the state machine.
func (t *Tracer) OnStateChange(state model.State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stage = state
	t.add(model.HandshakeEventStateChange, nil, 0, model.DirectionIncoming)
}

// OnIncomingPacket is called when a packet is received.
func (t *Tracer) OnIncomingPacket(packet *model.Packet) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.add(model.HandshakeEventPacketIn, packet, 0, model.DirectionIncoming)
}

// OnOutgoingPacket is called when a packet is about to be sent.
func (t *Tracer) OnOutgoingPacket(packet *model.Packet, retries int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.add(model.HandshakeEventPacketOut, packet, retries, model.DirectionOutgoing)
}

// OnDroppedPacket is called whenever a packet is dropped (in/out)
func (t *Tracer) OnDroppedPacket(direction model.Direction, packet *model.Packet) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.add(model.HandshakeEventPacketDropped, packet, 0, direction)
}

// OnHandshakeDone is called when the data channel keys are installed.
func (t *Tracer) OnHandshakeDone(remoteAddr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remote = remoteAddr
}

// RemoteAddr returns the endpoint of the last completed handshake.
func (t *Tracer) RemoteAddr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote
}

// Trace returns a structured log containing a copy of the array of [model.HandshakeEvent].
func (t *Tracer) Trace() []model.HandshakeEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]model.HandshakeEvent{}, t.events...)
}

// maybeAddTagsFromPacket attempts to derive meaningful tags from
// the packet payload, and adds it to the tag array in the passed event.
func maybeAddTagsFromPacket(e *Event, packet *model.Packet) {
	p := packet.Payload
	if len(p) < 6 {
		return
	}
	if p[0] == 0x16 && p[5] == 0x01 {
		e.Tags = append(e.Tags, "client_hello")
		return
	}
	if p[0] == 0x16 && p[5] == 0x02 {
		e.Tags = append(e.Tags, "server_hello")
		return
	}
}
