// Package session keeps the identity of a tunnel session: the session IDs
// exchanged with the remote, the key IDs in use, the control packet IDs of
// each key and the key material derived from the negotiated key sources.
package session

import (
	"errors"
	"math"
	"sync"

	"github.com/ooni/vpncore/internal/model"
	"github.com/ooni/vpncore/internal/optional"
	"github.com/ooni/vpncore/internal/runtimex"
)

var (
	// ErrNoRemoteSessionID indicates we are missing the remote session ID.
	ErrNoRemoteSessionID = errors.New("missing remote session ID")

	// ErrExpiredKey means that a packet-id counter is exhausted.
	ErrExpiredKey = errors.New("expired key")
)

// Session is the state of a single tunnel attempt. The zero value is
// invalid; please, construct using [NewSession]. This struct is
// concurrency safe.
type Session struct {
	controlPacketID [model.KeyIDMask + 1]model.PacketID
	keyID           uint8
	localSessionID  model.SessionID
	logger          model.Logger
	mu              sync.Mutex
	remoteSessionID optional.Value[model.SessionID]
}

// NewSession returns a [Session] with a random local session ID.
func NewSession(logger model.Logger) (*Session, error) {
	randomBytes, err := randomFn(8)
	if err != nil {
		return nil, err
	}
	s := &Session{
		logger:          logger,
		remoteSessionID: optional.None[model.SessionID](),
	}
	copy(s.localSessionID[:], randomBytes)
	return s, nil
}

// LocalSessionID gets the local session ID.
func (s *Session) LocalSessionID() model.SessionID {
	defer s.mu.Unlock()
	s.mu.Lock()
	return s.localSessionID
}

// RemoteSessionID gets the remote session ID, if known.
func (s *Session) RemoteSessionID() optional.Value[model.SessionID] {
	defer s.mu.Unlock()
	s.mu.Lock()
	return s.remoteSessionID
}

// IsRemoteSessionIDSet returns whether we've set the remote session ID.
func (s *Session) IsRemoteSessionIDSet() bool {
	defer s.mu.Unlock()
	s.mu.Lock()
	return !s.remoteSessionID.IsNone()
}

// SetRemoteSessionID sets the remote session ID. It panics if called twice.
func (s *Session) SetRemoteSessionID(remoteSessionID model.SessionID) {
	defer s.mu.Unlock()
	s.mu.Lock()
	runtimex.Assert(s.remoteSessionID.IsNone(), "SetRemoteSessionID called more than once")
	s.remoteSessionID = optional.Some(remoteSessionID)
}

// CurrentKeyID returns the key ID of the last key we started negotiating.
func (s *Session) CurrentKeyID() uint8 {
	defer s.mu.Unlock()
	s.mu.Lock()
	return s.keyID
}

// NextKeyID moves to the next key ID and returns it. Key ID 0 is only
// used by the first key: renegotiations cycle through 1..7. The control
// packet-id counter of the new key starts again from zero.
func (s *Session) NextKeyID() uint8 {
	defer s.mu.Unlock()
	s.mu.Lock()
	s.keyID = s.keyID%model.KeyIDMask + 1
	s.controlPacketID[s.keyID] = 0
	return s.keyID
}

// NewControlPacket creates a new control packet for the given key,
// assigning the next control packet-id of that key.
func (s *Session) NewControlPacket(opcode model.Opcode, keyID uint8, payload []byte) (*model.Packet, error) {
	runtimex.Assert(opcode.IsControl(), "NewControlPacket: not a control opcode")
	defer s.mu.Unlock()
	s.mu.Lock()
	keyID &= model.KeyIDMask
	pid := s.controlPacketID[keyID]
	if pid == math.MaxUint32 {
		// we reached the max packetID, increment will overflow
		return nil, ErrExpiredKey
	}
	s.controlPacketID[keyID]++
	packet := model.NewPacket(opcode, keyID, payload)
	packet.LocalSessionID = s.localSessionID
	packet.ID = pid
	if !s.remoteSessionID.IsNone() {
		packet.RemoteSessionID = s.remoteSessionID.Unwrap()
	}
	return packet, nil
}

// NewACK creates a P_ACK_V1 packet for the given key acknowledging ids.
func (s *Session) NewACK(keyID uint8, ids []model.PacketID) (*model.Packet, error) {
	defer s.mu.Unlock()
	s.mu.Lock()
	if s.remoteSessionID.IsNone() {
		return nil, ErrNoRemoteSessionID
	}
	p := model.NewPacket(model.P_ACK_V1, keyID&model.KeyIDMask, []byte{})
	p.LocalSessionID = s.localSessionID
	p.ACKs = append([]model.PacketID{}, ids...)
	p.RemoteSessionID = s.remoteSessionID.Unwrap()
	return p, nil
}
