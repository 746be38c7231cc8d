package session

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/ooni/vpncore/internal/model"
	"github.com/ooni/vpncore/internal/vpntest"
)

func newTestSession(t *testing.T) *Session {
	s, err := NewSession(model.NewTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestNewSession(t *testing.T) {
	s := newTestSession(t)
	if s.LocalSessionID() == (model.SessionID{}) {
		t.Error("expected a random local session ID")
	}
	if s.IsRemoteSessionIDSet() {
		t.Error("remote session ID should not be set")
	}
	if s.CurrentKeyID() != 0 {
		t.Error("first key should be zero")
	}
}

func TestSession_SetRemoteSessionID(t *testing.T) {
	s := newTestSession(t)
	remote := model.SessionID{0xaa}
	s.SetRemoteSessionID(remote)
	if got := s.RemoteSessionID().Unwrap(); got != remote {
		t.Errorf("got %x", got)
	}
	vpntest.AssertPanic(t, func() {
		s.SetRemoteSessionID(remote)
	})
}

func TestSession_NextKeyID(t *testing.T) {
	s := newTestSession(t)
	var got []uint8
	for i := 0; i < 9; i++ {
		got = append(got, s.NextKeyID())
	}
	want := []uint8{1, 2, 3, 4, 5, 6, 7, 1, 2}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Error(diff)
	}
}

func TestSession_NewControlPacket(t *testing.T) {
	t.Run("packet IDs grow per key and restart on a new key", func(t *testing.T) {
		s := newTestSession(t)
		for want := model.PacketID(0); want < 3; want++ {
			p, err := s.NewControlPacket(model.P_CONTROL_V1, 0, []byte("x"))
			if err != nil {
				t.Fatal(err)
			}
			if p.ID != want {
				t.Errorf("expected id %d, got %d", want, p.ID)
			}
			if p.LocalSessionID != s.LocalSessionID() {
				t.Error("wrong local session ID")
			}
		}
		keyID := s.NextKeyID()
		p, err := s.NewControlPacket(model.P_CONTROL_SOFT_RESET_V1, keyID, nil)
		if err != nil {
			t.Fatal(err)
		}
		if p.ID != 0 || p.KeyID != keyID {
			t.Errorf("unexpected packet: id=%d key=%d", p.ID, p.KeyID)
		}
	})

	t.Run("the remote session ID is filled once known", func(t *testing.T) {
		s := newTestSession(t)
		s.SetRemoteSessionID(model.SessionID{0x01})
		p, err := s.NewControlPacket(model.P_CONTROL_V1, 0, nil)
		if err != nil {
			t.Fatal(err)
		}
		if p.RemoteSessionID != (model.SessionID{0x01}) {
			t.Errorf("got %x", p.RemoteSessionID)
		}
	})

	t.Run("an exhausted counter returns ErrExpiredKey", func(t *testing.T) {
		s := newTestSession(t)
		s.controlPacketID[0] = 0xffffffff
		if _, err := s.NewControlPacket(model.P_CONTROL_V1, 0, nil); !errors.Is(err, ErrExpiredKey) {
			t.Errorf("expected ErrExpiredKey, got %v", err)
		}
	})
}

func TestSession_NewACK(t *testing.T) {
	s := newTestSession(t)
	if _, err := s.NewACK(0, []model.PacketID{1}); !errors.Is(err, ErrNoRemoteSessionID) {
		t.Fatalf("expected ErrNoRemoteSessionID, got %v", err)
	}
	s.SetRemoteSessionID(model.SessionID{0x02})
	p, err := s.NewACK(3, []model.PacketID{1, 2})
	if err != nil {
		t.Fatal(err)
	}
	if p.Opcode != model.P_ACK_V1 || p.KeyID != 3 {
		t.Errorf("unexpected header: %s key=%d", p.Opcode, p.KeyID)
	}
	if diff := cmp.Diff([]model.PacketID{1, 2}, p.ACKs); diff != "" {
		t.Error(diff)
	}
}
