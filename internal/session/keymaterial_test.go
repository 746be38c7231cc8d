package session

import (
	"bytes"
	"testing"

	"github.com/ooni/vpncore/internal/model"
)

func TestPrf(t *testing.T) {
	expected := []byte{
		0x67, 0x18, 0x7c, 0x52, 0xac, 0xd2, 0x4d, 0x95,
		0x9a, 0x55, 0xd3, 0x1c, 0xdb, 0x97, 0x80, 0x11}
	secret := []byte("secret")
	label := []byte("master key")
	cseed := []byte("aaa")
	sseed := []byte("bbb")
	out := prf(secret, label, cseed, sseed, []byte{}, []byte{}, 16)
	if !bytes.Equal(out, expected) {
		t.Errorf("Bad output in prf call: %v", out)
	}
}

func TestPrfDoesNotAliasSeeds(t *testing.T) {
	cseed := make([]byte, 3, 64)
	copy(cseed, "aaa")
	prf([]byte("secret"), []byte("label"), cseed, []byte("bbb"), nil, nil, 16)
	if string(cseed[:cap(cseed)][3:6]) != "\x00\x00\x00" {
		t.Error("prf wrote into the client seed backing array")
	}
}

func makeTestKeySources() (*KeySource, *KeySource) {
	r1, r2, premaster := makeTestKeys()
	client := &KeySource{R1: r1, R2: r2, PreMaster: premaster}
	server := &KeySource{}
	copy(server.R1[:], bytes.Repeat([]byte{0x11}, 32))
	copy(server.R2[:], bytes.Repeat([]byte{0x22}, 32))
	return client, server
}

func TestDeriveKeyMaterial(t *testing.T) {
	client, server := makeTestKeySources()
	csid := model.SessionID{1, 2, 3, 4, 5, 6, 7, 8}
	ssid := model.SessionID{8, 7, 6, 5, 4, 3, 2, 1}

	t.Run("derivation is deterministic and fills distinct slots", func(t *testing.T) {
		km1 := DeriveKeyMaterial(client, server, csid, ssid)
		km2 := DeriveKeyMaterial(client, server, csid, ssid)
		if *km1 != *km2 {
			t.Fatal("derivation is not deterministic")
		}
		slots := []KeySlot{km1.CipherLocal, km1.HMACLocal, km1.CipherRemote, km1.HMACRemote}
		for i := range slots {
			if slots[i] == (KeySlot{}) {
				t.Errorf("slot %d is empty", i)
			}
			for j := i + 1; j < len(slots); j++ {
				if slots[i] == slots[j] {
					t.Errorf("slots %d and %d are equal", i, j)
				}
			}
		}
	})

	t.Run("session IDs are part of the derivation", func(t *testing.T) {
		km1 := DeriveKeyMaterial(client, server, csid, ssid)
		km2 := DeriveKeyMaterial(client, server, csid, model.SessionID{})
		if *km1 == *km2 {
			t.Fatal("expected different key material")
		}
	})

	t.Run("the server view is the swapped client view", func(t *testing.T) {
		clientView := DeriveKeyMaterial(client, server, csid, ssid)
		serverView := clientView.Swap()
		if serverView.CipherLocal != clientView.CipherRemote || serverView.HMACRemote != clientView.HMACLocal {
			t.Fatal("swap did not exchange the slots")
		}
		if *serverView.Swap() != *clientView {
			t.Fatal("swapping twice should be the identity")
		}
	})

	t.Run("wipe zeroes every slot", func(t *testing.T) {
		km := DeriveKeyMaterial(client, server, csid, ssid)
		km.Wipe()
		if *km != (KeyMaterial{}) {
			t.Fatal("expected zeroed key material")
		}
	})
}
