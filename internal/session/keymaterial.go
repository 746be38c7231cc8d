package session

import (
	"github.com/ooni/vpncore/internal/model"
)

// KeySlot holds one of the derived keys.
type KeySlot [64]byte

// KeyMaterial is the data channel key material of one key ID, seen from
// one peer: local keys encrypt what we send, remote keys what we receive.
type KeyMaterial struct {
	CipherLocal  KeySlot
	HMACLocal    KeySlot
	CipherRemote KeySlot
	HMACRemote   KeySlot
}

var (
	masterSecretLabel = []byte("OpenVPN master secret")
	keyExpansionLabel = []byte("OpenVPN key expansion")
)

// DeriveKeyMaterial expands the client and server key sources into the
// client's view of the key material.
func DeriveKeyMaterial(client, server *KeySource, clientSID, serverSID model.SessionID) *KeyMaterial {
	master := prf(
		client.PreMaster[:],
		masterSecretLabel,
		client.R1[:],
		server.R1[:],
		nil, nil,
		48)
	defer wipeBytes(master)

	keys := prf(
		master,
		keyExpansionLabel,
		client.R2[:],
		server.R2[:],
		clientSID[:],
		serverSID[:],
		256)
	defer wipeBytes(keys)

	km := &KeyMaterial{}
	copy(km.CipherLocal[:], keys[0:64])
	copy(km.HMACLocal[:], keys[64:128])
	copy(km.CipherRemote[:], keys[128:192])
	copy(km.HMACRemote[:], keys[192:256])
	return km
}

// Swap returns the same key material seen from the other peer.
func (km *KeyMaterial) Swap() *KeyMaterial {
	return &KeyMaterial{
		CipherLocal:  km.CipherRemote,
		HMACLocal:    km.HMACRemote,
		CipherRemote: km.CipherLocal,
		HMACRemote:   km.HMACLocal,
	}
}

// Wipe zeroes every slot.
func (km *KeyMaterial) Wipe() {
	km.CipherLocal = KeySlot{}
	km.HMACLocal = KeySlot{}
	km.CipherRemote = KeySlot{}
	km.HMACRemote = KeySlot{}
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
