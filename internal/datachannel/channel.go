package datachannel

import (
	"bytes"
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"math"
	"time"

	"github.com/ooni/vpncore/internal/bytesx"
	"github.com/ooni/vpncore/internal/model"
	"github.com/ooni/vpncore/internal/session"
	"github.com/ooni/vpncore/pkg/config"
)

const (
	// tagSize is the size of the AEAD authentication tag.
	tagSize = 16

	// packetIDSize is the size of a data packet-id on the wire.
	packetIDSize = 4

	// renegPacketIDThreshold is the packet-id after which we ask for a
	// new key, well before the space is exhausted.
	renegPacketIDThreshold = model.PacketID(0xff000000)
)

// genRandomFn generates the CBC IVs.
var genRandomFn = bytesx.GenRandomBytes

// Options configures a [Channel].
type Options struct {
	// Cipher is the negotiated data cipher (e.g., AES-256-GCM).
	Cipher string

	// Auth is the HMAC digest used with CBC ciphers (e.g., SHA1).
	Auth string

	// Compress is the compression framing.
	Compress config.Compression

	// ReplayWindow is the replay window size; zero is strict.
	ReplayWindow int

	// TranWindow is how long the previous key stays valid after a rotation.
	TranWindow time.Duration

	// RenegSec is the key lifetime; zero disables it.
	RenegSec time.Duration

	// RenegBytes is the traffic after which we renegotiate; zero disables it.
	RenegBytes int64
}

// NewOptionsFromProfile returns the options for the given profile and cipher.
func NewOptionsFromProfile(profile *config.Profile, cipher string) Options {
	return Options{
		Cipher:       cipher,
		Auth:         profile.Auth,
		Compress:     profile.Compress,
		ReplayWindow: profile.ReplayWindow,
		TranWindow:   profile.TranWindow,
		RenegSec:     profile.RenegSec,
		RenegBytes:   profile.RenegBytes,
	}
}

// keyState is an installed key.
type keyState struct {
	keyID         uint8
	material      *session.KeyMaterial
	installedAt   time.Time
	expiresAt     time.Time
	localPacketID model.PacketID
	replay        *replayWindow
	bytes         int64
}

func (ks *keyState) wipe() {
	ks.material.Wipe()
}

// Counters are the cumulative data channel counters.
type Counters struct {
	// AuthFailures counts the packets that failed authentication.
	AuthFailures int64

	// ReplayDrops counts the packets dropped by the replay window.
	ReplayDrops int64
}

// Channel encrypts and decrypts data packets. It is not safe for
// concurrent use: the protocol worker owns it.
type Channel struct {
	cipher         dataCipher
	compress       config.Compression
	consecutiveBad int
	counters       Counters
	hmacFactory    func() hash.Hash
	lameDuck       *keyState
	logger         model.Logger
	options        Options
	peerID         model.PeerID
	primary        *keyState
	usePeerID      bool
}

// New creates a [Channel] with no keys installed.
func New(logger model.Logger, options Options) (*Channel, error) {
	dc, err := newDataCipherFromCipherSuite(options.Cipher)
	if err != nil {
		return nil, err
	}
	c := &Channel{
		cipher:   dc,
		compress: options.Compress,
		logger:   logger,
		options:  options,
	}
	if !dc.isAEAD() {
		hf, ok := newHMACFactory(options.Auth)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedAuth, options.Auth)
		}
		c.hmacFactory = hf
	}
	return c, nil
}

// SetPeerID switches the channel to P_DATA_V2 with the given peer-id.
func (c *Channel) SetPeerID(id model.PeerID) {
	c.peerID = id
	c.usePeerID = true
}

// Install makes km the primary key for keyID. The previous primary becomes
// the lame duck until now plus the transition window, and the previous lame
// duck is wiped.
func (c *Channel) Install(keyID uint8, km *session.KeyMaterial, now time.Time) {
	if c.lameDuck != nil {
		c.lameDuck.wipe()
		c.lameDuck = nil
	}
	if old := c.primary; old != nil {
		if c.options.TranWindow > 0 && old.keyID != keyID {
			old.expiresAt = now.Add(c.options.TranWindow)
			c.lameDuck = old
		} else {
			old.wipe()
		}
	}
	c.primary = &keyState{
		keyID:       keyID,
		material:    km,
		installedAt: now,
		replay:      newReplayWindow(c.options.ReplayWindow),
	}
	c.logger.Debugf("datachannel: installed key %d", keyID)
}

// PrimaryKeyID returns the key ID used for sending and whether a key is installed.
func (c *Channel) PrimaryKeyID() (uint8, bool) {
	if c.primary == nil {
		return 0, false
	}
	return c.primary.keyID, true
}

// HasKey returns whether keyID can decrypt.
func (c *Channel) HasKey(keyID uint8) bool {
	return c.slot(keyID) != nil
}

// Expire wipes the lame duck key once its transition window is over.
func (c *Channel) Expire(now time.Time) {
	if c.lameDuck != nil && !now.Before(c.lameDuck.expiresAt) {
		c.logger.Debugf("datachannel: lame duck key %d expired", c.lameDuck.keyID)
		c.lameDuck.wipe()
		c.lameDuck = nil
	}
}

// NeedsRenegotiation returns whether the primary key is due for rotation.
func (c *Channel) NeedsRenegotiation(now time.Time) bool {
	k := c.primary
	if k == nil {
		return false
	}
	switch {
	case c.options.RenegSec > 0 && now.Sub(k.installedAt) >= c.options.RenegSec:
		return true
	case c.options.RenegBytes > 0 && k.bytes >= c.options.RenegBytes:
		return true
	default:
		return k.localPacketID >= renegPacketIDThreshold
	}
}

// AuthFailures returns the number of consecutive packets that failed authentication.
func (c *Channel) AuthFailures() int {
	return c.consecutiveBad
}

// Counters returns the cumulative counters.
func (c *Channel) Counters() Counters {
	return c.counters
}

// Wipe zeroes every installed key.
func (c *Channel) Wipe() {
	if c.primary != nil {
		c.primary.wipe()
		c.primary = nil
	}
	if c.lameDuck != nil {
		c.lameDuck.wipe()
		c.lameDuck = nil
	}
}

func (c *Channel) slot(keyID uint8) *keyState {
	if c.primary != nil && c.primary.keyID == keyID {
		return c.primary
	}
	if c.lameDuck != nil && c.lameDuck.keyID == keyID {
		return c.lameDuck
	}
	return nil
}

// header returns the opcode byte and, for P_DATA_V2, the peer-id.
func (c *Channel) header(keyID uint8) []byte {
	if c.usePeerID {
		p := model.NewPacket(model.P_DATA_V2, keyID, nil)
		return []byte{p.Header(), c.peerID[0], c.peerID[1], c.peerID[2]}
	}
	return []byte{model.NewPacket(model.P_DATA_V1, keyID, nil).Header()}
}

// Encrypt encrypts payload with the primary key and returns the packet
// ready to be sent on the wire.
func (c *Channel) Encrypt(payload []byte) ([]byte, error) {
	k := c.primary
	if k == nil {
		return nil, ErrNoKey
	}
	if k.localPacketID == math.MaxUint32 {
		return nil, ErrExpiredKey
	}
	k.localPacketID++
	k.bytes += int64(len(payload))
	framed := frameCompression(c.compress, payload)
	header := c.header(k.keyID)
	if c.cipher.isAEAD() {
		return c.encryptAEAD(k, header, framed)
	}
	return c.encryptCBC(k, header, framed)
}

// encryptAEAD produces header | pid | tag | ciphertext. The nonce is the
// packet-id followed by the first bytes of the local HMAC key.
func (c *Channel) encryptAEAD(k *keyState, header, framed []byte) ([]byte, error) {
	pid := make([]byte, packetIDSize)
	binary.BigEndian.PutUint32(pid, uint32(k.localPacketID))
	iv := aeadNonce(pid, &k.material.HMACLocal)
	sealed, err := c.cipher.encrypt(k.material.CipherLocal[:], &plaintextData{
		iv:        iv,
		plaintext: framed,
		aead:      aeadAdditionalData(header, pid),
	})
	if err != nil {
		return nil, err
	}
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]
	out := make([]byte, 0, len(header)+packetIDSize+len(sealed))
	out = append(out, header...)
	out = append(out, pid...)
	out = append(out, tag...)
	return append(out, ct...), nil
}

// encryptCBC produces header | hmac(iv|ct) | iv | ct, where the plaintext
// starts with the packet-id.
func (c *Channel) encryptCBC(k *keyState, header, framed []byte) ([]byte, error) {
	buf := &bytes.Buffer{}
	bytesx.WriteUint32(buf, uint32(k.localPacketID))
	buf.Write(framed)
	padded, err := bytesx.BytesPadPKCS7(buf.Bytes(), int(c.cipher.blockSize()))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCannotEncrypt, err)
	}
	iv, err := genRandomFn(int(c.cipher.blockSize()))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCannotEncrypt, err)
	}
	ct, err := c.cipher.encrypt(k.material.CipherLocal[:], &plaintextData{iv: iv, plaintext: padded})
	if err != nil {
		return nil, err
	}
	mac := c.mac(&k.material.HMACLocal, iv, ct)
	out := make([]byte, 0, len(header)+len(mac)+len(iv)+len(ct))
	out = append(out, header...)
	out = append(out, mac...)
	out = append(out, iv...)
	return append(out, ct...), nil
}

func (c *Channel) mac(key *session.KeySlot, iv, ct []byte) []byte {
	h := c.hmacFactory()
	m := hmac.New(c.hmacFactory, key[:h.Size()])
	m.Write(iv)
	m.Write(ct)
	return m.Sum(nil)
}

// Decrypt authenticates and decrypts a data packet with the key named by
// its key ID, and returns the tunnel payload. Packets for unknown keys are
// rejected with [ErrNoKey] without counting them as authentication failures.
func (c *Channel) Decrypt(p *model.Packet) ([]byte, error) {
	if !p.IsData() {
		return nil, fmt.Errorf("%w: not a data packet", errBadInput)
	}
	k := c.slot(p.KeyID)
	if k == nil {
		return nil, fmt.Errorf("%w: %d", ErrNoKey, p.KeyID)
	}
	var (
		pid    model.PacketID
		framed []byte
		err    error
	)
	if c.cipher.isAEAD() {
		pid, framed, err = c.decryptAEAD(k, p)
	} else {
		pid, framed, err = c.decryptCBC(k, p)
	}
	if err != nil {
		if !isReplay(err) {
			c.consecutiveBad++
			c.counters.AuthFailures++
		}
		return nil, err
	}
	k.replay.mark(pid)
	c.consecutiveBad = 0
	payload, err := unframeCompression(c.compress, framed)
	if err != nil {
		return nil, err
	}
	k.bytes += int64(len(payload))
	return payload, nil
}

func (c *Channel) decryptAEAD(k *keyState, p *model.Packet) (model.PacketID, []byte, error) {
	if len(p.Payload) < packetIDSize+tagSize {
		return 0, nil, fmt.Errorf("%w: packet too short", ErrCannotDecrypt)
	}
	rawPID := p.Payload[:packetIDSize]
	pid := model.PacketID(binary.BigEndian.Uint32(rawPID))
	if err := c.checkReplay(k, pid); err != nil {
		return 0, nil, err
	}
	tag := p.Payload[packetIDSize : packetIDSize+tagSize]
	ct := p.Payload[packetIDSize+tagSize:]
	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)
	var header []byte
	if p.Opcode == model.P_DATA_V2 {
		header = []byte{p.Header(), p.PeerID[0], p.PeerID[1], p.PeerID[2]}
	}
	plaintext, err := c.cipher.decrypt(k.material.CipherRemote[:], &encryptedData{
		iv:         aeadNonce(rawPID, &k.material.HMACRemote),
		ciphertext: sealed,
		aead:       aeadAdditionalData(header, rawPID),
	})
	if err != nil {
		return 0, nil, err
	}
	return pid, plaintext, nil
}

func (c *Channel) decryptCBC(k *keyState, p *model.Packet) (model.PacketID, []byte, error) {
	hashSize := c.hmacFactory().Size()
	bs := int(c.cipher.blockSize())
	if len(p.Payload) < hashSize+bs+bs {
		return 0, nil, fmt.Errorf("%w: packet too short", ErrCannotDecrypt)
	}
	received := p.Payload[:hashSize]
	iv := p.Payload[hashSize : hashSize+bs]
	ct := p.Payload[hashSize+bs:]
	if !hmac.Equal(received, c.mac(&k.material.HMACRemote, iv, ct)) {
		return 0, nil, fmt.Errorf("%w: %w", ErrCannotDecrypt, errBadHMAC)
	}
	plaintext, err := c.cipher.decrypt(k.material.CipherRemote[:], &encryptedData{iv: iv, ciphertext: ct})
	if err != nil {
		return 0, nil, err
	}
	if len(plaintext) < packetIDSize {
		return 0, nil, fmt.Errorf("%w: missing packet-id", ErrCannotDecrypt)
	}
	pid := model.PacketID(binary.BigEndian.Uint32(plaintext[:packetIDSize]))
	if err := c.checkReplay(k, pid); err != nil {
		return 0, nil, err
	}
	return pid, plaintext[packetIDSize:], nil
}

func (c *Channel) checkReplay(k *keyState, pid model.PacketID) error {
	if err := k.replay.check(pid); err != nil {
		c.counters.ReplayDrops++
		return err
	}
	return nil
}

func isReplay(err error) bool {
	return errors.Is(err, ErrReplay)
}

// aeadNonce returns pid | hmacKey[:8].
func aeadNonce(pid []byte, hmacKey *session.KeySlot) []byte {
	nonce := make([]byte, 0, aeadNonceSize)
	nonce = append(nonce, pid...)
	return append(nonce, hmacKey[:aeadNonceSize-packetIDSize]...)
}

// aeadAdditionalData returns the authenticated header: opcode, peer-id
// and packet-id for P_DATA_V2, the packet-id alone for P_DATA_V1.
func aeadAdditionalData(header, pid []byte) []byte {
	if len(header) <= 1 {
		return append([]byte{}, pid...)
	}
	ad := make([]byte, 0, len(header)+len(pid))
	ad = append(ad, header...)
	return append(ad, pid...)
}
