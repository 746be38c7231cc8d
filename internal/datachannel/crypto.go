package datachannel

//
// Ciphers and HMAC factories used by the data channel.
//

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1" //#nosec G505
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/ooni/vpncore/internal/bytesx"
)

type (
	// cipherMode describes a cipher mode (e.g., GCM).
	cipherMode string

	// cipherName is a cipher name (e.g., AES).
	cipherName string
)

const (
	// cipherModeCBC is the CBC cipher mode.
	cipherModeCBC = cipherMode("cbc")

	// cipherModeGCM is the GCM cipher mode.
	cipherModeGCM = cipherMode("gcm")

	// cipherModePoly1305 is the mode of the CHACHA20-POLY1305 AEAD.
	cipherModePoly1305 = cipherMode("poly1305")

	// cipherNameAES is an AES-based cipher.
	cipherNameAES = cipherName("aes")

	// cipherNameChaCha20 is the ChaCha20 stream cipher.
	cipherNameChaCha20 = cipherName("chacha20")
)

// aeadNonceSize is the nonce size shared by every AEAD we support.
const aeadNonceSize = 12

// encryptedData holds the different parts needed to decrypt an encrypted data
// packet.
type encryptedData struct {
	iv         []byte
	ciphertext []byte
	aead       []byte
}

// plaintextData holds the different parts needed to encrypt a plaintext
// payload (after padding, for block ciphers).
type plaintextData struct {
	iv        []byte
	plaintext []byte
	aead      []byte
}

// dataCipher encrypts and decrypts OpenVPN data.
type dataCipher interface {
	// keySizeBytes returns the key size (in bytes).
	keySizeBytes() int

	// isAEAD returns whether this cipher has AEAD properties.
	isAEAD() bool

	// blockSize returns the expected block size, zero for stream ciphers.
	blockSize() uint8

	// encrypt encrypts a plaintext.
	//
	// Arguments:
	//
	// - key is the key, whose size must be at least keySizeBytes;
	//
	// - plaintextData is the data to be encrypted;
	//
	// Returns the ciphertext on success and an error on failure.
	encrypt([]byte, *plaintextData) ([]byte, error)

	// decrypt is the opposite operation of encrypt. It takes in input the
	// ciphertext and returns the plaintext or an error.
	decrypt([]byte, *encryptedData) ([]byte, error)

	// cipherMode returns the cipherMode
	cipherMode() cipherMode
}

// dataCipherAES implements dataCipher for AES.
type dataCipherAES struct {
	// ksb is the key size in bytes
	ksb int

	// mode is the cipher mode
	mode cipherMode
}

var _ dataCipher = &dataCipherAES{}

// keySizeBytes implements dataCipher.keySizeBytes
func (a *dataCipherAES) keySizeBytes() int {
	return a.ksb
}

// isAEAD implements dataCipher.isAEAD
func (a *dataCipherAES) isAEAD() bool {
	return a.mode != cipherModeCBC
}

// blockSize implements dataCipher.blockSize
func (a *dataCipherAES) blockSize() uint8 {
	switch a.mode {
	case cipherModeCBC, cipherModeGCM:
		return 16
	default:
		return 0
	}
}

func (a *dataCipherAES) cipherMode() cipherMode {
	return a.mode
}

// decrypt implements dataCipher.decrypt. The key comes from a prf derivation
// and may be longer than needed: we only use its first keySizeBytes.
func (a *dataCipherAES) decrypt(key []byte, data *encryptedData) ([]byte, error) {
	if len(key) < a.keySizeBytes() {
		return nil, errInvalidKeySize
	}
	block, err := aes.NewCipher(key[:a.keySizeBytes()])
	if err != nil {
		return nil, err
	}
	switch a.mode {
	case cipherModeCBC:
		return decryptCBC(block, data)
	case cipherModeGCM:
		if len(data.iv) != aeadNonceSize {
			return nil, fmt.Errorf("%w: wrong size for iv: %v", ErrCannotDecrypt, len(data.iv))
		}
		aesGCM, err := cipher.NewGCM(block)
		if err != nil {
			return nil, err
		}
		plaintext, err := aesGCM.Open(nil, data.iv, data.ciphertext, data.aead)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrCannotDecrypt, err)
		}
		return plaintext, nil
	default:
		return nil, errUnsupportedMode
	}
}

func decryptCBC(block cipher.Block, data *encryptedData) ([]byte, error) {
	bs := block.BlockSize()
	if len(data.iv) != bs {
		return nil, fmt.Errorf("%w: wrong size for iv: %v", ErrCannotDecrypt, len(data.iv))
	}
	if len(data.ciphertext) == 0 || len(data.ciphertext)%bs != 0 {
		return nil, fmt.Errorf("%w: ciphertext is not a multiple of the block size", ErrCannotDecrypt)
	}
	mode := cipher.NewCBCDecrypter(block, data.iv)
	plaintext := make([]byte, len(data.ciphertext))
	mode.CryptBlocks(plaintext, data.ciphertext)
	plaintext, err := bytesx.BytesUnpadPKCS7(plaintext, bs)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCannotDecrypt, err)
	}
	return plaintext, nil
}

// encrypt implements dataCipher.encrypt. As for decrypt, we only use the
// first keySizeBytes of the key.
func (a *dataCipherAES) encrypt(key []byte, data *plaintextData) ([]byte, error) {
	if len(key) < a.keySizeBytes() {
		return nil, errInvalidKeySize
	}
	block, err := aes.NewCipher(key[:a.keySizeBytes()])
	if err != nil {
		return nil, err
	}
	blockSize := block.BlockSize()
	switch a.mode {
	case cipherModeCBC:
		if len(data.iv) != blockSize {
			return []byte{}, fmt.Errorf("%w: wrong size for iv: %v", ErrCannotEncrypt, len(data.iv))
		}
		if len(data.plaintext)%blockSize != 0 {
			return []byte{}, fmt.Errorf("%w: wrong padding", ErrCannotEncrypt)
		}
		mode := cipher.NewCBCEncrypter(block, data.iv)
		ciphertext := make([]byte, len(data.plaintext))
		mode.CryptBlocks(ciphertext, data.plaintext)
		return ciphertext, nil

	case cipherModeGCM:
		if len(data.iv) != aeadNonceSize {
			return []byte{}, fmt.Errorf("%w: wrong size for iv: %v", ErrCannotEncrypt, len(data.iv))
		}
		aesGCM, err := cipher.NewGCM(block)
		if err != nil {
			return nil, err
		}
		// The nonce is the 32-bit packet counter followed by eight bytes of
		// the (otherwise unused) HMAC key. The counter never wraps within
		// a key, so every nonce is unique.
		return aesGCM.Seal(nil, data.iv, data.plaintext, data.aead), nil

	default:
		return nil, errUnsupportedMode
	}
}

// dataCipherChaCha implements dataCipher for CHACHA20-POLY1305.
type dataCipherChaCha struct{}

var _ dataCipher = &dataCipherChaCha{}

func (c *dataCipherChaCha) keySizeBytes() int {
	return chacha20poly1305.KeySize
}

func (c *dataCipherChaCha) isAEAD() bool {
	return true
}

func (c *dataCipherChaCha) blockSize() uint8 {
	return 0
}

func (c *dataCipherChaCha) cipherMode() cipherMode {
	return cipherModePoly1305
}

func (c *dataCipherChaCha) aead(key []byte) (cipher.AEAD, error) {
	if len(key) < chacha20poly1305.KeySize {
		return nil, errInvalidKeySize
	}
	return chacha20poly1305.New(key[:chacha20poly1305.KeySize])
}

func (c *dataCipherChaCha) encrypt(key []byte, data *plaintextData) ([]byte, error) {
	if len(data.iv) != chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("%w: wrong size for iv: %v", ErrCannotEncrypt, len(data.iv))
	}
	aead, err := c.aead(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, data.iv, data.plaintext, data.aead), nil
}

func (c *dataCipherChaCha) decrypt(key []byte, data *encryptedData) ([]byte, error) {
	if len(data.iv) != chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("%w: wrong size for iv: %v", ErrCannotDecrypt, len(data.iv))
	}
	aead, err := c.aead(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, data.iv, data.ciphertext, data.aead)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCannotDecrypt, err)
	}
	return plaintext, nil
}

// newDataCipherFromCipherSuite constructs a new dataCipher from the cipher suite string.
func newDataCipherFromCipherSuite(c string) (dataCipher, error) {
	switch c {
	case "AES-128-CBC":
		return newDataCipher(cipherNameAES, 128, cipherModeCBC)
	case "AES-192-CBC":
		return newDataCipher(cipherNameAES, 192, cipherModeCBC)
	case "AES-256-CBC":
		return newDataCipher(cipherNameAES, 256, cipherModeCBC)
	case "AES-128-GCM":
		return newDataCipher(cipherNameAES, 128, cipherModeGCM)
	case "AES-192-GCM":
		return newDataCipher(cipherNameAES, 192, cipherModeGCM)
	case "AES-256-GCM":
		return newDataCipher(cipherNameAES, 256, cipherModeGCM)
	case "CHACHA20-POLY1305":
		return newDataCipher(cipherNameChaCha20, 256, cipherModePoly1305)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCipher, c)
	}
}

// newDataCipher constructs a new dataCipher from the given name, bits, and mode.
func newDataCipher(name cipherName, bits int, mode cipherMode) (dataCipher, error) {
	if bits%8 != 0 || bits > 512 || bits < 64 {
		return nil, fmt.Errorf("%w: %d", errInvalidKeySize, bits)
	}
	switch name {
	case cipherNameAES:
		switch mode {
		case cipherModeCBC, cipherModeGCM:
		default:
			return nil, fmt.Errorf("%w: %s", errUnsupportedMode, mode)
		}
		return &dataCipherAES{ksb: bits / 8, mode: mode}, nil
	case cipherNameChaCha20:
		if mode != cipherModePoly1305 {
			return nil, fmt.Errorf("%w: %s", errUnsupportedMode, mode)
		}
		if bits != 256 {
			return nil, fmt.Errorf("%w: %d", errInvalidKeySize, bits)
		}
		return &dataCipherChaCha{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCipher, name)
	}
}

// newHMACFactory accepts a label coming from an OpenVPN auth label, and returns two
// values: a function that will return a Hash implementation, and a boolean
// indicating if the operation was successful.
func newHMACFactory(name string) (func() hash.Hash, bool) {
	switch strings.ToLower(name) {
	case "sha1":
		return sha1.New, true
	case "sha256":
		return sha256.New, true
	case "sha512":
		return sha512.New, true
	default:
		return nil, false
	}
}
