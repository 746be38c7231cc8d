package datachannel

import "errors"

var (
	// ErrReplay means that we have already seen a data packet-id or that
	// it fell behind the replay window.
	ErrReplay = errors.New("datachannel: replay attack")

	// ErrExpiredKey means that the packet-id space of the primary key
	// is exhausted and we must renegotiate before sending.
	ErrExpiredKey = errors.New("datachannel: key is expired")

	// ErrNoKey means that no key is installed for the requested key ID.
	ErrNoKey = errors.New("datachannel: no such key")

	// ErrBadCompression means that the compression framing is unexpected.
	ErrBadCompression = errors.New("datachannel: bad compression")

	// ErrUnsupportedCipher indicates we don't support the desired cipher.
	ErrUnsupportedCipher = errors.New("datachannel: unsupported cipher")

	// ErrUnsupportedAuth indicates we don't support the desired HMAC digest.
	ErrUnsupportedAuth = errors.New("datachannel: unsupported auth")

	ErrCannotEncrypt = errors.New("datachannel: cannot encrypt")
	ErrCannotDecrypt = errors.New("datachannel: cannot decrypt")

	// errBadHMAC means the HMAC of a CBC packet did not verify.
	errBadHMAC = errors.New("bad hmac")

	// errInvalidKeySize means that the key size is invalid.
	errInvalidKeySize = errors.New("invalid key size")

	// errUnsupportedMode indicates that the mode is not supported.
	errUnsupportedMode = errors.New("unsupported mode")

	// errBadInput indicates invalid inputs to encrypt/decrypt functions.
	errBadInput = errors.New("bad input")
)
