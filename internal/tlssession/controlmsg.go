package tlssession

//
// The functions in this file deal with control messages. These control
// messages are sent and received over the TLS session once it is
// established: the key-method 2 exchange, the push request and reply and
// the server notifications (RESTART, HALT, AUTH_FAILED).
//

import (
	"bytes"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/ooni/vpncore/internal/bytesx"
	"github.com/ooni/vpncore/internal/model"
	"github.com/ooni/vpncore/internal/session"
)

// controlMessageHeader is the header prefixed to key-method messages.
var controlMessageHeader = []byte{0x00, 0x00, 0x00, 0x00}

// keyMethod2 is the only key method we support.
const keyMethod2 = 0x02

const ivVer = "2.5.5" // OpenVPN version compat that we declare to the server

// ivProto is the IV_PROTO bitmask declared to the server: bit 1 enables
// P_DATA_V2 and the peer-id.
const ivProto = "2"

var (
	// errMissingHeader indicates that we're missing the four-byte all-zero header.
	errMissingHeader = errors.New("missing four-byte all-zero header")

	// errInvalidHeader indicates that the header is not a sequence of four zeroed bytes.
	errInvalidHeader = errors.New("expected four-byte all-zero header")

	// errBadControlMessage indicates that a control message cannot be parsed.
	errBadControlMessage = errors.New("cannot parse control message")

	// errBadKeyMethod indicates we don't support a key method
	errBadKeyMethod = errors.New("unsupported key method")

	// errBadServerReply indicates we didn't get one of the few responses we expected
	errBadServerReply = errors.New("bad server reply")

	// errBadInput indicates invalid inputs.
	errBadInput = errors.New("bad input")
)

// ClientHello is the key-method 2 message sent by the client.
type ClientHello struct {
	Key      *session.KeySource
	Options  string
	Username string
	Password string
	PeerInfo string
}

// peerInfo returns the IV_* variables we declare to the server.
func peerInfo(ciphers []string) string {
	plat := runtime.GOOS
	switch plat {
	case "darwin":
		plat = "mac"
	case "windows":
		plat = "win"
	}
	return fmt.Sprintf(
		"IV_VER=%s\nIV_PLAT=%s\nIV_PROTO=%s\nIV_CIPHERS=%s\n",
		ivVer, plat, ivProto, strings.Join(ciphers, ":"))
}

// EncodeClientHello returns the payload of the first control message the
// client sends: its key material, local options, credentials and peer-info.
func EncodeClientHello(m *ClientHello) ([]byte, error) {
	var out bytes.Buffer
	out.Write(controlMessageHeader)
	out.WriteByte(keyMethod2)
	out.Write(m.Key.Bytes())
	for _, s := range []string{m.Options, m.Username, m.Password, m.PeerInfo} {
		encoded, err := bytesx.EncodeOptionStringToBytes(s)
		if err != nil {
			return nil, err
		}
		out.Write(encoded)
	}
	return out.Bytes(), nil
}

// ParseClientHello is the inverse of [EncodeClientHello]. Username,
// password and peer-info are optional.
func ParseClientHello(message []byte) (*ClientHello, error) {
	if err := checkHeader(message); err != nil {
		return nil, err
	}
	const size = 4 + 1 + 48 + 32 + 32
	if len(message) < size {
		return nil, fmt.Errorf("%w: bad len from client: %d", errBadControlMessage, len(message))
	}
	key := &session.KeySource{}
	copy(key.PreMaster[:], message[5:53])
	copy(key.R1[:], message[53:85])
	copy(key.R2[:], message[85:117])
	buf := bytes.NewBuffer(message[size:])
	hello := &ClientHello{Key: key}
	var err error
	if hello.Options, err = bytesx.ReadOptionString(buf); err != nil {
		return nil, fmt.Errorf("%w: %s", errBadControlMessage, err)
	}
	for _, dst := range []*string{&hello.Username, &hello.Password, &hello.PeerInfo} {
		if buf.Len() == 0 {
			break
		}
		if *dst, err = bytesx.ReadOptionString(buf); err != nil {
			return nil, fmt.Errorf("%w: %s", errBadControlMessage, err)
		}
	}
	return hello, nil
}

// EncodeServerHello returns the key-method 2 reply of the server.
func EncodeServerHello(key *session.KeySource, options string) ([]byte, error) {
	encoded, err := bytesx.EncodeOptionStringToBytes(options)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	out.Write(controlMessageHeader)
	out.WriteByte(keyMethod2)
	out.Write(key.R1[:])
	out.Write(key.R2[:])
	out.Write(encoded)
	return out.Bytes(), nil
}

func checkHeader(message []byte) error {
	if len(message) < 5 {
		return errMissingHeader
	}
	if !bytes.Equal(message[:4], controlMessageHeader) {
		return errInvalidHeader
	}
	if message[4] != keyMethod2 {
		return fmt.Errorf("%w: %d", errBadKeyMethod, message[4])
	}
	return nil
}

// parseServerHello gets a server control message and returns the value for
// the remote key and the server remote options.
func parseServerHello(message []byte) (*session.KeySource, string, error) {
	if err := checkHeader(message); err != nil {
		return nil, "", err
	}
	// header, key method, two randoms and at least the options length.
	if len(message) < 4+1+32+32+2 {
		return nil, "", fmt.Errorf("%w: bad len from server: %d", errBadControlMessage, len(message))
	}
	remoteKey := &session.KeySource{}
	copy(remoteKey.R1[:], message[5:37])
	copy(remoteKey.R2[:], message[37:69])
	options, err := bytesx.DecodeOptionStringFromBytes(message[69:])
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s", errBadControlMessage, "bad options string")
	}
	return remoteKey, options, nil
}

// pushRequest is the message asking the server for the tunnel options.
var pushRequest = append([]byte("PUSH_REQUEST"), 0x00)

// ControlMessageKind classifies the text messages exchanged after the
// key-method 2 exchange.
type ControlMessageKind int

const (
	// ControlUnknown is a message we do not handle.
	ControlUnknown ControlMessageKind = iota

	// ControlPushRequest asks for the tunnel options.
	ControlPushRequest

	// ControlPushReply carries the pushed options.
	ControlPushReply

	// ControlAuthFailed means the server rejected our credentials.
	ControlAuthFailed

	// ControlRestart asks the client to reconnect.
	ControlRestart

	// ControlHalt asks the client to stop.
	ControlHalt
)

// ControlMessage is a parsed text control message.
type ControlMessage struct {
	Kind ControlMessageKind

	// Args is whatever follows the command, e.g. the pushed options or
	// the AUTH_FAILED reason.
	Args string
}

// ParseControlMessage classifies a text control message.
func ParseControlMessage(data []byte) ControlMessage {
	msg := strings.TrimRight(string(data), "\x00")
	for _, cmd := range []struct {
		prefix string
		kind   ControlMessageKind
	}{
		{"PUSH_REQUEST", ControlPushRequest},
		{"PUSH_REPLY", ControlPushReply},
		{"AUTH_FAILED", ControlAuthFailed},
		{"RESTART", ControlRestart},
		{"HALT", ControlHalt},
	} {
		if strings.HasPrefix(msg, cmd.prefix) {
			args := strings.TrimPrefix(msg, cmd.prefix)
			args = strings.TrimLeft(args, ", ")
			return ControlMessage{Kind: cmd.kind, Args: args}
		}
	}
	return ControlMessage{Kind: ControlUnknown, Args: msg}
}

// EncodeControlMessage returns the NUL-terminated wire form of a text
// control message.
func EncodeControlMessage(text string) []byte {
	return append([]byte(text), 0x00)
}

// parseServerPushReply parses the push reply.
func parseServerPushReply(logger model.Logger, resp []byte) (*model.TunnelInfo, model.PushedOptions, error) {
	msg := ParseControlMessage(resp)
	switch msg.Kind {
	case ControlAuthFailed:
		return nil, nil, fmt.Errorf("%w: AUTH_FAILED %s", model.ErrNegotiationFailed, msg.Args)
	case ControlPushReply:
	default:
		return nil, nil, fmt.Errorf("%w: %s", errBadServerReply, "expected push reply")
	}
	optsMap := model.PushedOptionsAsMap([]byte(msg.Args))
	logger.Infof("Server pushed options: %v", optsMap)
	return model.NewTunnelInfoFromPushedOptions(optsMap), optsMap, nil
}
