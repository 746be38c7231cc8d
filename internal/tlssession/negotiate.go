// Package tlssession negotiates the keys of the data channel: it runs the
// TLS handshake over the reliable control channel, the key-method 2
// exchange and, for the first key, the push request.
package tlssession

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/ooni/vpncore/internal/model"
	"github.com/ooni/vpncore/internal/session"
	"github.com/ooni/vpncore/pkg/config"
)

// maxControlMessageSize is the buffer we use to read control messages.
const maxControlMessageSize = 1 << 17

// Request contains the inputs of a key negotiation.
type Request struct {
	// Profile is the profile in use.
	Profile *config.Profile

	// Proto is the transport protocol, declared in our options string.
	Proto config.Proto

	// Local is our key source for this key.
	Local *session.KeySource

	// PushRequest must be true for the first key of a session.
	PushRequest bool

	// Parrot enables the OpenVPN ClientHello fingerprint.
	Parrot bool
}

// Result is the outcome of a successful negotiation.
type Result struct {
	// Conn is the established TLS session, which carries the control
	// messages for this key.
	Conn net.Conn

	// Remote is the key source of the server.
	Remote *session.KeySource

	// RemoteOptions is the options string of the server.
	RemoteOptions string

	// TunnelInfo is only set when we sent a push request.
	TunnelInfo *model.TunnelInfo

	// Pushed contains the raw pushed options, if any.
	Pushed model.PushedOptions

	// Cipher is the data cipher to use.
	Cipher string
}

// Negotiate runs the TLS handshake and the key exchange over bio. When ctx
// is done we close bio, which interrupts any blocking operation.
// Certificate, credential and cipher errors wrap
// [model.ErrNegotiationFailed].
func Negotiate(ctx context.Context, logger model.Logger, bio net.Conn, req *Request) (*Result, error) {
	stop := context.AfterFunc(ctx, func() {
		bio.Close()
	})
	defer stop()

	result, err := negotiate(logger, bio, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: key negotiation: %w", model.ErrTimeout, ctxErr)
			}
			return nil, ctxErr
		}
		return nil, err
	}
	return result, nil
}

func negotiate(logger model.Logger, bio net.Conn, req *Request) (*Result, error) {
	certCfg, err := newCertConfigFromProfile(req.Profile)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrNegotiationFailed, err)
	}
	tlsConf, err := initTLSFn(certCfg, req.Profile.TLSMaxVer)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrNegotiationFailed, err)
	}

	logger.Debug("tlssession: TLS handshake")
	tlsConn, err := tlsHandshakeFn(bio, tlsConf, req.Parrot)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", model.ErrNegotiationFailed, err)
	}

	hello, err := EncodeClientHello(&ClientHello{
		Key:      req.Local,
		Options:  req.Profile.ServerOptionsString(req.Proto),
		Username: req.Profile.Username,
		Password: req.Profile.Password,
		PeerInfo: peerInfo(req.Profile.Ciphers()),
	})
	if err != nil {
		return nil, err
	}
	if _, err := tlsConn.Write(hello); err != nil {
		return nil, err
	}

	data, err := ReadRawControlMessage(tlsConn)
	if err != nil {
		return nil, err
	}
	if msg := ParseControlMessage(data); msg.Kind == ControlAuthFailed {
		return nil, fmt.Errorf("%w: AUTH_FAILED %s", model.ErrNegotiationFailed, msg.Args)
	}
	remoteKey, remoteOptions, err := parseServerHello(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrNegotiationFailed, err)
	}
	logger.Debugf("tlssession: remote options: %s", remoteOptions)

	result := &Result{
		Conn:          tlsConn,
		Remote:        remoteKey,
		RemoteOptions: remoteOptions,
	}
	if !req.PushRequest {
		return result, nil
	}

	if _, err := tlsConn.Write(pushRequest); err != nil {
		return nil, err
	}
	reply, err := ReadRawControlMessage(tlsConn)
	if err != nil {
		return nil, err
	}
	tinfo, pushed, err := parseServerPushReply(logger, reply)
	if err != nil {
		if errors.Is(err, model.ErrNegotiationFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", model.ErrNegotiationFailed, err)
	}
	cipher, err := selectCipher(req.Profile, tinfo.Cipher, remoteOptions)
	if err != nil {
		return nil, err
	}
	tinfo.Cipher = cipher
	result.TunnelInfo = tinfo
	result.Pushed = pushed
	result.Cipher = cipher
	return result, nil
}

// ReadRawControlMessage reads a single control message without parsing it.
func ReadRawControlMessage(conn net.Conn) ([]byte, error) {
	buffer := make([]byte, maxControlMessageSize)
	count, err := conn.Read(buffer)
	if err != nil {
		return nil, err
	}
	return buffer[:count], nil
}

// ReadControlMessage reads the next control message from an established
// TLS session.
func ReadControlMessage(conn net.Conn) (ControlMessage, error) {
	data, err := ReadRawControlMessage(conn)
	if err != nil {
		return ControlMessage{}, err
	}
	return ParseControlMessage(data), nil
}

// selectCipher picks the data cipher. A pushed cipher must be one we
// offered. Without a pushed cipher we use the legacy cipher option, then
// the one in the server options, then our first choice.
func selectCipher(p *config.Profile, pushed, remoteOptions string) (string, error) {
	offered := p.Ciphers()
	if pushed != "" {
		for _, c := range offered {
			if strings.EqualFold(c, pushed) {
				return c, nil
			}
		}
		return "", fmt.Errorf("%w: server pushed cipher %s that we did not offer", model.ErrNegotiationFailed, pushed)
	}
	if p.Cipher != "" {
		return p.Cipher, nil
	}
	for _, opt := range strings.Split(remoteOptions, ",") {
		if c, found := strings.CutPrefix(opt, "cipher "); found {
			c = strings.ToUpper(strings.TrimSpace(c))
			if _, ok := config.SupportedCiphers[c]; ok {
				return c, nil
			}
		}
	}
	return offered[0], nil
}
