package tlssession

//
// TLS initialization for the control channel.
//
// We use uTLS to parrot a ClientHello that can reasonably blend with a
// recent openvpn+openssl client (2.5.x) when parroting is enabled.
//

import (
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"

	tls "github.com/refraction-networking/utls"

	"github.com/ooni/vpncore/pkg/config"
)

var (
	// ErrBadTLSHandshake is returned when the TLS handshake failed.
	ErrBadTLSHandshake = errors.New("handshake failure")

	// ErrBadCA is returned when the CA file cannot be found or is not valid.
	ErrBadCA = errors.New("bad ca conf")

	// ErrBadKeypair is returned when the key or cert file cannot be found or is not valid.
	ErrBadKeypair = errors.New("bad keypair conf")

	// ErrBadParrot is returned for errors during TLS parroting
	ErrBadParrot = errors.New("cannot parrot")

	// ErrCannotVerifyCertChain is returned for certificate chain validation errors.
	ErrCannotVerifyCertChain = errors.New("cannot verify chain")
)

// certVerifyOptionsNoCommonNameCheck returns a x509.VerifyOptions initialized with
// an empty string for the DNSName. This allows to skip CN verification.
func certVerifyOptionsNoCommonNameCheck() x509.VerifyOptions {
	return x509.VerifyOptions{DNSName: ""}
}

// certVerifyOptions is the options factory that the customVerify function will
// use; by default it configures VerifyOptions to skip the DNSName check.
var certVerifyOptions = certVerifyOptionsNoCommonNameCheck

// certConfig holds the parsed certificate and CA used for OpenVPN mutual
// certificate authentication.
type certConfig struct {
	cert    tls.Certificate
	hasCert bool
	ca      *x509.CertPool
}

// newCertConfigFromProfile returns a certConfig loaded from the profile.
// Each of the ca, cert and key is read from its path when given, and taken
// from the inline block otherwise.
func newCertConfigFromProfile(p *config.Profile) (*certConfig, error) {
	if p.ShouldLoadCertsFromPath() {
		return loadCertAndCAFromPath(p.CAPath, p.CertPath, p.KeyPath)
	}
	ca, cert, key := p.CA, p.Cert, p.Key
	var err error
	if p.CAPath != "" {
		if ca, err = os.ReadFile(p.CAPath); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrBadCA, err)
		}
	}
	if p.CertPath != "" {
		if cert, err = os.ReadFile(p.CertPath); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrBadKeypair, err)
		}
	}
	if p.KeyPath != "" {
		if key, err = os.ReadFile(p.KeyPath); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrBadKeypair, err)
		}
	}
	return loadCertAndCAFromBytes(ca, cert, key)
}

// loadCertAndCAFromPath parses the PEM certificates contained in the given
// paths and returns a certConfig with the client and CA certificates.
func loadCertAndCAFromPath(caPath, certPath, keyPath string) (*certConfig, error) {
	caData, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadCA, err)
	}
	certData, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadKeypair, err)
	}
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadKeypair, err)
	}
	return loadCertAndCAFromBytes(caData, certData, keyData)
}

// loadCertAndCAFromBytes parses the PEM certificates from the given byte
// arrays and returns a certConfig with the client and CA certificates.
func loadCertAndCAFromBytes(ca, cert, key []byte) (*certConfig, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(ca) {
		return nil, fmt.Errorf("%w: %s", ErrBadCA, "cannot parse ca cert")
	}
	cfg := &certConfig{ca: pool}
	if len(cert) != 0 && len(key) != 0 {
		pair, err := tls.X509KeyPair(cert, key)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrBadKeypair, err)
		}
		cfg.cert = pair
		cfg.hasCert = true
	}
	return cfg, nil
}

// verifyFun is the type expected by the VerifyPeerCertificate callback in tls.Config.
type verifyFun func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error

// customVerifyFactory returns a verifyFun callback that verifies the
// received certificates against the pinned CA. We do not verify the Common
// Name, since we don't know it a priori for a VPN gateway. From the
// crypto/tls documentation: if normal verification is disabled by setting
// InsecureSkipVerify, this callback will be considered but the
// verifiedChains argument will always be nil.
func customVerifyFactory(roots *x509.CertPool) verifyFun {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("%w: %s", ErrCannotVerifyCertChain, "nothing to verify")
		}
		// we're always given the leaf certificate first.
		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("%w: %s", ErrCannotVerifyCertChain, err)
		}
		opts := certVerifyOptions()
		opts.Roots = roots
		opts.Intermediates = x509.NewCertPool()
		for _, raw := range rawCerts[1:] {
			if c, err := x509.ParseCertificate(raw); err == nil {
				opts.Intermediates.AddCert(c)
			}
		}
		if _, err := leaf.Verify(opts); err != nil {
			return fmt.Errorf("%w: %s", ErrCannotVerifyCertChain, err)
		}
		return nil
	}
}

// initTLS returns a tls.Config that performs mutual TLS authentication
// against the pinned CA, ignoring the server name.
func initTLS(cfg *certConfig, maxVersion string) (*tls.Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: %s", errBadInput, "nil args")
	}
	tlsConf := &tls.Config{
		// crypto/tls wants either ServerName or InsecureSkipVerify set ...
		InsecureSkipVerify: true,
		// ...but we pass our own verification function that verifies against the CA and ignores the ServerName
		VerifyPeerCertificate: customVerifyFactory(cfg.ca),
		// disable DynamicRecordSizing to lower distinguishability.
		DynamicRecordSizingDisabled: true,
		// uTLS does not pick min/max version from the passed spec
		MinVersion: tls.VersionTLS12,
		MaxVersion: tls.VersionTLS13,
	} //#nosec G402
	if cfg.hasCert {
		tlsConf.Certificates = []tls.Certificate{cfg.cert}
	}
	if maxVersion == "1.2" {
		tlsConf.MaxVersion = tls.VersionTLS12
	}
	return tlsConf, nil
}

// handshaker is a custom interface that we define here to be able to mock
// the tls.Conn implementation.
type handshaker interface {
	net.Conn
	Handshake() error
}

// defaultTLSFactory returns the standard uTLS client. It comes handy to
// compare the fingerprints with a golang TLS handshake.
func defaultTLSFactory(conn net.Conn, config *tls.Config) (handshaker, error) {
	return tls.Client(conn, config), nil
}

// vpnClientHelloHex is the hexadecimal representation of a capture from the reference openvpn implementation.
// openvpn=2.5.5,openssl=3.0.2
// You can use https://github.com/ainghazal/sniff/tree/main/clienthello to
// analyze a ClientHello from the wire or pcap.
var vpnClientHelloHex = `1603010114010001100303534e0a0f2687b240f7c7dfbb51c4aac33639f28173aa5d7bcebb159695ab0855208b835bf240a83df66885d6747b5bbf1b631e8c34ae469c629d7eb76e247128eb0032130213031301c02cc030009fcca9cca8ccaac02bc02f009ec024c028006bc023c0270067c00ac0140039c009c013003300ff01000095000b000403000102000a00160014001d0017001e00190018010001010102010301040016000000170000000d002a0028040305030603080708080809080a080b080408050806040105010601030303010302040205020602002b0009080304030303020301002d00020101003300260024001d0020a10bc24becb583293c317220e6725205d3a177a4a974090f6ffcf13a43da7035`

// parrotTLSFactory returns a client whose ClientHello parrots the OpenVPN one.
func parrotTLSFactory(conn net.Conn, config *tls.Config) (handshaker, error) {
	fingerprinter := &tls.Fingerprinter{AllowBluntMimicry: true}
	rawOpenVPNClientHelloBytes, err := hex.DecodeString(vpnClientHelloHex)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot decode raw fingerprint: %s", ErrBadParrot, err)
	}
	generatedSpec, err := fingerprinter.FingerprintClientHello(rawOpenVPNClientHelloBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: fingerprinting failed: %s", ErrBadParrot, err)
	}
	client := tls.UClient(conn, config, tls.HelloCustom)
	if err := client.ApplyPreset(generatedSpec); err != nil {
		return nil, fmt.Errorf("%w: cannot apply spec: %s", ErrBadParrot, err)
	}
	return client, nil
}

// tlsHandshake performs the TLS handshake over the control channel and
// returns the TLS client as a net.Conn.
func tlsHandshake(conn net.Conn, tlsConf *tls.Config, parrot bool) (net.Conn, error) {
	factory := tlsFactoryFn
	if parrot {
		factory = parrotTLSFactoryFn
	}
	tlsClient, err := factory(conn, tlsConf)
	if err != nil {
		return nil, err
	}
	if err := tlsClient.Handshake(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadTLSHandshake, err)
	}
	return tlsClient, nil
}

// global variables to allow monkeypatching in tests.
var (
	initTLSFn          = initTLS
	tlsFactoryFn       = defaultTLSFactory
	parrotTLSFactoryFn = parrotTLSFactory
	tlsHandshakeFn     = tlsHandshake
)
