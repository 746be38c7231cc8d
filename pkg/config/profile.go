package config

//
// Parse VPN profiles.
//
// A profile is a subset of the OpenVPN client configuration format. Options
// that only make sense to the reference implementation are accepted and
// ignored; unknown options produce a warning.
//
// Following the configuration format in the reference implementation, a profile
// may include files for the `ca`, `cert` and `key` options. Each inline file
// is started by the line <option> and ended by the line </option>:
//
// ```
// <cert>
// -----BEGIN CERTIFICATE-----
// [...]
// -----END CERTIFICATE-----
// </cert>
// ```
//
// Files referenced by path must live below the directory of the profile.
//

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/apex/log"
)

// Compression describes a Compression type (e.g., stub).
type Compression string

const (
	// CompressionNone means no compression framing at all.
	CompressionNone = Compression("")

	// CompressionStub adds the (empty) compression stub to the packets.
	CompressionStub = Compression("stub")

	// CompressionEmpty is the empty compression.
	CompressionEmpty = Compression("empty")

	// CompressionLZONo is lzo-no (another type of no-compression, older).
	CompressionLZONo = Compression("lzo-no")
)

// Proto is the transport protocol of an endpoint (e.g., TCP or UDP).
type Proto string

var _ fmt.Stringer = Proto("")

// String implements fmt.Stringer
func (p Proto) String() string {
	return string(p)
}

// ProtoTCP is used for vpn in TCP mode.
const ProtoTCP = Proto("tcp")

// ProtoUDP is used for vpn in UDP mode.
const ProtoUDP = Proto("udp")

// ErrBadConfig is the generic error returned for invalid profiles.
var ErrBadConfig = errors.New("openvpn: bad config")

// SupportedCiphers maps the supported data channel ciphers to their key size in bits.
var SupportedCiphers = map[string]int{
	"AES-128-CBC":       128,
	"AES-192-CBC":       192,
	"AES-256-CBC":       256,
	"AES-128-GCM":       128,
	"AES-192-GCM":       192,
	"AES-256-GCM":       256,
	"CHACHA20-POLY1305": 256,
}

// DefaultDataCiphers is the cipher list we offer when the profile has no data-ciphers.
var DefaultDataCiphers = []string{"AES-256-GCM", "AES-128-GCM", "CHACHA20-POLY1305"}

// SupportedAuth defines the supported authentication methods.
var SupportedAuth = []string{
	"SHA1",
	"SHA256",
	"SHA512",
}

// DefaultPort is the port used when a remote line does not name one.
const DefaultPort = "1194"

// Endpoint is a remote we can connect to.
type Endpoint struct {
	Host  string
	Port  string
	Proto Proto
}

// Address returns the endpoint in the host:port form.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, e.Port)
}

// String implements fmt.Stringer.
func (e Endpoint) String() string {
	return e.Proto.String() + "://" + e.Address()
}

// Profile makes all the relevant profile options accessible to the
// different modules that need it. Use [NewProfile] to get the defaults.
type Profile struct {
	// Remotes are the endpoints in priority order.
	Remotes []Endpoint

	// Proto is used for remotes that do not specify a protocol.
	Proto Proto

	Username string
	Password string

	// AskPass is set when auth-user-pass is given without a file; the
	// embedding application must fill Username and Password.
	AskPass bool

	CAPath   string
	CertPath string
	KeyPath  string
	CA       []byte
	Cert     []byte
	Key      []byte

	// Cipher is the legacy cipher option. It is appended to DataCiphers
	// when the server does not negotiate.
	Cipher      string
	DataCiphers []string
	Auth        string
	Compress    Compression
	TLSMaxVer   string

	// ProxyOBFS4 is an obfs4://host:port?cert=...&iat-mode=N URL.
	ProxyOBFS4 string

	// SocksProxy is the host:port of an upstream SOCKS5 proxy.
	SocksProxy string

	// Mark is the SO_MARK applied to the transport socket (Linux only).
	Mark int

	TunMTU int

	RenegSec   time.Duration
	RenegBytes int64
	TranWindow time.Duration
	HandWindow time.Duration

	Ping        time.Duration
	PingRestart time.Duration

	ConnectRetry         time.Duration
	ConnectRetryMaxDelay time.Duration
	ConnectRetryMax      int
	ConnectTimeout       time.Duration

	// ReplayWindow is how far behind the highest data packet-id we still
	// accept unseen packets. Zero only accepts strictly increasing IDs.
	ReplayWindow int

	// AuthFailThreshold is how many consecutive data packets may fail
	// authentication before we tear the session down.
	AuthFailThreshold int
}

// NewProfile returns a profile initialized with the default values.
func NewProfile() *Profile {
	return &Profile{
		Proto:                ProtoUDP,
		Auth:                 "SHA1",
		TLSMaxVer:            "1.3",
		TunMTU:               1500,
		RenegSec:             3600 * time.Second,
		TranWindow:           3600 * time.Second,
		HandWindow:           60 * time.Second,
		Ping:                 10 * time.Second,
		PingRestart:          60 * time.Second,
		ConnectRetry:         time.Second,
		ConnectRetryMaxDelay: 60 * time.Second,
		ConnectRetryMax:      5,
		ConnectTimeout:       30 * time.Second,
		AuthFailThreshold:    32,
	}
}

// ReadProfile expects a string with a path to a valid profile,
// and returns a pointer to a Profile struct after parsing the file, and an
// error if the operation could not be completed.
func ReadProfile(filePath string) (*Profile, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dir, _ := filepath.Split(filePath)
	if dir == "" {
		dir = "."
	}
	return ParseProfile(f, dir)
}

// ParseProfile parses and validates a profile from r. Relative file
// references are resolved against basedir; when basedir is empty, only
// inline material is accepted.
func ParseProfile(r io.Reader, basedir string) (*Profile, error) {
	p, err := DecodeProfile(r, basedir)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// DecodeProfile is like [ParseProfile] but does not validate, so that the
// caller can complete the profile (e.g., with credentials) first.
func DecodeProfile(r io.Reader, basedir string) (*Profile, error) {
	lines, err := getLinesFromReader(r)
	if err != nil {
		return nil, err
	}
	return getProfileFromLines(lines, basedir)
}

// Validate checks that the profile can be used to connect.
func (p *Profile) Validate() error {
	if len(p.Remotes) == 0 {
		return fmt.Errorf("%w: %s", ErrBadConfig, "no remote")
	}
	if len(p.CA) == 0 && p.CAPath == "" {
		return fmt.Errorf("%w: %s", ErrBadConfig, "missing ca")
	}
	if (len(p.Cert) == 0 && p.CertPath == "") != (len(p.Key) == 0 && p.KeyPath == "") {
		return fmt.Errorf("%w: %s", ErrBadConfig, "cert and key must be given together")
	}
	if !p.HasAuthInfo() {
		return fmt.Errorf("%w: %s", ErrBadConfig, "missing auth info")
	}
	if p.Ping > 0 && p.PingRestart > 0 && p.PingRestart < p.Ping {
		return fmt.Errorf("%w: %s", ErrBadConfig, "ping-restart must not be shorter than ping")
	}
	return nil
}

// ShouldLoadCertsFromPath returns true when the profile is configured to load
// certificates from paths; false when we have inline certificates.
func (p *Profile) ShouldLoadCertsFromPath() bool {
	return p.CertPath != "" && p.KeyPath != "" && p.CAPath != ""
}

// HasAuthInfo returns true if:
// - we have a client certificate and key (inline or by path); or
// - we have username + password info; or
// - the username and password will be asked to the user.
func (p *Profile) HasAuthInfo() bool {
	if p.CertPath != "" && p.KeyPath != "" {
		return true
	}
	if len(p.Cert) != 0 && len(p.Key) != 0 {
		return true
	}
	if p.Username != "" && p.Password != "" {
		return true
	}
	return p.AskPass
}

// Ciphers returns the ordered list of data ciphers we offer to the server.
func (p *Profile) Ciphers() []string {
	ciphers := p.DataCiphers
	if len(ciphers) == 0 {
		ciphers = DefaultDataCiphers
	}
	out := append([]string{}, ciphers...)
	if p.Cipher != "" && !hasElement(p.Cipher, out) {
		out = append(out, p.Cipher)
	}
	return out
}

// clientOptions is the options line we're passing to the OpenVPN server during the handshake.
const clientOptions = "V4,dev-type tun,link-mtu %d,tun-mtu %d,proto %sv4,cipher %s,auth %s,keysize %d,key-method 2,tls-client"

// ServerOptionsString produces a comma-separated representation of the options, in the same
// order and format that the OpenVPN server expects from us. The cipher is the one we would
// use if the server does not negotiate another one.
func (p *Profile) ServerOptionsString(proto Proto) string {
	cipher := p.Ciphers()[0]
	keysize := SupportedCiphers[cipher]
	wireProto := strings.ToUpper(ProtoUDP.String())
	if proto == ProtoTCP {
		wireProto = strings.ToUpper(ProtoTCP.String())
	}
	s := fmt.Sprintf(clientOptions, p.TunMTU+49, p.TunMTU, wireProto, cipher, p.Auth, keysize)
	switch p.Compress {
	case CompressionStub:
		s = s + ",compress stub"
	case CompressionLZONo:
		s = s + ",comp-lzo"
	case CompressionEmpty:
		s = s + ",compress"
	}
	return s
}

func parseProto(p []string, o *Profile) error {
	if len(p) != 1 {
		return fmt.Errorf("%w: %s", ErrBadConfig, "proto needs one arg")
	}
	proto, err := toProto(p[0])
	if err != nil {
		return err
	}
	o.Proto = proto
	return nil
}

func toProto(s string) (Proto, error) {
	switch s {
	case "udp", "udp4", "udp6":
		return ProtoUDP, nil
	case "tcp", "tcp4", "tcp6", "tcp-client":
		return ProtoTCP, nil
	default:
		return "", fmt.Errorf("%w: bad proto: %s", ErrBadConfig, s)
	}
}

// parseRemote appends an endpoint. Remotes keep the order in which they
// appear, which is the order we try them in.
func parseRemote(p []string, o *Profile) error {
	if len(p) < 1 || len(p) > 3 {
		return fmt.Errorf("%w: %s", ErrBadConfig, "remote needs host [port] [proto]")
	}
	e := Endpoint{Host: p[0], Port: DefaultPort}
	if len(p) >= 2 {
		port, err := strconv.Atoi(p[1])
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("%w: bad port: %s", ErrBadConfig, p[1])
		}
		e.Port = p[1]
	}
	if len(p) == 3 {
		proto, err := toProto(p[2])
		if err != nil {
			return err
		}
		e.Proto = proto
	}
	o.Remotes = append(o.Remotes, e)
	return nil
}

func parseCipher(p []string, o *Profile) error {
	if len(p) != 1 {
		return fmt.Errorf("%w: %s", ErrBadConfig, "cipher expects one arg")
	}
	cipher := strings.ToUpper(p[0])
	if _, found := SupportedCiphers[cipher]; !found {
		return fmt.Errorf("%w: unsupported cipher: %s", ErrBadConfig, cipher)
	}
	o.Cipher = cipher
	return nil
}

func parseDataCiphers(p []string, o *Profile) error {
	if len(p) != 1 {
		return fmt.Errorf("%w: %s", ErrBadConfig, "data-ciphers expects one arg")
	}
	var ciphers []string
	for _, c := range strings.Split(p[0], ":") {
		c = strings.ToUpper(c)
		if _, found := SupportedCiphers[c]; !found {
			log.Warnf("data-ciphers: ignoring unsupported cipher %s", c)
			continue
		}
		ciphers = append(ciphers, c)
	}
	if len(ciphers) == 0 {
		return fmt.Errorf("%w: %s", ErrBadConfig, "data-ciphers: no supported cipher")
	}
	o.DataCiphers = ciphers
	return nil
}

func parseAuth(p []string, o *Profile) error {
	if len(p) != 1 {
		return fmt.Errorf("%w: %s", ErrBadConfig, "invalid auth entry")
	}
	auth := strings.ToUpper(p[0])
	if !hasElement(auth, SupportedAuth) {
		return fmt.Errorf("%w: unsupported auth: %s", ErrBadConfig, auth)
	}
	o.Auth = auth
	return nil
}

func parseCompress(p []string, o *Profile) error {
	if len(p) > 1 {
		return fmt.Errorf("%w: %s", ErrBadConfig, "compress: only empty/stub options supported")
	}
	if len(p) == 0 {
		o.Compress = CompressionEmpty
		return nil
	}
	if p[0] == "stub" {
		o.Compress = CompressionStub
		return nil
	}
	return fmt.Errorf("%w: %s", ErrBadConfig, "compress: only empty/stub options supported")
}

func parseCompLZO(p []string, o *Profile) error {
	if len(p) != 1 || p[0] != "no" {
		return fmt.Errorf("%w: %s", ErrBadConfig, "comp-lzo: compression not supported")
	}
	o.Compress = CompressionLZONo
	return nil
}

// parseTLSVerMax sets the maximum TLS version.
func parseTLSVerMax(p []string, o *Profile) error {
	if len(p) == 0 {
		o.TLSMaxVer = "1.3"
		return nil
	}
	switch p[0] {
	case "1.2", "1.3":
		o.TLSMaxVer = p[0]
		return nil
	default:
		return fmt.Errorf("%w: bad tls-version-max: %s", ErrBadConfig, p[0])
	}
}

func parseProxyOBFS4(p []string, o *Profile) error {
	if len(p) != 1 {
		return fmt.Errorf("%w: %s", ErrBadConfig, "proxy-obfs4: need a properly configured proxy")
	}
	u, err := url.Parse(p[0])
	if err != nil || u.Scheme != "obfs4" || u.Port() == "" || u.Query().Get("cert") == "" {
		return fmt.Errorf("%w: %s", ErrBadConfig, "proxy-obfs4: expected obfs4://host:port?cert=...")
	}
	o.ProxyOBFS4 = p[0]
	return nil
}

func parseSocksProxy(p []string, o *Profile) error {
	if len(p) < 1 || len(p) > 2 {
		return fmt.Errorf("%w: %s", ErrBadConfig, "socks-proxy needs host [port]")
	}
	port := "1080"
	if len(p) == 2 {
		port = p[1]
	}
	o.SocksProxy = net.JoinHostPort(p[0], port)
	return nil
}

func parseMark(p []string, o *Profile) error {
	n, err := parsePositiveInt(p, "mark")
	if err != nil {
		return err
	}
	o.Mark = n
	return nil
}

func parseTunMTU(p []string, o *Profile) error {
	n, err := parsePositiveInt(p, "tun-mtu")
	if err != nil {
		return err
	}
	if n < 576 || n > 65535 {
		return fmt.Errorf("%w: tun-mtu out of range: %d", ErrBadConfig, n)
	}
	o.TunMTU = n
	return nil
}

func parseRenegSec(p []string, o *Profile) error {
	return parseSeconds(p, "reneg-sec", &o.RenegSec)
}

func parseRenegBytes(p []string, o *Profile) error {
	n, err := parsePositiveInt(p, "reneg-bytes")
	if err != nil {
		return err
	}
	o.RenegBytes = int64(n)
	return nil
}

func parseTranWindow(p []string, o *Profile) error {
	return parseSeconds(p, "tran-window", &o.TranWindow)
}

func parseHandWindow(p []string, o *Profile) error {
	return parseSeconds(p, "hand-window", &o.HandWindow)
}

func parsePing(p []string, o *Profile) error {
	return parseSeconds(p, "ping", &o.Ping)
}

func parsePingRestart(p []string, o *Profile) error {
	return parseSeconds(p, "ping-restart", &o.PingRestart)
}

func parseKeepalive(p []string, o *Profile) error {
	if len(p) != 2 {
		return fmt.Errorf("%w: %s", ErrBadConfig, "keepalive needs two args")
	}
	if err := parseSeconds(p[:1], "keepalive", &o.Ping); err != nil {
		return err
	}
	return parseSeconds(p[1:], "keepalive", &o.PingRestart)
}

func parseConnectRetry(p []string, o *Profile) error {
	if len(p) < 1 || len(p) > 2 {
		return fmt.Errorf("%w: %s", ErrBadConfig, "connect-retry needs one or two args")
	}
	if err := parseSeconds(p[:1], "connect-retry", &o.ConnectRetry); err != nil {
		return err
	}
	if len(p) == 2 {
		return parseSeconds(p[1:], "connect-retry", &o.ConnectRetryMaxDelay)
	}
	return nil
}

func parseConnectRetryMax(p []string, o *Profile) error {
	n, err := parsePositiveInt(p, "connect-retry-max")
	if err != nil {
		return err
	}
	o.ConnectRetryMax = n
	return nil
}

func parseConnectTimeout(p []string, o *Profile) error {
	return parseSeconds(p, "connect-timeout", &o.ConnectTimeout)
}

func parseReplayWindow(p []string, o *Profile) error {
	if len(p) < 1 || len(p) > 2 {
		return fmt.Errorf("%w: %s", ErrBadConfig, "replay-window needs one or two args")
	}
	n, err := parsePositiveInt(p[:1], "replay-window")
	if err != nil {
		return err
	}
	o.ReplayWindow = n
	return nil
}

func parseAuthFailThreshold(p []string, o *Profile) error {
	n, err := parsePositiveInt(p, "auth-fail-threshold")
	if err != nil {
		return err
	}
	o.AuthFailThreshold = n
	return nil
}

func parsePositiveInt(p []string, name string) (int, error) {
	if len(p) != 1 {
		return 0, fmt.Errorf("%w: %s expects one arg", ErrBadConfig, name)
	}
	n, err := strconv.Atoi(p[0])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s expects a positive integer", ErrBadConfig, name)
	}
	return n, nil
}

func parseSeconds(p []string, name string, dst *time.Duration) error {
	n, err := parsePositiveInt(p, name)
	if err != nil {
		return err
	}
	*dst = time.Duration(n) * time.Second
	return nil
}

func parseCA(p []string, o *Profile, basedir string) error {
	ca, err := referencedFile(p, "ca", basedir)
	if err != nil {
		return err
	}
	o.CAPath = ca
	return nil
}

func parseCert(p []string, o *Profile, basedir string) error {
	cert, err := referencedFile(p, "cert", basedir)
	if err != nil {
		return err
	}
	o.CertPath = cert
	return nil
}

func parseKey(p []string, o *Profile, basedir string) error {
	key, err := referencedFile(p, "key", basedir)
	if err != nil {
		return err
	}
	o.KeyPath = key
	return nil
}

// parseAuthUser reads credentials from a given file, according to the openvpn
// format (user and pass on a line each). To avoid path traversal / LFI, the
// credentials file is expected to be in a subdirectory of the base dir. Without
// a file, the credentials must be provided by the user.
func parseAuthUser(p []string, o *Profile, basedir string) error {
	if len(p) == 0 {
		o.AskPass = true
		return nil
	}
	auth, err := referencedFile(p, "auth-user-pass", basedir)
	if err != nil {
		return err
	}
	creds, err := getCredentialsFromFile(auth)
	if err != nil {
		return err
	}
	o.Username, o.Password = creds[0], creds[1]
	return nil
}

// referencedFile resolves a file option against basedir and makes sure
// that it does not escape it.
func referencedFile(p []string, name, basedir string) (string, error) {
	e := fmt.Errorf("%w: %s expects a valid file", ErrBadConfig, name)
	if len(p) != 1 {
		return "", e
	}
	if basedir == "" {
		return "", fmt.Errorf("%w: %s must be inline", ErrBadConfig, name)
	}
	path := toAbs(p[0], basedir)
	if sub, _ := isSubdir(basedir, path); !sub {
		return "", fmt.Errorf("%w: %s must be below config path", ErrBadConfig, name)
	}
	if !existsFile(path) {
		return "", e
	}
	return path, nil
}

var pMap = map[string]func([]string, *Profile) error{
	"proto":               parseProto,
	"remote":              parseRemote,
	"cipher":              parseCipher,
	"data-ciphers":        parseDataCiphers,
	"ncp-ciphers":         parseDataCiphers,
	"auth":                parseAuth,
	"compress":            parseCompress,
	"comp-lzo":            parseCompLZO,
	"proxy-obfs4":         parseProxyOBFS4,
	"socks-proxy":         parseSocksProxy,
	"mark":                parseMark,
	"tun-mtu":             parseTunMTU,
	"tls-version-max":     parseTLSVerMax,
	"reneg-sec":           parseRenegSec,
	"reneg-bytes":         parseRenegBytes,
	"tran-window":         parseTranWindow,
	"hand-window":         parseHandWindow,
	"ping":                parsePing,
	"ping-restart":        parsePingRestart,
	"keepalive":           parseKeepalive,
	"connect-retry":       parseConnectRetry,
	"connect-retry-max":   parseConnectRetryMax,
	"connect-timeout":     parseConnectTimeout,
	"replay-window":       parseReplayWindow,
	"auth-fail-threshold": parseAuthFailThreshold,
}

var pMapDir = map[string]func([]string, *Profile, string) error{
	"ca":             parseCA,
	"cert":           parseCert,
	"key":            parseKey,
	"auth-user-pass": parseAuthUser,
}

// ignoredOptions are accepted because they describe what we do anyway.
var ignoredOptions = map[string]bool{
	"client":          true,
	"dev":             true,
	"nobind":          true,
	"persist-key":     true,
	"persist-tun":     true,
	"resolv-retry":    true,
	"remote-cert-tls": true,
	"verb":            true,
	"mute":            true,
	"tls-client":      true,
	"pull":            true,
	"auth-nocache":    true,
}

func parseOption(o *Profile, dir, key string, p []string, lineno int) error {
	if fn, found := pMap[key]; found {
		return fn(p, o)
	}
	if fn, found := pMapDir[key]; found {
		return fn(p, o, dir)
	}
	if !ignoredOptions[key] {
		log.Warnf("profile: unsupported key %q in line %d", key, lineno+1)
	}
	return nil
}

// getProfileFromLines tries to parse all the lines coming from a profile
// and raises validation errors if the values do not conform to the expected
// format. The profile supports inline file inclusion for <ca>, <cert> and <key>.
func getProfileFromLines(lines []string, dir string) (*Profile, error) {
	opt := NewProfile()

	// tag and inlineBuf are used to parse inline files.
	// these follow the format used by the reference openvpn implementation.
	// each block (any of ca, key, cert) is marked by a <option> line, and
	// closed by a </option> line; lines in between are expected to contain
	// the crypto block.
	tag := ""
	inlineBuf := new(bytes.Buffer)

	for lineno, l := range lines {
		l = strings.TrimSpace(l)
		if strings.HasPrefix(l, "#") || strings.HasPrefix(l, ";") {
			continue
		}

		// inline certs
		if isClosingTag(l) {
			if tag == "" || parseTag(l) != tag {
				return nil, fmt.Errorf("%w: unexpected %s in line %d", ErrBadConfig, l, lineno+1)
			}
			if e := parseInlineTag(opt, tag, inlineBuf); e != nil {
				return nil, e
			}
			tag = ""
			inlineBuf = new(bytes.Buffer)
			continue
		}
		if tag != "" {
			inlineBuf.WriteString(l)
			inlineBuf.WriteString("\n")
			continue
		}
		if isOpeningTag(l) {
			tag = parseTag(l)
			continue
		}

		// parse parts in the same line
		p := strings.Fields(l)
		if len(p) == 0 {
			continue
		}
		if e := parseOption(opt, dir, p[0], p[1:], lineno); e != nil {
			return nil, e
		}
	}
	if tag != "" {
		return nil, fmt.Errorf("%w: %s", ErrBadConfig, "tag not closed")
	}
	for i := range opt.Remotes {
		if opt.Remotes[i].Proto == "" {
			opt.Remotes[i].Proto = opt.Proto
		}
	}
	return opt, nil
}

func isOpeningTag(key string) bool {
	switch key {
	case "<ca>", "<cert>", "<key>":
		return true
	default:
		return false
	}
}

func isClosingTag(key string) bool {
	switch key {
	case "</ca>", "</cert>", "</key>":
		return true
	default:
		return false
	}
}

func parseTag(tag string) string {
	switch tag {
	case "<ca>", "</ca>":
		return "ca"
	case "<cert>", "</cert>":
		return "cert"
	case "<key>", "</key>":
		return "key"
	default:
		return ""
	}
}

func parseInlineTag(o *Profile, tag string, buf *bytes.Buffer) error {
	b := buf.Bytes()
	if len(b) == 0 {
		return fmt.Errorf("%w: empty inline tag: %s", ErrBadConfig, tag)
	}
	switch tag {
	case "ca":
		o.CA = b
	case "cert":
		o.Cert = b
	case "key":
		o.Key = b
	default:
		return fmt.Errorf("%w: unknown tag: %s", ErrBadConfig, tag)
	}
	return nil
}

// hasElement checks if a given string is present in a string array. returns
// true if that is the case, false otherwise.
func hasElement(el string, arr []string) bool {
	for _, v := range arr {
		if v == el {
			return true
		}
	}
	return false
}

// existsFile returns true if the file to which the path refers to exists and
// is a regular file.
func existsFile(path string) bool {
	statbuf, err := os.Stat(path)
	return err == nil && statbuf.Mode().IsRegular()
}

func getLinesFromReader(r io.Reader) ([]string, error) {
	lines := make([]string, 0)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// getCredentialsFromFile accepts a path string parameter, and return a string
// array containing the credentials in that file, and an error if the operation
// could not be completed.
func getCredentialsFromFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadConfig, err)
	}
	defer f.Close()
	lines, err := getLinesFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadConfig, err)
	}
	if len(lines) != 2 {
		return nil, fmt.Errorf("%w: %s", ErrBadConfig, "malformed credentials file")
	}
	if len(lines[0]) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrBadConfig, "empty username in creds file")
	}
	if len(lines[1]) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrBadConfig, "empty password in creds file")
	}
	return lines, nil
}

// toAbs return an absolute path if the given path is not already absolute; to
// do so, it will append the path to the given basedir.
func toAbs(path, basedir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(basedir, path)
}

// isSubdir checks if a given path is a subdirectory of another. It returns
// true if that's the case, and any error raise during the check.
func isSubdir(parent, sub string) (bool, error) {
	p, err := filepath.Abs(parent)
	if err != nil {
		return false, err
	}
	s, err := filepath.Abs(sub)
	if err != nil {
		return false, err
	}
	rel, err := filepath.Rel(p, s)
	if err != nil {
		return false, err
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)), nil
}
