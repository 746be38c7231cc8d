package model

import (
	"strconv"
	"strings"
)

// TunnelInfo holds state about the VPN tunnel that has longer duration than a
// given session. This information is gathered at different stages:
// - during the handshake (mtu).
// - after server pushes config options (ip, gw, cipher, keepalive).
type TunnelInfo struct {
	// GW is the Route Gateway.
	GW string

	// IP is the assigned IP.
	IP string

	// MTU is the configured MTU pushed by the remote.
	MTU int

	// NetMask is the netmask configured on the TUN interface, pushed by the ifconfig command.
	NetMask string

	// PeerID is the peer-id assigned to us by the remote.
	PeerID int

	// Cipher is the data channel cipher selected by the remote.
	Cipher string

	// Ping and PingRestart are the keepalive settings pushed by the
	// remote, in seconds. Zero means the remote did not push them.
	Ping        int
	PingRestart int
}

// PushedOptions maps a pushed option name to its space-separated arguments.
type PushedOptions map[string][]string

// NewTunnelInfoFromPushedOptions takes the pushed options and returns
// a new tunnel struct with the relevant info. Malformed numeric options
// are ignored.
func NewTunnelInfoFromPushedOptions(opts PushedOptions) *TunnelInfo {
	t := &TunnelInfo{}
	if r := opts["route-gateway"]; len(r) >= 1 {
		t.GW = r[0]
	} else if r := opts["route"]; len(r) >= 1 {
		t.GW = r[0]
	}
	ifconfig := opts["ifconfig"]
	if len(ifconfig) >= 1 {
		t.IP = ifconfig[0]
	}
	if len(ifconfig) >= 2 {
		t.NetMask = ifconfig[1]
	}
	t.PeerID = atoiOption(opts, "peer-id")
	t.MTU = atoiOption(opts, "tun-mtu")
	t.Ping = atoiOption(opts, "ping")
	t.PingRestart = atoiOption(opts, "ping-restart")
	if c := opts["cipher"]; len(c) == 1 {
		t.Cipher = c[0]
	}
	return t
}

func atoiOption(opts PushedOptions, key string) int {
	v := opts[key]
	if len(v) != 1 {
		return 0
	}
	n, err := strconv.Atoi(v[0])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// PushedOptionsAsMap returns a map for the server-pushed options,
// where the options are the keys and each space-separated value is the value.
// A trailing NUL byte is ignored. This function always returns an
// initialized map, even if empty.
func PushedOptionsAsMap(pushedOptions []byte) PushedOptions {
	optMap := make(PushedOptions)
	optStr := strings.TrimRight(string(pushedOptions), "\x00")
	if optStr == "" {
		return optMap
	}
	for _, opt := range strings.Split(optStr, ",") {
		vals := strings.Fields(opt)
		if len(vals) == 0 {
			continue
		}
		optMap[vals[0]] = vals[1:]
	}
	return optMap
}
