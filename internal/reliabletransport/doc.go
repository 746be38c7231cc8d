// Package reliabletransport implements the reliability layer of the OpenVPN
// control channel: in-order delivery, ACKs and retransmission with backoff.
// See [the official documentation](https://community.openvpn.net/openvpn/wiki/SecurityOverview)
// for why this is needed. Even though the original need is a reliable control
// channel on top of UDP, the same layer runs when tunneling over TCP.
//
// The [Sender] and [Receiver] data structures lack mutexes: they are confined
// to the goroutine that drives the protocol, which owns one pair for each
// key being negotiated.
package reliabletransport
