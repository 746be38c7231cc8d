// Package datachannel implements packet encryption and decryption over the
// OpenVPN data channel.
//
// Keys are derived after each successful TLS negotiation and have a limited
// lifetime. During a key rotation the previous key stays installed as a
// "lame duck" for the transition window, so that packets the server sent
// with the old key keep decrypting while the new one takes over.
package datachannel
