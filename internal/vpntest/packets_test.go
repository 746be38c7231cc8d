package vpntest

import (
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

func TestNewIPv4UDPPacket(t *testing.T) {
	data := NewIPv4UDPPacket("10.8.0.2", "10.8.0.1", []byte("abc"))
	pkt := gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.Default)
	if pkt.ErrorLayer() != nil {
		t.Fatal(pkt.ErrorLayer().Error())
	}
	ip := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if ip.SrcIP.String() != "10.8.0.2" || ip.DstIP.String() != "10.8.0.1" || int(ip.Length) != len(data) {
		t.Fatalf("unexpected header %+v", ip)
	}
	if string(pkt.ApplicationLayer().Payload()) != "abc" {
		t.Fatal("unexpected payload")
	}
}
