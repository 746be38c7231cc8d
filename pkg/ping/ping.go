// Package ping sends ICMP echo requests through a tunnel device and
// collects round trip statistics. It writes whole IPv4 packets, so it
// works with any [net.Conn] that carries raw IP packets and whose
// LocalAddr is the address assigned to the tunnel, such as
// [tunnel.MemoryDevice].
package ping

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"os"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ooni/vpncore/internal/model"
)

const (
	timeSliceLength = 8
	trackerLength   = len(uuid.UUID{})
	payloadLength   = timeSliceLength + trackerLength
)

var (
	// ErrBadAddress means that the target or the local address is not IPv4.
	ErrBadAddress = errors.New("ping: not an IPv4 address")

	errBadPacket = errors.New("ping: bad packet")
)

// Reply is a received echo reply.
type Reply struct {
	Seq int
	TTL int
	RTT time.Duration
}

// Statistics summarizes a run.
type Statistics struct {
	Target                string
	PacketsSent           int
	PacketsRecv           int
	PacketsRecvDuplicates int

	// PacketLoss is a percentage.
	PacketLoss float64

	MinRTT    time.Duration
	MaxRTT    time.Duration
	AvgRTT    time.Duration
	StdDevRTT time.Duration

	Replies []Reply
}

// String formats the statistics like the ping command does.
func (s *Statistics) String() string {
	return fmt.Sprintf("--- %s ping statistics ---\n"+
		"%d packets transmitted, %d received, %d%% packet loss\n"+
		"rtt min/avg/max/stdev = %v, %v, %v, %v\n",
		s.Target, s.PacketsSent, s.PacketsRecv, int(math.Round(s.PacketLoss)),
		s.MinRTT, s.AvgRTT, s.MaxRTT, s.StdDevRTT)
}

// Pinger pings one target. Set the exported fields before [Pinger.Run].
type Pinger struct {
	// Target is the IPv4 address to ping.
	Target string

	// Count is the number of echo requests. Default is 3.
	Count int

	// Interval is the pause between requests. Default is 1s.
	Interval time.Duration

	// Timeout is how long we wait for replies after the last request.
	// Default is 2s.
	Timeout time.Duration

	// TTL of the requests. Default is 64.
	TTL int

	// Logger logs the replies. Default is the apex logger.
	Logger model.Logger

	conn    net.Conn
	id      uint16
	tracker uuid.UUID

	mu       sync.Mutex
	sent     int
	received map[int]bool
	replies  []Reply
	avg      time.Duration
	m2       float64
	min, max time.Duration
	dups     int
}

// New creates a [Pinger] that uses conn. The pinger does not close conn.
func New(target string, conn net.Conn) *Pinger {
	return &Pinger{
		Target:   target,
		Count:    3,
		Interval: time.Second,
		Timeout:  2 * time.Second,
		TTL:      64,
		Logger:   log.Log,
		conn:     conn,
		id:       uint16(rand.Intn(math.MaxUint16)),
		tracker:  uuid.New(),
		received: map[int]bool{},
	}
}

// Run sends Count requests and waits for the replies. It returns early
// when ctx is done or conn fails. Partial statistics remain available.
func (p *Pinger) Run(ctx context.Context) error {
	src := net.ParseIP(p.conn.LocalAddr().String()).To4()
	dst := net.ParseIP(p.Target).To4()
	if src == nil || dst == nil {
		return fmt.Errorf("%w: %s -> %s", ErrBadAddress, p.conn.LocalAddr(), p.Target)
	}

	group, ctx := errgroup.WithContext(ctx)
	sendDone := make(chan any)
	group.Go(func() error {
		defer close(sendDone)
		return p.sendLoop(ctx, src, dst)
	})
	group.Go(func() error {
		return p.recvLoop(ctx, src, dst, sendDone)
	})
	return group.Wait()
}

func (p *Pinger) sendLoop(ctx context.Context, src, dst net.IP) error {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for seq := 0; seq < p.Count; seq++ {
		if seq > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
		data, err := newEchoRequest(src, dst, p.TTL, seq, p.id, p.tracker, time.Now())
		if err != nil {
			return err
		}
		if _, err := p.conn.Write(data); err != nil {
			return fmt.Errorf("ping: cannot write: %w", err)
		}
		p.mu.Lock()
		p.sent++
		p.mu.Unlock()
	}
	return nil
}

func (p *Pinger) recvLoop(ctx context.Context, src, dst net.IP, sendDone <-chan any) error {
	var giveUp <-chan time.Time
	buf := make([]byte, 1<<16)
	for {
		if p.complete() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-giveUp:
			return nil
		case <-sendDone:
			giveUp = time.After(p.Timeout)
			sendDone = nil
		default:
		}
		p.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, err := p.conn.Read(buf)
		if errors.Is(err, os.ErrDeadlineExceeded) {
			continue
		}
		if err != nil {
			return fmt.Errorf("ping: cannot read: %w", err)
		}
		reply, err := p.parseEchoReply(buf[:n], src, dst, time.Now())
		if err != nil {
			continue
		}
		p.update(reply)
	}
}

func (p *Pinger) complete() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent == p.Count && len(p.received) == p.Count
}

// parseEchoReply returns the reply carried by data, or an error when data
// is not a reply to one of our requests.
func (p *Pinger) parseEchoReply(data []byte, src, dst net.IP, now time.Time) (*Reply, error) {
	pkt := gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.Default)
	ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok || !ip.DstIP.Equal(src) || !ip.SrcIP.Equal(dst) {
		return nil, errBadPacket
	}
	icmp, ok := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	if !ok || icmp.TypeCode.Type() != layers.ICMPv4TypeEchoReply || icmp.Id != p.id {
		return nil, errBadPacket
	}
	if len(icmp.Payload) < payloadLength {
		return nil, errBadPacket
	}
	tracker, err := uuid.FromBytes(icmp.Payload[timeSliceLength:payloadLength])
	if err != nil || tracker != p.tracker {
		return nil, errBadPacket
	}
	sent := bytesToTime(icmp.Payload[:timeSliceLength])
	return &Reply{Seq: int(icmp.Seq), TTL: int(ip.TTL), RTT: now.Sub(sent)}, nil
}

// update accounts for reply with Welford's online algorithm.
func (p *Pinger) update(reply *Reply) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.received[reply.Seq] {
		p.dups++
		return
	}
	p.received[reply.Seq] = true
	p.replies = append(p.replies, *reply)
	p.Logger.Infof("ping: reply from %s: icmp_seq=%d ttl=%d time=%v", p.Target, reply.Seq+1, reply.TTL, reply.RTT)

	n := len(p.replies)
	if n == 1 || reply.RTT < p.min {
		p.min = reply.RTT
	}
	if reply.RTT > p.max {
		p.max = reply.RTT
	}
	delta := float64(reply.RTT - p.avg)
	p.avg += time.Duration(delta / float64(n))
	p.m2 += delta * float64(reply.RTT-p.avg)
}

// Statistics returns the statistics so far.
func (p *Pinger) Statistics() *Statistics {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &Statistics{
		Target:                p.Target,
		PacketsSent:           p.sent,
		PacketsRecv:           len(p.replies),
		PacketsRecvDuplicates: p.dups,
		MinRTT:                p.min,
		MaxRTT:                p.max,
		AvgRTT:                p.avg,
		Replies:               append([]Reply{}, p.replies...),
	}
	if p.sent > 0 {
		s.PacketLoss = float64(p.sent-len(p.replies)) / float64(p.sent) * 100
	}
	if n := len(p.replies); n > 0 {
		s.StdDevRTT = time.Duration(math.Sqrt(p.m2 / float64(n)))
	}
	return s
}

// newEchoRequest serializes an echo request whose payload carries the
// send time and the tracker.
func newEchoRequest(src, dst net.IP, ttl, seq int, id uint16, tracker uuid.UUID, now time.Time) ([]byte, error) {
	return newEcho(layers.ICMPv4TypeEchoRequest, src, dst, ttl, seq, id, tracker, now)
}

func newEcho(icmpType uint8, src, dst net.IP, ttl, seq int, id uint16, tracker uuid.UUID, now time.Time) ([]byte, error) {
	ip := &layers.IPv4{
		Version:  4,
		TTL:      uint8(ttl),
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    src,
		DstIP:    dst,
	}
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(icmpType, 0),
		Id:       id,
		Seq:      uint16(seq),
	}
	payload := append(timeToBytes(now), tracker[:]...)
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, icmp, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return buf.Bytes(), nil
}

func timeToBytes(t time.Time) []byte {
	b := make([]byte, timeSliceLength)
	binary.BigEndian.PutUint64(b, uint64(t.UnixNano()))
	return b
}

func bytesToTime(b []byte) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(b)))
}
