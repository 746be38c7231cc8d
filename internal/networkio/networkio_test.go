package networkio

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/google/go-cmp/cmp"
	"github.com/ooni/vpncore/internal/model"
	"github.com/ooni/vpncore/internal/vpntest"
	"github.com/ooni/vpncore/internal/workers"
	"github.com/ooni/vpncore/pkg/config"
)

func Test_TCPLikeConn(t *testing.T) {
	t.Run("A tcp-like conn implements the openvpn size framing", func(t *testing.T) {
		dataIn := make([][]byte, 0)
		dataOut := make([][]byte, 0)
		// write size
		dataOut = append(dataOut, []byte{0, 8})
		// write payload
		want := []byte("deadbeef")
		dataOut = append(dataOut, want)

		underlying := newMockedConn("tcp", dataIn, dataOut)
		testDialer := newDialer(underlying)
		dialer := NewDialer(log.Log, testDialer)
		framingConn, err := dialer.DialContext(context.Background(), "tcp", "1.1.1.1")
		if err != nil {
			t.Fatalf("should not error getting a framingConn")
		}
		got, err := framingConn.ReadRawPacket()
		if err != nil {
			t.Errorf("should not error: err = %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("got = %v, want = %v", got, want)
		}

		written := []byte("ingirumimusnocteetconsumimurigni")
		framingConn.WriteRawPacket(written)
		gotWritten := underlying.NetworkWrites()
		if !bytes.Equal(gotWritten[0], append([]byte{0, byte(len(written))}, written...)) {
			t.Errorf("got = %v, want = %v", gotWritten, written)
		}
	})

	t.Run("a tcp-like conn refuses packets larger than the length prefix", func(t *testing.T) {
		underlying := newMockedConn("tcp", nil, nil)
		framingConn, err := NewDialer(log.Log, newDialer(underlying)).DialContext(context.Background(), "tcp", "1.1.1.1")
		if err != nil {
			t.Fatal(err)
		}
		if err := framingConn.WriteRawPacket(make([]byte, 1<<16)); !errors.Is(err, ErrPacketTooLarge) {
			t.Errorf("expected ErrPacketTooLarge, got %v", err)
		}
	})
}

func Test_UDPLikeConn(t *testing.T) {
	t.Run("A udp-like conn returns the packets directly", func(t *testing.T) {
		dataIn := make([][]byte, 0)
		dataOut := make([][]byte, 0)
		// write payload
		want := []byte("deadbeef")
		dataOut = append(dataOut, want)

		underlying := newMockedConn("udp", dataIn, dataOut)
		testDialer := newDialer(underlying)
		dialer := NewDialer(log.Log, testDialer)
		framingConn, err := dialer.DialContext(context.Background(), "udp", "1.1.1.1")
		if err != nil {
			t.Fatalf("should not error getting a framingConn")
		}
		got, err := framingConn.ReadRawPacket()
		if err != nil {
			t.Errorf("should not error: err = %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("got = %v, want = %v", got, want)
		}
		written := []byte("ingirumimusnocteetconsumimurigni")
		framingConn.WriteRawPacket(written)
		gotWritten := underlying.NetworkWrites()
		if !bytes.Equal(gotWritten[0], written) {
			t.Errorf("got = %v, want = %v", gotWritten, written)
		}
	})
}

func Test_CloseOnceConn(t *testing.T) {
	t.Run("A conn can be closed more than once", func(t *testing.T) {
		ctr := 0
		testDialer := &vpntest.Dialer{
			MockDialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
				conn := &vpntest.Conn{
					MockClose: func() error {
						ctr++
						return nil
					},
					MockLocalAddr: func() net.Addr {
						addr := &vpntest.Addr{
							MockString:  func() string { return "1.2.3.4" },
							MockNetwork: func() string { return network },
						}
						return addr
					},
				}
				return conn, nil
			},
		}

		dialer := NewDialer(log.Log, testDialer)
		framingConn, err := dialer.DialContext(context.Background(), "tcp", "1.1.1.1")
		if err != nil {
			t.Fatalf("should not error getting a framingConn")
		}
		framingConn.Close()
		framingConn.Close()
		if ctr != 1 {
			t.Errorf("close function should be called only once")
		}
	})
}

var threeEndpoints = []config.Endpoint{
	{Host: "10.0.0.1", Port: "1194", Proto: config.ProtoUDP},
	{Host: "10.0.0.2", Port: "443", Proto: config.ProtoTCP},
	{Host: "10.0.0.3", Port: "1194", Proto: config.ProtoUDP},
}

// recordingDialer fails every address except the reachable one.
func recordingDialer(reachable string, attempts *[]string) *vpntest.Dialer {
	return &vpntest.Dialer{
		MockDialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
			*attempts = append(*attempts, network+"://"+address)
			if address != reachable {
				return nil, errors.New("connection refused")
			}
			return newMockedConn(network, nil, nil).conn, nil
		},
	}
}

func TestOpen(t *testing.T) {
	t.Run("endpoints are tried in priority order until one answers", func(t *testing.T) {
		var attempts []string
		dialer := recordingDialer("10.0.0.3:1194", &attempts)
		conn, err := Open(context.Background(), model.NewTestLogger(), dialer, threeEndpoints, time.Second)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer conn.Close()
		want := []string{"udp://10.0.0.1:1194", "tcp://10.0.0.2:443", "udp://10.0.0.3:1194"}
		if diff := cmp.Diff(want, attempts); diff != "" {
			t.Error(diff)
		}
		if conn.Endpoint() != threeEndpoints[2] {
			t.Errorf("connected to the wrong endpoint: %s", conn.Endpoint())
		}
	})

	t.Run("the first reachable endpoint wins", func(t *testing.T) {
		var attempts []string
		dialer := recordingDialer("10.0.0.1:1194", &attempts)
		conn, err := Open(context.Background(), model.NewTestLogger(), dialer, threeEndpoints, time.Second)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer conn.Close()
		if len(attempts) != 1 {
			t.Errorf("expected one attempt, got %v", attempts)
		}
	})

	t.Run("exhausting the list returns ErrUnreachable with every cause", func(t *testing.T) {
		var attempts []string
		dialer := recordingDialer("none", &attempts)
		_, err := Open(context.Background(), model.NewTestLogger(), dialer, threeEndpoints, time.Second)
		if !errors.Is(err, model.ErrUnreachable) {
			t.Fatalf("expected ErrUnreachable, got %v", err)
		}
		for _, e := range threeEndpoints {
			if !strings.Contains(err.Error(), e.String()) {
				t.Errorf("error does not mention %s: %v", e, err)
			}
		}
		if len(attempts) != 3 {
			t.Errorf("expected three attempts, got %d", len(attempts))
		}
	})

	t.Run("no endpoints is unreachable", func(t *testing.T) {
		_, err := Open(context.Background(), model.NewTestLogger(), &net.Dialer{}, nil, time.Second)
		if !errors.Is(err, model.ErrUnreachable) {
			t.Fatalf("expected ErrUnreachable, got %v", err)
		}
	})

	t.Run("each endpoint gets the connect timeout", func(t *testing.T) {
		var attempts []string
		dialer := &vpntest.Dialer{
			MockDialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
				attempts = append(attempts, address)
				<-ctx.Done()
				return nil, ctx.Err()
			},
		}
		start := time.Now()
		_, err := Open(context.Background(), model.NewTestLogger(), dialer, threeEndpoints, 20*time.Millisecond)
		if !errors.Is(err, model.ErrUnreachable) || !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(attempts) != 3 {
			t.Errorf("expected three attempts, got %d", len(attempts))
		}
		if time.Since(start) > 5*time.Second {
			t.Error("timeouts were not applied")
		}
	})

	t.Run("starting from a later endpoint wraps around", func(t *testing.T) {
		var attempts []string
		dialer := recordingDialer("10.0.0.1:1194", &attempts)
		conn, index, err := OpenFrom(context.Background(), model.NewTestLogger(), dialer, threeEndpoints, 2, time.Second)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer conn.Close()
		want := []string{"udp://10.0.0.3:1194", "udp://10.0.0.1:1194"}
		if diff := cmp.Diff(want, attempts); diff != "" {
			t.Error(diff)
		}
		if index != 0 {
			t.Errorf("expected index 0, got %d", index)
		}
	})

	t.Run("a wrapped lap dials each endpoint once", func(t *testing.T) {
		var attempts []string
		_, _, err := OpenFrom(context.Background(), model.NewTestLogger(), recordingDialer("none", &attempts), threeEndpoints, 1, time.Second)
		if !errors.Is(err, model.ErrUnreachable) {
			t.Fatalf("expected ErrUnreachable, got %v", err)
		}
		want := []string{"tcp://10.0.0.2:443", "udp://10.0.0.3:1194", "udp://10.0.0.1:1194"}
		if diff := cmp.Diff(want, attempts); diff != "" {
			t.Error(diff)
		}
	})

	t.Run("a canceled context stops the iteration", func(t *testing.T) {
		var attempts []string
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := Open(ctx, model.NewTestLogger(), recordingDialer("none", &attempts), threeEndpoints, time.Second)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		if len(attempts) != 0 {
			t.Errorf("expected no attempts, got %v", attempts)
		}
	})
}

// newPipeConn returns a Conn over one end of a net.Pipe, plus the other end.
func newPipeConn() (*Conn, net.Conn) {
	client, server := net.Pipe()
	endpoint := config.Endpoint{Host: "127.0.0.1", Port: "1194", Proto: config.ProtoTCP}
	return NewConn(model.NewTestLogger(), &StreamConn{newCloseOnceConn(client)}, endpoint), server
}

func TestConn(t *testing.T) {
	t.Run("Send and Receive use the stream framing", func(t *testing.T) {
		conn, peer := newPipeConn()
		defer conn.Close()
		peerConn := &StreamConn{peer}
		go func() {
			pkt, err := peerConn.ReadRawPacket()
			if err == nil {
				peerConn.WriteRawPacket(append(pkt, '!'))
			}
		}()
		if err := conn.Send([]byte("hello")); err != nil {
			t.Fatal(err)
		}
		got, err := conn.Receive(time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != "hello!" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("Receive times out with ErrTimeout", func(t *testing.T) {
		conn, _ := newPipeConn()
		defer conn.Close()
		_, err := conn.Receive(10 * time.Millisecond)
		if !errors.Is(err, model.ErrTimeout) {
			t.Errorf("expected ErrTimeout, got %v", err)
		}
	})

	t.Run("a broken connection yields ErrTransport", func(t *testing.T) {
		conn, peer := newPipeConn()
		defer conn.Close()
		peer.Close()
		_, err := conn.Receive(time.Second)
		if !errors.Is(err, model.ErrTransport) {
			t.Errorf("expected ErrTransport, got %v", err)
		}
		if err := conn.Send([]byte("x")); !errors.Is(err, model.ErrTransport) {
			t.Errorf("expected ErrTransport, got %v", err)
		}
	})

	t.Run("Close is idempotent", func(t *testing.T) {
		conn, _ := newPipeConn()
		if err := conn.Close(); err != nil {
			t.Fatal(err)
		}
		if err := conn.Close(); err != nil {
			t.Errorf("second close returned %v", err)
		}
	})
}

func TestStartReader(t *testing.T) {
	t.Run("packets move up and the read error is reported", func(t *testing.T) {
		conn, peer := newPipeConn()
		manager := workers.NewManager(model.NewTestLogger())
		incoming := make(chan []byte, 8)
		failed := make(chan error, 1)
		StartReader(manager, conn, incoming, failed)

		peerConn := &StreamConn{peer}
		peerConn.WriteRawPacket([]byte("deadbeef"))
		if got := <-incoming; string(got) != "deadbeef" {
			t.Errorf("got %q", got)
		}
		peer.Close()
		if err := <-failed; !errors.Is(err, model.ErrTransport) {
			t.Errorf("expected ErrTransport, got %v", err)
		}
		manager.StartShutdown()
		manager.WaitWorkersShutdown()
		conn.Close()
	})

	t.Run("closing the conn stops the reader", func(t *testing.T) {
		conn, _ := newPipeConn()
		manager := workers.NewManager(model.NewTestLogger())
		StartReader(manager, conn, make(chan []byte), make(chan error, 1))
		manager.StartShutdown()
		conn.Close()
		manager.WaitWorkersShutdown()
	})
}
