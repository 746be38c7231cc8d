package networkio

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ooni/vpncore/internal/model"
	"github.com/ooni/vpncore/pkg/config"
)

// defaultWriteTimeout bounds each Send.
const defaultWriteTimeout = 10 * time.Second

// Conn is the transport of a single session: a framed connection to the
// endpoint that won the [Open] race. The zero value is invalid.
type Conn struct {
	conn         FramingConn
	endpoint     config.Endpoint
	logger       model.Logger
	writeTimeout time.Duration
}

// NewConn wraps a [FramingConn] connected to endpoint.
func NewConn(logger model.Logger, conn FramingConn, endpoint config.Endpoint) *Conn {
	return &Conn{
		conn:         conn,
		endpoint:     endpoint,
		logger:       logger,
		writeTimeout: defaultWriteTimeout,
	}
}

// Endpoint returns the endpoint we are connected to.
func (c *Conn) Endpoint() config.Endpoint {
	return c.endpoint
}

// Send writes one packet. Errors wrap [model.ErrTimeout] or
// [model.ErrTransport].
func (c *Conn) Send(pkt []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.conn.WriteRawPacket(pkt); err != nil {
		return classifyError(err)
	}
	return nil
}

// Receive reads one packet. A zero timeout blocks until a packet arrives or
// the conn is closed. Errors wrap [model.ErrTimeout] or [model.ErrTransport].
func (c *Conn) Receive(timeout time.Duration) ([]byte, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	c.conn.SetReadDeadline(deadline)
	pkt, err := c.conn.ReadRawPacket()
	if err != nil {
		return nil, classifyError(err)
	}
	return pkt, nil
}

// Close releases the socket. It is safe to call more than once.
func (c *Conn) Close() error {
	return c.conn.Close()
}

func classifyError(err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: %s", model.ErrTimeout, err.Error())
	}
	return fmt.Errorf("%w: %s", model.ErrTransport, err.Error())
}
