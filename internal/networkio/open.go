package networkio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ooni/vpncore/internal/model"
	"github.com/ooni/vpncore/pkg/config"
)

// Open dials the endpoints in priority order, giving each of them at most
// connectTimeout, and returns a [Conn] for the first one that answers. When
// every endpoint fails the error wraps [model.ErrUnreachable] together with
// each endpoint's error.
func Open(
	ctx context.Context,
	logger model.Logger,
	dialer model.Dialer,
	endpoints []config.Endpoint,
	connectTimeout time.Duration,
) (*Conn, error) {
	conn, _, err := OpenFrom(ctx, logger, dialer, endpoints, 0, connectTimeout)
	return conn, err
}

// OpenFrom is like [Open] but starts from endpoints[start] and wraps around,
// so that each endpoint is dialed at most once. It also returns the index
// of the endpoint it connected to.
func OpenFrom(
	ctx context.Context,
	logger model.Logger,
	dialer model.Dialer,
	endpoints []config.Endpoint,
	start int,
	connectTimeout time.Duration,
) (*Conn, int, error) {
	if len(endpoints) == 0 {
		return nil, 0, fmt.Errorf("%w: no endpoints", model.ErrUnreachable)
	}
	d := NewDialer(logger, dialer)
	errs := make([]error, 0, len(endpoints))
	for i := range endpoints {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		index := (start + i) % len(endpoints)
		endpoint := endpoints[index]
		logger.Infof("networkio: connecting to %s", endpoint)
		conn, err := dialOne(ctx, d, endpoint, connectTimeout)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", endpoint, err))
			continue
		}
		logger.Infof("networkio: connected to %s", endpoint)
		return NewConn(logger, conn, endpoint), index, nil
	}
	return nil, 0, fmt.Errorf("%w: %w", model.ErrUnreachable, errors.Join(errs...))
}

func dialOne(ctx context.Context, d *Dialer, endpoint config.Endpoint, timeout time.Duration) (FramingConn, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return d.DialContext(ctx, string(endpoint.Proto), endpoint.Address())
}
