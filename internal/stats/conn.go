package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"typestatd/internal/compute"
)

// conn serializes round trips to one unit. A reader goroutine forwards
// responses so a round trip can time out even on transports whose Recv
// ignores its context.
type conn struct {
	h      *Handle
	logger *slog.Logger

	responses chan compute.Response
	dead      chan struct{}
	readErr   error

	rt       sync.Mutex
	torndown atomic.Bool
	wg       sync.WaitGroup
}

func newConn(h *Handle, logger *slog.Logger) *conn {
	c := &conn{
		h:         h,
		logger:    logger,
		responses: make(chan compute.Response, 16),
		dead:      make(chan struct{}),
	}
	c.wg.Add(1)
	go c.read()
	return c
}

func (c *conn) read() {
	defer c.wg.Done()
	defer close(c.dead)

	for {
		resp, err := c.h.Recv(context.Background())
		if err != nil {
			if errors.Is(err, compute.ErrInvalidMessage) {
				c.logger.Warn("discarding malformed response", "error", err)
				continue
			}
			c.readErr = err
			return
		}
		select {
		case c.responses <- resp:
		default:
			c.logger.Debug("response buffer full, discarding", "id", resp.ID, "type", resp.Type)
		}
	}
}

// roundTrip sends req and waits up to timeout for the response with the same
// id. Responses to earlier, abandoned requests are discarded.
func (c *conn) roundTrip(ctx context.Context, req compute.Request, timeout time.Duration) (compute.Response, error) {
	c.rt.Lock()
	defer c.rt.Unlock()

	select {
	case <-c.dead:
		return compute.Response{}, c.deadErr()
	default:
	}

	if err := c.h.Send(ctx, req); err != nil {
		if ctx.Err() != nil {
			return compute.Response{}, ctx.Err()
		}
		return compute.Response{}, fmt.Errorf("%w: send %s: %v", ErrUnitUnresponsive, req.Type, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case resp := <-c.responses:
			if resp.ID == req.ID {
				return resp, nil
			}
			c.logger.Debug("discarding stale response", "id", resp.ID, "want", req.ID)
		case <-c.dead:
			// Take a response that raced the end of the stream.
			for {
				select {
				case resp := <-c.responses:
					if resp.ID == req.ID {
						return resp, nil
					}
				default:
					return compute.Response{}, c.deadErr()
				}
			}
		case <-timer.C:
			return compute.Response{}, fmt.Errorf("%w: no %s response within %s", ErrUnitUnresponsive, req.Type, timeout)
		case <-ctx.Done():
			return compute.Response{}, ctx.Err()
		}
	}
}

// deadErr must only be called after dead is closed.
func (c *conn) deadErr() error {
	if c.readErr != nil {
		return fmt.Errorf("%w: unit exited: %v", ErrUnitUnresponsive, c.readErr)
	}
	return fmt.Errorf("%w: unit exited", ErrUnitUnresponsive)
}

func (c *conn) alive() bool {
	select {
	case <-c.dead:
		return false
	default:
		return !c.torndown.Load()
	}
}

// tearDown stops the unit and waits for the reader to finish.
func (c *conn) tearDown() {
	c.torndown.Store(true)
	if err := c.h.Stop(); err != nil {
		c.logger.Debug("compute unit stop", "error", err)
	}
	c.wg.Wait()
}
