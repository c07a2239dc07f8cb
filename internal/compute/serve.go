package compute

import (
	"context"
	"errors"
	"time"
)

type received struct {
	req Request
	err error
}

// Serve runs u against t until a shutdown request has been answered, the
// transport closes, or ctx is cancelled. Requests are handled one at a time
// in arrival order; memory samples are taken between requests every
// MonitorInterval. Invalid envelopes are answered with an error response and
// do not stop the loop. Serve closes t before returning.
func Serve(ctx context.Context, u *Unit, t ServerTransport) error {
	done := make(chan struct{})
	defer t.Close()
	defer close(done)

	reqs := make(chan received)
	go func() {
		for {
			req, err := t.Recv(ctx)
			select {
			case reqs <- received{req: req, err: err}:
			case <-done:
				return
			}
			if err != nil && !errors.Is(err, ErrInvalidMessage) {
				return
			}
		}
	}()

	ticker := time.NewTicker(u.MonitorInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			u.Sample()

		case r := <-reqs:
			if r.err != nil {
				if !errors.Is(r.err, ErrInvalidMessage) {
					if errors.Is(r.err, ErrClosed) {
						return nil
					}
					return r.err
				}
				u.logger.Warn("rejected invalid message", "id", r.req.ID, "error", r.err)
				if err := t.Send(ctx, errorResponse(r.req.ID, r.err)); err != nil {
					return err
				}
				continue
			}

			if err := t.Send(ctx, u.Handle(ctx, r.req)); err != nil {
				if errors.Is(err, ErrClosed) {
					return nil
				}
				return err
			}
			if u.Stopped() {
				return nil
			}
		}
	}
}
