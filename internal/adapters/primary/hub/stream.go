package hub

import (
	"bufio"
	"context"
	"time"

	"github.com/goccy/go-json"
	apperrors "github.com/lorrc/workshop-sync/internal/core/errors"
)

// keepAliveInterval spaces SSE comment lines while no frames flow.
const keepAliveInterval = 15 * time.Second

// Flusher pushes buffered SSE output to the network.
type Flusher interface {
	Flush()
}

// StreamEvents writes queued frames as server-sent events until ctx ends
// or the client is unregistered.
func (c *Client) StreamEvents(ctx context.Context, w *bufio.Writer, f Flusher) error {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	flush := func() error {
		if err := w.Flush(); err != nil {
			return err
		}
		f.Flush()
		return nil
	}

	// Opening comment so the client sees the stream start.
	if _, err := w.WriteString(":ok\n\n"); err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-c.Send:
			if !ok {
				return apperrors.ErrConnectionGone
			}
			if _, err := w.WriteString("data: "); err != nil {
				return err
			}
			if _, err := w.Write(frame); err != nil {
				return err
			}
			if _, err := w.WriteString("\n\n"); err != nil {
				return err
			}
			if err := flush(); err != nil {
				return err
			}
		case <-ticker.C:
			if _, err := w.WriteString(":keep-alive\n\n"); err != nil {
				return err
			}
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

// Poll waits up to the hub's poll hold for at least one frame and
// returns everything queued. An empty result means the hold expired.
func (c *Client) Poll(ctx context.Context) ([]json.RawMessage, error) {
	hold := time.NewTimer(c.hub.cfg.PollHold)
	defer hold.Stop()

	var frames []json.RawMessage
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-hold.C:
		return nil, nil
	case frame, ok := <-c.Send:
		if !ok {
			return nil, apperrors.ErrConnectionGone
		}
		frames = append(frames, frame)
	}

	for {
		select {
		case frame, ok := <-c.Send:
			if !ok {
				return frames, nil
			}
			frames = append(frames, frame)
		default:
			c.touch(c.hub.clock.Now())
			return frames, nil
		}
	}
}
