package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"kmflowd/internal/event"
	"kmflowd/internal/spool"
	"kmflowd/internal/transport"
)

// SpooledSink delivers events through the transport client and falls back
// to the encrypted on-disk spool when the channel is down, so events
// captured while the companion is unreachable are not lost.
type SpooledSink struct {
	client *transport.Client
	spool  *spool.Spool
	log    *slog.Logger
}

// NewSpooledSink wires the transport client and spool together.
func NewSpooledSink(client *transport.Client, sp *spool.Spool, log *slog.Logger) *SpooledSink {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SpooledSink{client: client, spool: sp, log: log}
}

// Send enqueues the event on the channel, spooling it instead when the
// channel has hard-failed.
func (s *SpooledSink) Send(ctx context.Context, ev *event.CaptureEvent) error {
	err := s.client.Send(ctx, ev)
	if err == nil {
		return nil
	}
	if errors.Is(err, transport.ErrChannelDown) || errors.Is(err, transport.ErrClosed) {
		if s.spool == nil {
			return err
		}
		if spoolErr := s.spool.Append(ev); spoolErr != nil {
			return fmt.Errorf("channel down and spool failed: %w", errors.Join(err, spoolErr))
		}
		s.log.Debug("event spooled", "seq", ev.Seq)
		return nil
	}
	return err
}

// Flush replays spooled events onto the channel in sequence order,
// acknowledging and pruning what was accepted. Called at startup and
// periodically while the channel is healthy.
func (s *SpooledSink) Flush(ctx context.Context, batch int) error {
	if s.spool == nil {
		return nil
	}
	if batch <= 0 {
		batch = 100
	}

	for {
		pending, err := s.spool.Pending(batch)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}

		var highest uint64
		for _, ev := range pending {
			if err := s.client.Send(ctx, ev); err != nil {
				if highest > 0 {
					s.spool.Ack(highest)
				}
				return err
			}
			highest = ev.Seq
		}
		if err := s.spool.Ack(highest); err != nil {
			return err
		}
		if _, err := s.spool.PruneAcked(); err != nil {
			return err
		}
		if len(pending) < batch {
			return nil
		}
	}
}

// Close closes the transport client. The spool stays open; its lifecycle
// belongs to the daemon.
func (s *SpooledSink) Close() error {
	return s.client.Close()
}
