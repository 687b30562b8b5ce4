package relay

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/adwski/camlink/model"
)

// defaultDrainDelay separates replayed sends to avoid relay-side rate
// limiting when the queue built up during a long outage.
const defaultDrainDelay = 50 * time.Millisecond

// Publisher sends signaling messages through a Channel and falls back to
// the OutboundQueue whenever the channel is not connected. It is the only
// publish path the session layer uses, so "publish while disconnected"
// can never throw or silently drop.
type Publisher struct {
	ch         Channel
	queue      *OutboundQueue
	logger     zerolog.Logger
	drainDelay time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

type PublisherConfig struct {
	Logger     *zerolog.Logger
	Channel    Channel
	Queue      *OutboundQueue
	DrainDelay time.Duration // 0 means default
}

func NewPublisher(cfg PublisherConfig) *Publisher {
	delay := cfg.DrainDelay
	if delay == 0 {
		delay = defaultDrainDelay
	}
	return &Publisher{
		ch:         cfg.Channel,
		queue:      cfg.Queue,
		logger:     cfg.Logger.With().Str("component", "publisher").Logger(),
		drainDelay: delay,
		sleep:      sleepCtx,
	}
}

// Publish sends msg now when the channel is connected, otherwise the
// message joins the outbound queue for the next drain. Errors other than
// ErrNotConnected are returned as-is.
func (p *Publisher) Publish(ctx context.Context, msg model.SignalMessage) error {
	err := p.ch.Publish(ctx, msg)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotConnected):
		p.queue.Enqueue(msg)
		p.logger.Debug().
			Str("type", string(msg.Type)).
			Int("queued", p.queue.Len()).
			Msg("relay not connected, message queued")
		return nil
	default:
		return err
	}
}

// DrainIfConnected replays queued messages in original enqueue order.
// Invoked exactly once per transition into the connected state. Entries
// that fail again (channel dropped mid-drain) are re-enqueued.
func (p *Publisher) DrainIfConnected(ctx context.Context) {
	pendingEntries := p.queue.Snapshot()
	if len(pendingEntries) == 0 {
		return
	}
	p.logger.Info().Int("count", len(pendingEntries)).Msg("draining outbound queue")

	for idx, entry := range pendingEntries {
		if err := p.ch.Publish(ctx, entry.Message); err != nil {
			p.logger.Warn().Err(err).
				Str("type", string(entry.Message.Type)).
				Msg("drain interrupted, re-queueing remainder")
			p.queue.Requeue(pendingEntries[idx:])
			return
		}
		if idx == len(pendingEntries)-1 {
			break
		}
		if err := p.sleep(ctx, p.drainDelay); err != nil {
			p.queue.Requeue(pendingEntries[idx+1:])
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
