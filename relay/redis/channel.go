// Package redis implements the relay channel over redis pub/sub. Redis
// delivers a published message to every subscriber of the channel,
// including the publisher's own subscription, matching the relay delivery
// model the signaling layer assumes.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/adwski/camlink/model"
	"github.com/adwski/camlink/relay"
)

var ErrConnect = errors.New("unable to connect to redis")

type Config struct {
	Logger   *zerolog.Logger
	Addr     string
	Password string // empty means the channel credential is used
	DB       int
}

type Channel struct {
	logger zerolog.Logger
	cfg    Config
	subs   *relay.SubscriberSet
	states *relay.StateNotifier

	mu        sync.Mutex
	client    *redis.Client
	pubsub    *redis.PubSub
	cancel    context.CancelFunc
	name      string
	connected bool
}

var _ relay.Channel = (*Channel)(nil)

func NewChannel(cfg Config) *Channel {
	return &Channel{
		logger: cfg.Logger.With().Str("component", "redis-relay").Logger(),
		cfg:    cfg,
		subs:   relay.NewSubscriberSet(cfg.Logger),
		states: relay.NewStateNotifier(),
	}
}

func (c *Channel) Connect(ctx context.Context, cred relay.Credential, channelName string) error {
	c.mu.Lock()
	if c.connected {
		if c.name == channelName {
			c.mu.Unlock()
			c.states.Set(c.states.Last())
			return nil
		}
		c.disconnectLocked()
	}
	c.mu.Unlock()

	c.states.Set(relay.State{Status: relay.StatusConnecting})

	password := c.cfg.Password
	if password == "" {
		password = cred.Token()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     c.cfg.Addr,
		Password: password,
		DB:       c.cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		err = errors.Join(ErrConnect, err)
		c.states.Set(relay.State{Status: relay.StatusFailed, Err: err})
		return err
	}

	pubsub := client.Subscribe(ctx, channelName)
	// Force the SUBSCRIBE round-trip so a dead server fails Connect
	// instead of the first receive.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		_ = client.Close()
		err = errors.Join(ErrConnect, err)
		c.states.Set(relay.State{Status: relay.StatusFailed, Err: err})
		return err
	}

	readCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.client = client
	c.pubsub = pubsub
	c.cancel = cancel
	c.name = channelName
	c.connected = true
	c.mu.Unlock()

	go c.readLoop(readCtx, pubsub)

	c.states.Set(relay.State{Status: relay.StatusConnected})
	c.logger.Debug().Str("channel", channelName).Msg("subscribed")
	return nil
}

func (c *Channel) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectLocked()
	return nil
}

func (c *Channel) disconnectLocked() {
	if !c.connected {
		return
	}
	c.cancel()
	_ = c.pubsub.Close()
	_ = c.client.Close()
	c.client, c.pubsub, c.cancel = nil, nil, nil
	c.connected = false
	c.states.Set(relay.State{Status: relay.StatusDisconnected})
}

func (c *Channel) Publish(ctx context.Context, msg model.SignalMessage) error {
	c.mu.Lock()
	client, name, connected := c.client, c.name, c.connected
	c.mu.Unlock()
	if !connected {
		return relay.ErrNotConnected
	}

	b, err := json.Marshal(&msg)
	if err != nil {
		return err
	}
	if err = client.Publish(ctx, name, b).Err(); err != nil {
		return fmt.Errorf("publishing to redis channel %s: %w", name, err)
	}
	return nil
}

func (c *Channel) Subscribe(types ...model.MessageType) <-chan model.SignalMessage {
	return c.subs.Subscribe(types...)
}

func (c *Channel) States() <-chan relay.State {
	return c.states.C()
}

func (c *Channel) readLoop(ctx context.Context, pubsub *redis.PubSub) {
	in := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-in:
			if !ok {
				c.connectionLost(pubsub)
				return
			}
			var msg model.SignalMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				c.logger.Error().Err(err).Msg("failed to unmarshall incoming message")
				continue
			}
			c.subs.Deliver(msg)
		}
	}
}

func (c *Channel) connectionLost(pubsub *redis.PubSub) {
	c.mu.Lock()
	current := c.connected && c.pubsub == pubsub
	if current {
		c.cancel()
		_ = c.pubsub.Close()
		_ = c.client.Close()
		c.client, c.pubsub, c.cancel = nil, nil, nil
		c.connected = false
	}
	c.mu.Unlock()

	if current {
		c.states.Set(relay.State{Status: relay.StatusDisconnected})
	}
}
