// Package websocket implements the relay channel over a websocket relay
// server (cmd/camlink-relay or compatible).
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adwski/camlink/model"
	"github.com/adwski/camlink/relay"
)

const (
	defaultHandshakeTimeout   = 3 * time.Second
	defaultWriteDeadline      = 5 * time.Second
	defaultCloseWriteDeadline = 2 * time.Second
	defaultMaxMessageSize     = 65536

	// defaultPongWait - defaultPingInterval == is how long we give the
	// relay to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var ErrDial = errors.New("unable to dial relay server")

type Config struct {
	Logger *zerolog.Logger

	// URL is the relay server base, e.g. "ws://relay:8888". The channel
	// name is appended as the path.
	URL string
}

// Channel is a relay.Channel over one websocket connection per channel.
type Channel struct {
	logger  zerolog.Logger
	baseURL string
	subs    *relay.SubscriberSet
	states  *relay.StateNotifier

	mu        sync.Mutex
	conn      *websocket.Conn
	name      string
	connected bool
	done      chan struct{}

	writeMu sync.Mutex
}

var _ relay.Channel = (*Channel)(nil)

func NewChannel(cfg Config) *Channel {
	return &Channel{
		logger:  cfg.Logger.With().Str("component", "websocket-relay").Logger(),
		baseURL: cfg.URL,
		subs:    relay.NewSubscriberSet(cfg.Logger),
		states:  relay.NewStateNotifier(),
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

	dialer := &websocket.Dialer{
		HandshakeTimeout: defaultHandshakeTimeout,
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+cred.Token())

	conn, resp, err := dialer.DialContext(ctx, c.baseURL+"/channel/"+channelName, header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		err = errors.Join(ErrDial, err)
		c.states.Set(relay.State{Status: relay.StatusFailed, Err: err})
		return err
	}

	done := make(chan struct{})

	c.mu.Lock()
	c.conn = conn
	c.name = channelName
	c.connected = true
	c.done = done
	c.mu.Unlock()

	go c.readLoop(conn, done)
	go c.pingLoop(conn, done)

	c.states.Set(relay.State{Status: relay.StatusConnected})
	c.logger.Debug().Str("channel", channelName).Msg("relay connected")
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
	conn := c.conn
	c.connected = false
	c.conn = nil
	close(c.done)

	c.writeMu.Lock()
	if err := conn.SetWriteDeadline(time.Now().Add(defaultCloseWriteDeadline)); err == nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	c.writeMu.Unlock()
	_ = conn.Close()

	c.states.Set(relay.State{Status: relay.StatusDisconnected})
}

func (c *Channel) Publish(_ context.Context, msg model.SignalMessage) error {
	c.mu.Lock()
	conn, connected := c.conn, c.connected
	c.mu.Unlock()
	if !connected {
		return relay.ErrNotConnected
	}

	b, err := json.Marshal(&msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err = conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (c *Channel) Subscribe(types ...model.MessageType) <-chan model.SignalMessage {
	return c.subs.Subscribe(types...)
}

func (c *Channel) States() <-chan relay.State {
	return c.states.C()
}

func (c *Channel) readLoop(conn *websocket.Conn, done chan struct{}) {
	conn.SetReadLimit(defaultMaxMessageSize)
	readDeadlineFunc := func() error {
		return conn.SetReadDeadline(time.Now().Add(defaultPongWait))
	}
	conn.SetPongHandler(func(string) error {
		c.logger.Trace().Msg("got pong")
		return readDeadlineFunc()
	})
	if err := readDeadlineFunc(); err != nil {
		c.logger.Error().Err(err).Msg("failed to set websocket read deadline")
		c.connectionLost(conn)
		return
	}

	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
				// Requested disconnect, already reported.
			default:
				if websocket.IsCloseError(err,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					c.logger.Warn().Err(err).Msg("relay closed connection")
				} else {
					c.logger.Error().Err(err).Msg("unexpected error during receive")
				}
				c.connectionLost(conn)
			}
			return
		}

		var msg model.SignalMessage
		if err = json.Unmarshal(b, &msg); err != nil {
			c.logger.Error().Err(err).Msg("failed to unmarshall incoming message")
			continue
		}
		c.subs.Deliver(msg)
	}
}

func (c *Channel) pingLoop(conn *websocket.Conn, done chan struct{}) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-done:
			return
		case <-pingTicker.C:
			c.writeMu.Lock()
			err := conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline))
			if err == nil {
				err = conn.WriteMessage(websocket.PingMessage, []byte{})
			}
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Error().Err(err).Msg("failed to send ping")
				return
			}
			c.logger.Trace().Msg("ping sent")
		}
	}
}

// connectionLost transitions to disconnected after an unrequested drop.
// Reconnecting is the owner's job, driven by its reconnect policy.
func (c *Channel) connectionLost(conn *websocket.Conn) {
	c.mu.Lock()
	current := c.connected && c.conn == conn
	if current {
		c.connected = false
		c.conn = nil
		close(c.done)
	}
	c.mu.Unlock()

	if current {
		_ = conn.Close()
		c.states.Set(relay.State{Status: relay.StatusDisconnected})
	}
}
