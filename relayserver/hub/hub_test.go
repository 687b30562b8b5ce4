package hub

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adwski/camlink/model"
)

func testLogger() *zerolog.Logger {
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)
	return &logger
}

func recvMsg(t *testing.T, ch <-chan model.SignalMessage) model.SignalMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
	return model.SignalMessage{}
}

func TestBroadcastIncludesSender(t *testing.T) {
	h := NewHub(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	producer := NewWire()
	viewer := NewWire()
	require.NoError(t, h.Connect(ctx, "dev-v2", "prod", producer))
	require.NoError(t, h.Connect(ctx, "dev-v2", "view", viewer))

	offer := model.NewOffer(model.RoleProducer, "sdp")
	producer.RX <- offer

	got := recvMsg(t, viewer.TX)
	assert.Equal(t, offer.SDP, got.SDP)
	echo := recvMsg(t, producer.TX)
	assert.Equal(t, offer.SDP, echo.SDP, "publisher gets its own message back")
}

func TestStalledSubscriberDoesNotBlockPeers(t *testing.T) {
	h := NewHub(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	producer := NewWire()
	viewer := NewWire()
	require.NoError(t, h.Connect(ctx, "dev-v2", "prod", producer))
	require.NoError(t, h.Connect(ctx, "dev-v2", "view", viewer))

	// The producer never reads its own TX. The viewer must still get the
	// message well before the dead-subscriber timeout expires.
	start := time.Now()
	producer.RX <- model.NewOffer(model.RoleProducer, "sdp")
	got := recvMsg(t, viewer.TX)

	assert.Equal(t, "sdp", got.SDP)
	assert.Less(t, time.Since(start), defaultFwdTimeout,
		"delivery to a live subscriber waited on a stalled one")
}

func TestDisconnectedSubscriberStopsReceiving(t *testing.T) {
	h := NewHub(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	producer := NewWire()
	viewer := NewWire()
	require.NoError(t, h.Connect(ctx, "dev-v2", "prod", producer))
	require.NoError(t, h.Connect(ctx, "dev-v2", "view", viewer))
	require.NoError(t, h.Disconnect("dev-v2", "view"))

	producer.RX <- model.NewOffer(model.RoleProducer, "sdp")
	recvMsg(t, producer.TX)

	select {
	case <-viewer.TX:
		t.Fatal("disconnected subscriber received a message")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannelsAreIsolated(t *testing.T) {
	h := NewHub(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := NewWire()
	b := NewWire()
	require.NoError(t, h.Connect(ctx, "dev-a-v2", "client-a", a))
	require.NoError(t, h.Connect(ctx, "dev-b-v2", "client-b", b))

	a.RX <- model.NewOffer(model.RoleProducer, "sdp")
	recvMsg(t, a.TX)

	select {
	case <-b.TX:
		t.Fatal("message crossed channel boundary")
	case <-time.After(50 * time.Millisecond):
	}
}
