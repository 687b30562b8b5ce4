package memory

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adwski/camlink/model"
	"github.com/adwski/camlink/relay"
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

func recvState(t *testing.T, ch <-chan relay.State) relay.State {
	t.Helper()
	select {
	case st := <-ch:
		return st
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for state")
	}
	return relay.State{}
}

func TestHubDeliversToAllIncludingSender(t *testing.T) {
	hub := NewHub()
	producer := hub.NewChannel(testLogger())
	viewer := hub.NewChannel(testLogger())

	prodMsgs := producer.Subscribe()
	viewMsgs := viewer.Subscribe()

	ctx := context.Background()
	require.NoError(t, producer.Connect(ctx, "cred", "dev-v2"))
	require.NoError(t, viewer.Connect(ctx, "cred", "dev-v2"))

	offer := model.NewOffer(model.RoleProducer, "sdp")
	require.NoError(t, producer.Publish(ctx, offer))

	got := recvMsg(t, viewMsgs)
	assert.Equal(t, offer.SDP, got.SDP)

	echo := recvMsg(t, prodMsgs)
	assert.True(t, echo.FromSelf(model.RoleProducer), "publisher receives its own message back")
}

func TestChannelPublishWhileDisconnected(t *testing.T) {
	hub := NewHub()
	ch := hub.NewChannel(testLogger())

	err := ch.Publish(context.Background(), model.NewOffer(model.RoleProducer, "sdp"))
	require.ErrorIs(t, err, relay.ErrNotConnected)
}

func TestSubscribeFiltersByType(t *testing.T) {
	hub := NewHub()
	ch := hub.NewChannel(testLogger())
	offers := ch.Subscribe(model.TypeOffer)

	ctx := context.Background()
	require.NoError(t, ch.Connect(ctx, "cred", "dev-v2"))

	require.NoError(t, ch.Publish(ctx, model.NewAnswer(model.RoleViewer, "sdp-a")))
	require.NoError(t, ch.Publish(ctx, model.NewOffer(model.RoleProducer, "sdp-o")))

	got := recvMsg(t, offers)
	assert.Equal(t, model.TypeOffer, got.Type)
}

func TestConnectFailureEmitsFailedState(t *testing.T) {
	hub := NewHub()
	ch := hub.NewChannel(testLogger())
	states := ch.States()
	hub.FailNextConnects(1)

	err := ch.Connect(context.Background(), "cred", "dev-v2")
	require.Error(t, err)

	st := recvState(t, states)
	assert.Equal(t, relay.StatusConnecting, st.Status)
	st = recvState(t, states)
	assert.Equal(t, relay.StatusFailed, st.Status)
	require.Error(t, st.Err)
}

func TestDropEmitsDisconnected(t *testing.T) {
	hub := NewHub()
	ch := hub.NewChannel(testLogger())
	states := ch.States()

	require.NoError(t, ch.Connect(context.Background(), "cred", "dev-v2"))
	assert.Equal(t, relay.StatusConnecting, recvState(t, states).Status)
	assert.Equal(t, relay.StatusConnected, recvState(t, states).Status)

	hub.Drop("dev-v2")
	assert.Equal(t, relay.StatusDisconnected, recvState(t, states).Status)

	err := ch.Publish(context.Background(), model.NewOffer(model.RoleProducer, "sdp"))
	require.ErrorIs(t, err, relay.ErrNotConnected)
}

func TestReconnectSameChannelRedeliversState(t *testing.T) {
	hub := NewHub()
	ch := hub.NewChannel(testLogger())
	states := ch.States()
	ctx := context.Background()

	require.NoError(t, ch.Connect(ctx, "cred", "dev-v2"))
	assert.Equal(t, relay.StatusConnecting, recvState(t, states).Status)
	assert.Equal(t, relay.StatusConnected, recvState(t, states).Status)

	require.NoError(t, ch.Connect(ctx, "cred", "dev-v2"))
	assert.Equal(t, relay.StatusConnected, recvState(t, states).Status, "no-op reconnect re-delivers last state")
}
