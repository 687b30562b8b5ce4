package service

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
	"github.com/adwski/camlink/relayserver/hub"
	"github.com/adwski/camlink/relayserver/storage/memory"
)

func testLogger() *zerolog.Logger {
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)
	return &logger
}

func newTestService() *Service {
	logger := testLogger()
	return NewService(Config{
		ChannelStore: memory.NewMemStore(),
		Hub:          hub.NewHub(logger),
		Logger:       logger,
		Secret:       []byte("test-secret"),
	})
}

func TestAuthorizeAcceptsMatchingChannel(t *testing.T) {
	svc := newTestService()

	token, err := svc.MintToken("device-1", model.RoleProducer)
	require.NoError(t, err)

	claims, err := svc.Authorize(token, model.ChannelName("device-1"))
	require.NoError(t, err)
	assert.Equal(t, model.RoleProducer, claims.Role)
	assert.Equal(t, "device-1", claims.Subject)
}

func TestAuthorizeRejectsForeignChannel(t *testing.T) {
	svc := newTestService()

	token, err := svc.MintToken("device-1", model.RoleViewer)
	require.NoError(t, err)

	_, err = svc.Authorize(token, model.ChannelName("device-2"))
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthorizeRejectsForgedToken(t *testing.T) {
	svc := newTestService()

	forged, err := relay.MintCredential([]byte("other-secret"), "device-1", model.RoleViewer, time.Hour)
	require.NoError(t, err)

	_, err = svc.Authorize(forged.Token(), model.ChannelName("device-1"))
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestCreateSignalingSessionEnforcesChannelCap(t *testing.T) {
	svc := newTestService()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, svc.CreateSignalingSession(ctx, "dev-v2", "client-1", hub.NewWire()))
	require.NoError(t, svc.CreateSignalingSession(ctx, "dev-v2", "client-2", hub.NewWire()))

	err := svc.CreateSignalingSession(ctx, "dev-v2", "client-3", hub.NewWire())
	require.ErrorIs(t, err, ErrJoin)
}

func TestDeleteSignalingSessionFreesSlot(t *testing.T) {
	svc := newTestService()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, svc.CreateSignalingSession(ctx, "dev-v2", "client-1", hub.NewWire()))
	require.NoError(t, svc.CreateSignalingSession(ctx, "dev-v2", "client-2", hub.NewWire()))
	require.NoError(t, svc.DeleteSignalingSession("dev-v2", "client-2"))

	require.NoError(t, svc.CreateSignalingSession(ctx, "dev-v2", "client-3", hub.NewWire()))
}
