// Package service wires channel registration, message forwarding and
// credential checks into the relay server's API surface.
package service

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/adwski/camlink/model"
	"github.com/adwski/camlink/relay"
	"github.com/adwski/camlink/relayserver/hub"
	"github.com/adwski/camlink/relayserver/storage/memory"
	"github.com/adwski/camlink/session/icecfg"
)

var (
	ErrUnauthorized = errors.New("credential is not valid for this channel")
	ErrJoin         = errors.New("unable to join channel")
	ErrConnect      = errors.New("unable to connect")
	ErrDisconnect   = errors.New("unable to disconnect")
)

type (
	ChannelStore interface {
		Join(channelName string, clientID string) (*memory.Channel, error)
		Leave(channelName string, clientID string)
		Get(channelName string) (*memory.Channel, error)
	}

	Hub interface {
		Connect(ctx context.Context, channelName string, clientID string, wire hub.Wire) error
		Disconnect(channelName string, clientID string) error
	}

	Service struct {
		store      ChannelStore
		hub        Hub
		logger     zerolog.Logger
		secret     []byte
		iceServers []icecfg.ICEServer
	}

	Config struct {
		ChannelStore ChannelStore
		Hub          Hub
		Logger       *zerolog.Logger
		Secret       []byte
		ICEServers   []icecfg.ICEServer
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		store:      cfg.ChannelStore,
		hub:        cfg.Hub,
		logger:     cfg.Logger.With().Str("component", "api").Logger(),
		secret:     cfg.Secret,
		iceServers: cfg.ICEServers,
	}
}

// Authorize parses the bearer credential and checks that it grants access to
// channelName. Tokens are scoped to a single device, so the channel name must
// be the one derived from the token's subject.
func (svc *Service) Authorize(token, channelName string) (*relay.ChannelClaims, error) {
	claims, err := relay.ParseCredential(svc.secret, token)
	if err != nil {
		return nil, errors.Join(ErrUnauthorized, err)
	}
	if model.ChannelName(claims.Subject) != channelName {
		return nil, ErrUnauthorized
	}
	return claims, nil
}

func (svc *Service) CreateSignalingSession(ctx context.Context, channelName, clientID string, wire hub.Wire) error {
	if _, err := svc.store.Join(channelName, clientID); err != nil {
		return errors.Join(ErrJoin, err)
	}
	if err := svc.hub.Connect(ctx, channelName, clientID, wire); err != nil {
		svc.store.Leave(channelName, clientID)
		return errors.Join(ErrConnect, err)
	}
	svc.logger.Debug().
		Str("clientID", clientID).
		Str("channel", channelName).
		Msg("signaling session connected")
	return nil
}

func (svc *Service) DeleteSignalingSession(channelName, clientID string) error {
	err := svc.hub.Disconnect(channelName, clientID)
	svc.store.Leave(channelName, clientID)
	if err != nil {
		return errors.Join(ErrDisconnect, err)
	}
	svc.logger.Debug().
		Str("clientID", clientID).
		Str("channel", channelName).
		Msg("signaling session deleted")
	return nil
}

// MintToken issues a channel credential for a device. Exposed through the
// HTTP API so demo clients do not need the shared secret.
func (svc *Service) MintToken(deviceID string, role model.Role) (string, error) {
	cred, err := relay.MintCredential(svc.secret, deviceID, role, 0)
	if err != nil {
		return "", err
	}
	return string(cred), nil
}

func (svc *Service) ICEServers() []icecfg.ICEServer {
	return svc.iceServers
}
