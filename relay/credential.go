package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/adwski/camlink/model"
)

const defaultCredentialTTL = 24 * time.Hour

var ErrInvalidCredential = errors.New("invalid relay credential")

// Credential authorizes a peer to join a relay channel. The relay server
// validates it before wiring the subscriber into the channel hub.
type Credential string

func (c Credential) Token() string {
	return string(c)
}

// ChannelClaims are the JWT claims carried by a Credential. The subject is
// the shared device identifier; Role records which side the holder may act
// as on the device's channel.
type ChannelClaims struct {
	Role model.Role `json:"role"`
	jwt.RegisteredClaims
}

// MintCredential signs an HS256 channel credential for the given device
// and role.
func MintCredential(secret []byte, deviceID string, role model.Role, ttl time.Duration) (Credential, error) {
	if ttl == 0 {
		ttl = defaultCredentialTTL
	}
	now := time.Now()
	claims := ChannelClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("signing channel credential: %w", err)
	}
	return Credential(signed), nil
}

// ParseCredential validates token signature and expiry and returns the
// claims. Used by the relay server side.
func ParseCredential(secret []byte, token string) (*ChannelClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &ChannelClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, errors.Join(ErrInvalidCredential, err)
	}
	claims, ok := parsed.Claims.(*ChannelClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidCredential
	}
	return claims, nil
}
