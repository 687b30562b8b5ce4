package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromSelfMatchesSenderRole(t *testing.T) {
	offer := NewOffer(RoleProducer, "sdp")
	assert.True(t, offer.FromSelf(RoleProducer))
	assert.False(t, offer.FromSelf(RoleViewer))
}

func TestConfirmationIsNeverSuppressedAsEcho(t *testing.T) {
	conf := NewControlConfirmation(ControlConfirmation{
		Name:      "stop",
		Status:    StatusSuccess,
		Timestamp: time.Now(),
	})

	// Confirmations carry no sender role, so neither side drops them.
	assert.False(t, conf.FromSelf(RoleProducer))
	assert.False(t, conf.FromSelf(RoleViewer))
}

func TestChannelNameDerivation(t *testing.T) {
	assert.Equal(t, "device-1-v2", ChannelName("device-1"))
}

func TestSignalMessageWireFormat(t *testing.T) {
	msg := NewIceCandidate(RoleViewer, "candidate:1", "0", 1)

	b, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, "ICE_CANDIDATE", decoded["type"])
	assert.Equal(t, "VIEWER", decoded["sender_role"])
	assert.Equal(t, "candidate:1", decoded["sdp"])
	assert.Equal(t, "0", decoded["sdp_mid"])
	assert.Equal(t, float64(1), decoded["sdp_mline_index"])
}
