// Package icecfg fetches ICE server configuration from the relay server's
// HTTP API. TURN credentials rotate server-side, so peers fetch a fresh
// set before each session instead of baking servers into local config.
package icecfg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pion/webrtc/v4"
)

const defaultFetchTimeout = 5 * time.Second

var ErrFetch = errors.New("unable to fetch ice configuration")

// ICEServer is the wire form of one STUN/TURN server entry.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Fetch retrieves ICE servers from baseURL (the relay server HTTP API).
// An empty baseURL returns fallback unchanged, which keeps same-LAN
// host-candidate setups working without any endpoint at all.
func Fetch(ctx context.Context, baseURL string, fallback []webrtc.ICEServer) ([]webrtc.ICEServer, error) {
	if baseURL == "" {
		return fallback, nil
	}

	var servers []ICEServer
	client := resty.New().SetTimeout(defaultFetchTimeout)
	resp, err := client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetResult(&servers).
		Get(baseURL + "/api/ice-config")
	if err != nil {
		return nil, errors.Join(ErrFetch, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: status %s", ErrFetch, resp.Status())
	}

	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, srv := range servers {
		entry := webrtc.ICEServer{URLs: srv.URLs}
		if srv.Username != "" {
			entry.Username = srv.Username
			entry.Credential = srv.Credential
			entry.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, entry)
	}
	return out, nil
}
