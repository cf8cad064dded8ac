package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pion/webrtc/v4"
)

const fallbackSTUN = "stun:stun.l.google.com:19302"

// ICE timeouts for the setting engine; failed must stay well above
// disconnected so a brief outage degrades before it fails.
const (
	DefaultDisconnectedTimeout = 10 * time.Second
	DefaultFailedTimeout       = 30 * time.Second
	DefaultKeepAliveInterval   = 2 * time.Second
)

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{fallbackSTUN},
			},
		},
	}
}

// ConfigWire is the body served by the signaling server's rtc-config endpoint.
type ConfigWire struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

// FetchRTCConfig loads ICE servers from url.
func FetchRTCConfig(ctx context.Context, url string) (webrtc.Configuration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return webrtc.Configuration{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return webrtc.Configuration{}, fmt.Errorf("rtc-config request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return webrtc.Configuration{}, fmt.Errorf("rtc-config bad status: %s", resp.Status)
	}

	var wire ConfigWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return webrtc.Configuration{}, fmt.Errorf("decode rtc-config: %w", err)
	}
	if len(wire.ICEServers) == 0 {
		return DefaultWebRTCConfig(), nil
	}
	return webrtc.Configuration{ICEServers: wire.ICEServers}, nil
}
