package channel

import "encoding/json"

// Frame types on the wire.
const (
	FrameSubscribe    = "subscribe"
	FrameUpdate       = "update"
	FrameNotification = "notification"
	FrameError        = "error"
	FrameEvent        = "event"
)

// Topic channels the server publishes on.
const (
	ChannelCertificate = "certificate"
	ChannelProxy       = "proxy"
	ChannelDNS         = "dns"
	ChannelSystem      = "system"
)

// Lifecycle pseudo-channels emitted by the client itself.
const (
	EventConnected       = "connected"
	EventDisconnected    = "disconnected"
	EventReconnectFailed = "reconnect_failed"
)

func isLifecycle(channel string) bool {
	switch channel {
	case EventConnected, EventDisconnected, EventReconnectFailed:
		return true
	}
	return false
}

// DefaultChannels is the subscription sent on every connect.
var DefaultChannels = []string{ChannelCertificate, ChannelProxy, ChannelDNS, ChannelSystem}

// inbound is a server frame.
type inbound struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

type subscribeFrame struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

// eventFrame is sent after a local mutation so other clients can refresh.
type eventFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Event   string `json:"event"`
	Data    any    `json:"data,omitempty"`
}

// messagePayload is the payload of notification and error frames.
type messagePayload struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}
