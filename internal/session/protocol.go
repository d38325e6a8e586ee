// Package session implements the ConnectionFSM and RegistryIndex: the
// per-WebSocket state machine that handshakes, authenticates, drains
// stored messages, reconciles acks, and multiplexes register/unregister/
// broadcast/notification/ping while Live. It is grounded on
// katagun-webpa-common/device/manager.go's read/write pump split and
// envelope-based send queue, generalized from WRP/msgpack frames to the
// plain-JSON "messageType"-discriminated frames of the push protocol.
package session

import "encoding/json"

// frameType is the wire discriminator of the WebSocket protocol's JSON frames.
type frameType string

const (
	frameHello              frameType = "hello"
	frameRegister           frameType = "register"
	frameUnregister         frameType = "unregister"
	frameBroadcastSubscribe frameType = "broadcast_subscribe"
	frameBroadcast          frameType = "broadcast"
	frameNotification       frameType = "notification"
	frameAck                frameType = "ack"
	framePing               frameType = "ping"
)

// rawFrame is decoded first to read messageType before unmarshaling the
// rest into a concrete frame type, the way tr1d1um's translation layer
// peeks headers before building a full WRP message.
type rawFrame struct {
	MessageType frameType `json:"messageType"`
}

// helloFrame is the c->s hello.
type helloFrame struct {
	MessageType frameType         `json:"messageType"`
	UAID        string            `json:"uaid,omitempty"`
	ChannelIDs  []string          `json:"channelIDs,omitempty"`
	UseWebPush  bool              `json:"use_webpush"`
	Broadcasts  map[string]string `json:"broadcasts,omitempty"`
}

// helloAckFrame is the s->c hello response.
type helloAckFrame struct {
	MessageType frameType         `json:"messageType"`
	Status      int               `json:"status"`
	UAID        string            `json:"uaid"`
	Broadcasts  map[string]string `json:"broadcasts"`
	UseWebPush  bool              `json:"use_webpush"`
}

type registerFrame struct {
	MessageType frameType `json:"messageType"`
	ChannelID   string    `json:"channelID"`
	Key         string    `json:"key,omitempty"`
}

type registerAckFrame struct {
	MessageType  frameType `json:"messageType"`
	Status       int       `json:"status"`
	ChannelID    string    `json:"channelID"`
	PushEndpoint string    `json:"pushEndpoint,omitempty"`
}

type unregisterFrame struct {
	MessageType frameType `json:"messageType"`
	ChannelID   string    `json:"channelID"`
}

type unregisterAckFrame struct {
	MessageType frameType `json:"messageType"`
	Status      int       `json:"status"`
	ChannelID   string    `json:"channelID"`
}

type broadcastSubscribeFrame struct {
	MessageType frameType         `json:"messageType"`
	Broadcasts  map[string]string `json:"broadcasts"`
}

type broadcastFrame struct {
	MessageType frameType         `json:"messageType"`
	Broadcasts  map[string]string `json:"broadcasts"`
}

type notificationFrame struct {
	MessageType frameType         `json:"messageType"`
	ChannelID   string            `json:"channelID"`
	Version     string            `json:"version"`
	Data        string            `json:"data,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

type ackItem struct {
	ChannelID string `json:"channelID"`
	Version   string `json:"version"`
	Code      int    `json:"code,omitempty"`
}

type ackFrame struct {
	MessageType frameType `json:"messageType"`
	Updates     []ackItem `json:"updates"`
}

type pingFrame struct {
	MessageType frameType `json:"messageType,omitempty"`
}

// closeCode enumerates the WebSocket close codes this service's failure
// taxonomy uses.
type closeCode int

const (
	closeInvalidMessage closeCode = 4400
	closeInvalidUAID    closeCode = 4401
	closeServerError    closeCode = 4500
	closeNormal         closeCode = 1000
)

func peekType(data []byte) (frameType, error) {
	var raw rawFrame
	if len(data) == 0 || string(data) == "{}" {
		return framePing, nil
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", err
	}
	if raw.MessageType == "" {
		return framePing, nil
	}
	return raw.MessageType, nil
}
