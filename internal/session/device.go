package session

import (
	"encoding/base64"
	"sync/atomic"
	"time"

	"github.com/relaypush/relaypush/internal/deviceid"
	"github.com/relaypush/relaypush/internal/model"
)

// state is one stage of a session's connection lifecycle.
type state int32

const (
	stateIdentifying state = iota
	stateCheckingStorage
	stateDrainingStored
	stateLive
	stateClosing
	stateTerminated
)

// envelope is a tuple of an outbound notification frame and a send-only
// completion channel, the way katagun-webpa-common/device/manager.go's
// write pump reports success/failure back to the sender. Grounded directly
// on that package's envelope type.
type envelope struct {
	frame    notificationFrame
	complete chan<- error
}

// Stats accumulates per-session statistics (uptime, messages sent/acked,
// direct/stored split) recorded when a session closes.
type Stats struct {
	ConnectedAt     time.Time
	MessagesSent    int64
	MessagesAcked   int64
	DirectSent      int64
	StoredSent      int64
	Duplications    int64
}

// Session is the internal per-WebSocket state machine instance. Its
// lifecycle (open once, closed once, never reopened) and its envelope-based
// outbound queue are grounded on
// other_examples/6fd06e1a_vissapra-webpa-common__device-device.go.go.
type Session struct {
	uaid deviceid.ID

	st state

	shutdown chan struct{}
	messages chan *envelope

	ackSet map[ackKey]string // chid:version -> sortKey, pending acknowledgement

	stats Stats

	node string // this node's locator, recorded on the RouterRecord
}

type ackKey struct {
	channelID deviceid.ID
	version   string
}

func newSession(uaid deviceid.ID, queueSize int, node string) *Session {
	return &Session{
		uaid:     uaid,
		st:       state(stateIdentifying),
		shutdown: make(chan struct{}),
		messages: make(chan *envelope, queueSize),
		ackSet:   make(map[ackKey]string),
		stats:    Stats{ConnectedAt: time.Now()},
		node:     node,
	}
}

func (s *Session) UAID() deviceid.ID { return s.uaid }

func (s *Session) setState(next state) { atomic.StoreInt32((*int32)(&s.st), int32(next)) }
func (s *Session) getState() state     { return state(atomic.LoadInt32((*int32)(&s.st))) }

// RequestClose posts a request for this session to be disconnected. Safe to
// call more than once and from any goroutine.
func (s *Session) RequestClose() {
	if s.getState() == stateTerminated {
		return
	}
	select {
	case <-s.shutdown:
		// already closed
	default:
		close(s.shutdown)
	}
	s.setState(stateClosing)
}

func (s *Session) Closed() bool {
	select {
	case <-s.shutdown:
		return true
	default:
		return false
	}
}

// Notify is the public entry point the Publisher (internal/publish) and
// the inter-node direct-notify HTTP handler use to push a stored-shape
// Notification at this session: it builds the wire frame and delegates to
// DirectNotify, keeping notificationFrame's JSON shape private to this
// package.
func (s *Session) Notify(n *model.Notification) error {
	headers := map[string]string{}
	if n.Headers.Encoding != "" {
		headers["encoding"] = n.Headers.Encoding
	}
	if n.Headers.Encryption != "" {
		headers["encryption"] = n.Headers.Encryption
	}
	if n.Headers.CryptoKey != "" {
		headers["crypto_key"] = n.Headers.CryptoKey
	}
	if n.Headers.EncryptionKey != "" {
		headers["encryption_key"] = n.Headers.EncryptionKey
	}
	return s.DirectNotify(notificationFrame{
		MessageType: frameNotification,
		ChannelID:   n.ChannelID.String(),
		Version:     n.Version,
		Data:        base64.StdEncoding.EncodeToString(n.Data),
		Headers:     headers,
	})
}

// DirectNotify enqueues frame for delivery to this session's write pump,
// the path the Publisher uses to bypass storage when a device is Live. It
// returns an error if the session is closed or the outbound queue is full,
// either of which tells the Publisher to fall through to storing instead.
func (s *Session) DirectNotify(n notificationFrame) error {
	complete := make(chan error, 1)
	env := &envelope{frame: n, complete: complete}
	select {
	case <-s.shutdown:
		return errSessionClosed
	case s.messages <- env:
	default:
		return errQueueFull
	}
	select {
	case <-s.shutdown:
		return errSessionClosed
	case err := <-complete:
		return err
	}
}
