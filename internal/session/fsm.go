package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/relaypush/relaypush/internal/broadcast"
	"github.com/relaypush/relaypush/internal/deviceid"
	"github.com/relaypush/relaypush/internal/message"
	"github.com/relaypush/relaypush/internal/model"
	"github.com/relaypush/relaypush/internal/router"
)

var (
	errSessionClosed = errors.New("session: closed")
	errQueueFull     = errors.New("session: outbound queue full")
)

// Conn is the minimal WebSocket surface the FSM needs. *websocket.Conn
// (gorilla/websocket) satisfies it directly; tests use a fake.
type Conn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// EndpointBuilder mints the per-channel push endpoint URL returned by
// Register. It is a seam so internal/publish owns the rotating-keyring
// token codec and internal/session stays ignorant of it.
type EndpointBuilder func(uaid, chid deviceid.ID) string

// Tracker is the optional reliability milestone recorder, satisfied by
// *reliability.Tracker. A nil Tracker in Deps disables tracking for the
// stored-message drain path entirely.
type Tracker interface {
	Enter(ctx context.Context, messageID string, state model.ReliabilityMilestone, expiry time.Time) error
	Finalize(ctx context.Context, messageID string, state model.ReliabilityMilestone) error
}

// identifyError tags an identify() failure with the close code Run should
// report it under, so distinct failure causes don't collapse into one code.
type identifyError struct {
	code  closeCode
	cause error
}

func (e *identifyError) Error() string { return e.cause.Error() }
func (e *identifyError) Unwrap() error { return e.cause }

func wrapIdentify(code closeCode, cause error) error {
	return &identifyError{code: code, cause: cause}
}

// CloseCode reports the WebSocket close code Run attached to err, if any.
// It exists so callers (including tests) can assert on the close taxonomy
// without reaching into this package's unexported closeCode type.
func CloseCode(err error) (int, bool) {
	var ierr *identifyError
	if errors.As(err, &ierr) {
		return int(ierr.code), true
	}
	return 0, false
}

// Deps are the collaborators one FSM instance needs, constructed once per
// node and shared across all sessions on it.
type Deps struct {
	Router     *router.Store
	Messages   *message.Store
	Broadcasts *broadcast.Catalog
	Registry   *Registry
	Endpoint   EndpointBuilder
	Tracker    Tracker
	Node       string // this node's locator, written into RouterRecord.RouterData

	IdentTimeout   time.Duration
	PingTimeout    time.Duration
	PingPeriod     time.Duration
	MaxPendingAcks int

	Logger log.Logger
	Now    func() time.Time
}

// FSM drives a single accepted WebSocket connection through the
// Identifying/CheckingStorage/DrainingStored/Live/Closing states.
type FSM struct {
	conn Conn
	deps Deps
	sess *Session
}

func New(conn Conn, deps Deps) *FSM {
	if deps.Logger == nil {
		deps.Logger = log.NewNopLogger()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.MaxPendingAcks <= 0 {
		deps.MaxPendingAcks = 10
	}
	return &FSM{conn: conn, deps: deps}
}

// Run executes the full state machine to completion. It returns only once
// the session has closed.
func (f *FSM) Run(ctx context.Context) error {
	rec, uaid, requestedBroadcasts, err := f.identify(ctx)
	if err != nil {
		code := closeInvalidUAID
		var ierr *identifyError
		if errors.As(err, &ierr) {
			code = ierr.code
		}
		f.closeWith(code, err)
		return err
	}

	f.sess = newSession(uaid, f.deps.MaxPendingAcks*4, f.deps.Node)
	previous := f.deps.Registry.Swap(uaid, f.sess)
	if previous != nil {
		previous.RequestClose()
	}
	defer f.deps.Registry.Remove(uaid, f.sess)
	defer f.terminate()

	if err := f.sendHelloAck(rec, requestedBroadcasts); err != nil {
		return err
	}

	f.sess.setState(stateCheckingStorage)
	if err := f.drainStored(ctx, rec); err != nil {
		f.closeWith(closeServerError, err)
		return err
	}

	f.sess.setState(stateLive)
	return f.live(ctx, rec)
}

// identify implements the Identifying state: read the hello frame, resolve
// or mint a UAID, and claim this node as the device's current route.
func (f *FSM) identify(ctx context.Context) (*model.RouterRecord, deviceid.ID, map[string]string, error) {
	identifyCtx, cancel := context.WithTimeout(ctx, f.deps.IdentTimeout)
	defer cancel()

	_ = f.conn.SetReadDeadline(f.deps.Now().Add(f.deps.IdentTimeout))
	var hello helloFrame
	if err := f.conn.ReadJSON(&hello); err != nil {
		return nil, deviceid.Nil, nil, wrapIdentify(closeInvalidMessage, fmt.Errorf("session: reading hello: %w", err))
	}
	if hello.MessageType != frameHello || !hello.UseWebPush {
		return nil, deviceid.Nil, nil, wrapIdentify(closeInvalidMessage, errors.New("session: first frame must be hello with use_webpush=true"))
	}

	var uaid deviceid.ID
	if hello.UAID != "" {
		parsed, err := deviceid.Parse(hello.UAID)
		if err == nil {
			uaid = parsed
		}
	}

	var rec *model.RouterRecord
	if !uaid.IsNil() {
		loaded, found, err := f.deps.Router.Load(identifyCtx, uaid, f.deps.Now())
		if err != nil {
			return nil, deviceid.Nil, nil, wrapIdentify(closeServerError, fmt.Errorf("session: loading router record: %w", err))
		}
		if found && loaded.RouterType == model.RouterWebSocket {
			rec = loaded
		}
	}
	if rec == nil {
		uaid = deviceid.New()
	}

	claimed, err := f.deps.Router.ClaimWebSocket(identifyCtx, uaid, f.deps.Node, f.deps.Now())
	if err != nil {
		return nil, deviceid.Nil, nil, wrapIdentify(closeInvalidUAID, fmt.Errorf("session: claiming router record: %w", err))
	}

	return claimed, uaid, hello.Broadcasts, nil
}

func (f *FSM) sendHelloAck(rec *model.RouterRecord, requestedBroadcasts map[string]string) error {
	ack := helloAckFrame{
		MessageType: frameHello,
		Status:      200,
		UAID:        rec.UAID.String(),
		Broadcasts:  f.deps.Broadcasts.InitialDelta(requestedBroadcasts),
		UseWebPush:  true,
	}
	return f.conn.WriteJSON(ack)
}

// trackerMessageID is the composite key a stored notification is tracked
// under, matching internal/publish's own uaid+sortkey convention so a
// message retains one identity across both halves of its lifecycle.
func trackerMessageID(uaid deviceid.ID, sortKey string) string {
	return uaid.String() + "/" + sortKey
}

func (f *FSM) enterMilestone(ctx context.Context, id string, state model.ReliabilityMilestone, expiry time.Time) {
	if f.deps.Tracker == nil {
		return
	}
	if err := f.deps.Tracker.Enter(ctx, id, state, expiry); err != nil {
		level.Warn(f.deps.Logger).Log("msg", "reliability enter failed", "message_id", id, "state", state, "error", err)
	}
}

func (f *FSM) finalizeMilestone(ctx context.Context, id string, state model.ReliabilityMilestone) {
	if f.deps.Tracker == nil {
		return
	}
	if err := f.deps.Tracker.Finalize(ctx, id, state); err != nil {
		level.Warn(f.deps.Logger).Log("msg", "reliability finalize failed", "message_id", id, "state", state, "error", err)
	}
}

// drainStored implements CheckingStorage/DrainingStored: fetch all pending
// notifications since current_timestamp, send each, and reconcile acks in
// bounded batches until the backlog is exhausted.
func (f *FSM) drainStored(ctx context.Context, rec *model.RouterRecord) error {
	f.sess.setState(stateDrainingStored)

	reader, err := f.deps.Messages.Fetch(ctx, rec.UAID, rec.CurrentTimestamp)
	if err != nil {
		return err
	}
	defer reader.Close()

	pending := 0
	for {
		n, ok, err := reader.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}

		id := trackerMessageID(rec.UAID, n.SortKey())
		f.enterMilestone(ctx, id, model.MilestoneRetrieved, n.Expiry)
		if err := f.sendNotification(n); err != nil {
			return err
		}
		f.enterMilestone(ctx, id, model.MilestoneTransmitted, n.Expiry)
		f.sess.ackSet[ackKey{n.ChannelID, n.Version}] = n.SortKey()
		f.sess.stats.StoredSent++
		pending++

		if pending >= f.deps.MaxPendingAcks {
			if err := f.drainAcks(ctx, rec.UAID, pending); err != nil {
				return err
			}
			pending = 0
		}
	}

	return f.drainAcks(ctx, rec.UAID, len(f.sess.ackSet))
}

// drainAcks blocks reading frames until want Ack frames have been read
// (other frame types are skipped and not counted) or the ack set empties,
// reconciling every acked entry.
func (f *FSM) drainAcks(ctx context.Context, uaid deviceid.ID, want int) error {
	for len(f.sess.ackSet) > 0 && want > 0 {
		var ack ackFrame
		if err := f.conn.ReadJSON(&ack); err != nil {
			return fmt.Errorf("session: reading ack: %w", err)
		}
		if ack.MessageType != frameAck {
			continue // a non-ack frame during drain is tolerated; Live enforces strictly
		}
		for _, item := range ack.Updates {
			f.reconcileAck(ctx, uaid, item)
		}
		want--
	}
	return nil
}

// reconcileAck clears one acknowledged (channelID, version) pair: the
// stored row is deleted, and if it was a non-topic message its receivedAt
// also advances the device's current_timestamp high-water mark.
func (f *FSM) reconcileAck(ctx context.Context, uaid deviceid.ID, item ackItem) {
	chid, err := deviceid.Parse(item.ChannelID)
	if err != nil {
		return
	}
	key := ackKey{chid, item.Version}
	sortKey, ok := f.sess.ackSet[key]
	if !ok {
		return // ack miss: ignored and non-fatal; no metric is recorded
	}
	delete(f.sess.ackSet, key)
	f.sess.stats.MessagesAcked++

	if !isTopicSortKey(sortKey) {
		_ = f.deps.Router.UpdateCurrentTimestamp(ctx, uaid, parseReceivedAt(sortKey))
	}
	_ = f.deps.Messages.Delete(ctx, uaid, sortKey)

	id := trackerMessageID(uaid, sortKey)
	// Accepted is transient here: the client's ack is both acceptance and
	// confirmed delivery, so this immediately finalizes rather than
	// waiting on a separate signal that doesn't exist for this transport.
	f.enterMilestone(ctx, id, model.MilestoneAccepted, f.deps.Now().Add(time.Minute))
	f.finalizeMilestone(ctx, id, model.MilestoneDelivered)
}

func (f *FSM) sendNotification(n *model.Notification) error {
	return f.writeFrame(notificationFrame{
		MessageType: frameNotification,
		ChannelID:   n.ChannelID.String(),
		Version:     n.Version,
		Data:        base64.StdEncoding.EncodeToString(n.Data),
		Headers: map[string]string{
			"encoding":       n.Headers.Encoding,
			"encryption":     n.Headers.Encryption,
			"crypto_key":     n.Headers.CryptoKey,
			"encryption_key": n.Headers.EncryptionKey,
		},
	})
}

func (f *FSM) writeFrame(frame notificationFrame) error {
	if err := f.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("session: writing notification: %w", err)
	}
	f.sess.stats.MessagesSent++
	return nil
}

// live implements the Live state: a single-receiver actor loop multiplexing
// client frames, direct-notify pushes, and ping ticks onto one goroutine so
// all session state mutation happens on a single task.
func (f *FSM) live(ctx context.Context, rec *model.RouterRecord) error {
	type inbound struct {
		frame json.RawMessage
		err   error
	}
	frames := make(chan inbound, 1)
	go func() {
		for {
			var raw json.RawMessage
			if err := f.conn.ReadJSON(&raw); err != nil {
				frames <- inbound{err: err}
				return
			}
			select {
			case frames <- inbound{frame: raw}:
			case <-f.sess.shutdown:
				return
			}
		}
	}()

	pingTicker := time.NewTicker(f.deps.PingPeriod)
	defer pingTicker.Stop()
	pongDeadline := time.NewTimer(f.deps.PingTimeout)
	defer pongDeadline.Stop()

	for {
		select {
		case <-ctx.Done():
			f.closeWith(closeNormal, ctx.Err())
			return ctx.Err()

		case <-f.sess.shutdown:
			return nil

		case in := <-frames:
			if in.err != nil {
				f.closeWith(closeNormal, in.err)
				return nil
			}
			if !pongDeadline.Stop() {
				select {
				case <-pongDeadline.C:
				default:
				}
			}
			pongDeadline.Reset(f.deps.PingTimeout)
			if err := f.handleLiveFrame(ctx, rec, in.frame); err != nil {
				f.closeWith(closeInvalidMessage, err)
				return err
			}

		case env := <-f.sess.messages:
			err := f.writeFrame(env.frame)
			if err == nil {
				f.sess.stats.DirectSent++
			}
			env.complete <- err

		case <-pingTicker.C:
			if err := f.conn.WriteJSON(pingFrame{}); err != nil {
				f.closeWith(closeServerError, err)
				return err
			}

		case <-pongDeadline.C:
			err := errors.New("session: ping timeout")
			f.closeWith(closeServerError, err)
			return err
		}
	}
}

func (f *FSM) handleLiveFrame(ctx context.Context, rec *model.RouterRecord, raw json.RawMessage) error {
	typ, err := peekType(raw)
	if err != nil {
		return fmt.Errorf("session: malformed frame: %w", err)
	}

	switch typ {
	case frameRegister:
		return f.handleRegister(ctx, rec, raw)
	case frameUnregister:
		return f.handleUnregister(ctx, rec, raw)
	case frameBroadcastSubscribe:
		return f.handleBroadcastSubscribe(raw)
	case frameAck:
		return f.handleAck(ctx, rec, raw)
	case framePing:
		return nil
	default:
		return fmt.Errorf("session: unknown messageType %q", typ)
	}
}

func (f *FSM) handleRegister(ctx context.Context, rec *model.RouterRecord, raw json.RawMessage) error {
	var req registerFrame
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}
	chid, err := deviceid.Parse(req.ChannelID)
	if err != nil {
		return fmt.Errorf("session: malformed channelID: %w", err)
	}
	if !rec.HasChannel(chid) {
		if err := f.deps.Router.AddChannel(ctx, rec.UAID, chid); err != nil {
			return err
		}
		if rec.Channels == nil {
			rec.Channels = map[deviceid.ID]struct{}{}
		}
		rec.Channels[chid] = struct{}{}
	}

	endpoint := ""
	if f.deps.Endpoint != nil {
		endpoint = f.deps.Endpoint(rec.UAID, chid)
	}
	return f.conn.WriteJSON(registerAckFrame{
		MessageType:  frameRegister,
		Status:       200,
		ChannelID:    req.ChannelID,
		PushEndpoint: endpoint,
	})
}

func (f *FSM) handleUnregister(ctx context.Context, rec *model.RouterRecord, raw json.RawMessage) error {
	var req unregisterFrame
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}
	chid, err := deviceid.Parse(req.ChannelID)
	if err != nil {
		return fmt.Errorf("session: malformed channelID: %w", err)
	}
	delete(rec.Channels, chid)
	if err := f.deps.Router.RemoveChannel(ctx, rec.UAID, chid); err != nil {
		level.Error(f.deps.Logger).Log("msg", "unregister: channel purge failed, non-fatal", "error", err)
	}
	return f.conn.WriteJSON(unregisterAckFrame{
		MessageType: frameUnregister,
		Status:      200,
		ChannelID:   req.ChannelID,
	})
}

func (f *FSM) handleBroadcastSubscribe(raw json.RawMessage) error {
	var req broadcastSubscribeFrame
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}
	delta, err := f.deps.Broadcasts.ComputeDelta(req.Broadcasts)
	if err != nil {
		return err // an unknown broadcast id is treated as a protocol violation
	}
	return f.conn.WriteJSON(broadcastFrame{MessageType: frameBroadcast, Broadcasts: delta})
}

func (f *FSM) handleAck(ctx context.Context, rec *model.RouterRecord, raw json.RawMessage) error {
	var req ackFrame
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}
	for _, item := range req.Updates {
		f.reconcileAck(ctx, rec.UAID, item)
	}
	return nil
}

func (f *FSM) closeWith(code closeCode, cause error) {
	if f.sess != nil {
		f.sess.RequestClose()
	}
	_ = f.conn.Close()
	if cause != nil {
		level.Error(f.deps.Logger).Log("msg", "session closing", "code", code, "error", cause)
	}
}

// terminate implements the Closing/Terminated entry actions: the deferred
// Registry.Remove drops the registry entry and the in-flight ack set is
// discarded, leaving storage rows in place for retransmit on reconnect.
func (f *FSM) terminate() {
	f.sess.setState(stateTerminated)
	f.sess.RequestClose()
	f.sess.ackSet = nil
}

func isTopicSortKey(key string) bool {
	return strings.HasPrefix(key, "01:")
}

func parseReceivedAt(key string) int64 {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 2 {
		return 0
	}
	ts, _ := strconv.ParseInt(parts[1], 10, 64)
	return ts
}
