// Package model holds the persisted data shapes: RouterRecord,
// Notification, the SortKey encoding, Broadcast, and ReliabilityMilestone.
// It has no storage-backend or protocol dependencies so internal/storage,
// internal/router, internal/message, internal/session, and internal/publish
// can all share one definition of "what a device/message looks like."
package model

import (
	"fmt"
	"time"

	"github.com/relaypush/relaypush/internal/deviceid"
)

// MaxTTL is the maximum Notification TTL: 30 days.
const MaxTTL = 30 * 24 * time.Hour

// MaxData is the maximum decoded payload size.
const MaxData = 4096

// RouterType identifies how a device is reachable.
type RouterType string

const (
	RouterWebSocket RouterType = "websocket"
	RouterAPNS      RouterType = "apns"
	RouterFCM       RouterType = "fcm"
)

// RouterRecord is the per-device registration.
type RouterRecord struct {
	UAID           deviceid.ID
	RouterType     RouterType
	RouterData     string // node URL (websocket) or bridge token+app-id (mobile)
	BridgeAppID    string
	BridgeSecret   string // registration HTTP bearer secret, mobile bridge only
	ConnectedAt    int64  // ms, logical timestamp of most recent Hello
	CurrentTimestamp int64 // highest received_at fully acknowledged
	Channels       map[deviceid.ID]struct{}
	Version        int64 // monotonic, arbitrates concurrent updates
}

// HasChannel reports whether chid is registered on this record.
func (r *RouterRecord) HasChannel(chid deviceid.ID) bool {
	if r.Channels == nil {
		return false
	}
	_, ok := r.Channels[chid]
	return ok
}

// Clone returns a deep-enough copy safe to mutate independently, used by
// the optimistic-update retry loop in internal/router.
func (r *RouterRecord) Clone() *RouterRecord {
	cp := *r
	cp.Channels = make(map[deviceid.ID]struct{}, len(r.Channels))
	for id := range r.Channels {
		cp.Channels[id] = struct{}{}
	}
	return &cp
}

// Headers is the fixed header set a Notification carries.
type Headers struct {
	Encoding      string
	Encryption    string
	CryptoKey     string
	EncryptionKey string
}

// Notification is a stored message, keyed by (DeviceId, SortKey).
type Notification struct {
	ChannelID  deviceid.ID
	Version    string // opaque, application-supplied, <= ~64 bytes
	TTLSeconds int64
	Expiry     time.Time
	Topic      string // optional, <= 32 alphanumeric + "_-"
	Data       []byte // opaque ciphertext, <= MaxData decoded
	Headers    Headers
	ReceivedAt int64 // ms, server-assigned, monotonic per device
}

// SortKey computes the lexicographically-ordered storage key: topic messages
// sort before non-topic messages and collapse on (chid, topic); non-topic
// messages sort by zero-padded received_at so fetch is monotonic.
func (n *Notification) SortKey() string {
	if n.Topic != "" {
		return fmt.Sprintf("01:%s:%s", n.ChannelID.String(), n.Topic)
	}
	return fmt.Sprintf("02:%020d:%s", n.ReceivedAt, n.ChannelID.String())
}

// IsTopic reports whether this is a topic-collapsing notification.
func (n *Notification) IsTopic() bool { return n.Topic != "" }

// Expired reports whether now is at or past this notification's expiry.
func (n *Notification) Expired(now time.Time) bool {
	return !now.Before(n.Expiry)
}

// Broadcast is a (broadcast_id, version_string) pair.
type Broadcast struct {
	ID      string
	Version string
}

// ReliabilityMilestone is one of the states a notification's delivery
// lifecycle passes through.
type ReliabilityMilestone string

const (
	MilestoneReceived        ReliabilityMilestone = "Received"
	MilestoneIntTransmitted  ReliabilityMilestone = "IntTransmitted"
	MilestoneIntAccepted     ReliabilityMilestone = "IntAccepted"
	MilestoneStored          ReliabilityMilestone = "Stored"
	MilestoneRetrieved       ReliabilityMilestone = "Retrieved"
	MilestoneTransmitted     ReliabilityMilestone = "Transmitted"
	MilestoneAccepted        ReliabilityMilestone = "Accepted"
	MilestoneDelivered       ReliabilityMilestone = "Delivered"
	MilestoneNotDelivered    ReliabilityMilestone = "NotDelivered"
	MilestoneDecryptionError ReliabilityMilestone = "DecryptionError"
	MilestoneExpired         ReliabilityMilestone = "Expired"
	MilestoneErrored         ReliabilityMilestone = "Errored"
)

// terminal is the set of milestones from which no further transition is
// expected; reliability.Tracker.Finalize (which the sweeper also goes
// through) checks this and ignores a non-terminal state.
var terminal = map[ReliabilityMilestone]bool{
	MilestoneDelivered:       true,
	MilestoneNotDelivered:    true,
	MilestoneDecryptionError: true,
	MilestoneExpired:         true,
	MilestoneErrored:         true,
}

func (m ReliabilityMilestone) Terminal() bool { return terminal[m] }

// allowedTransitions enumerates the reliability state diagram: each
// non-terminal milestone lists what it may legally become next.
var allowedTransitions = map[ReliabilityMilestone][]ReliabilityMilestone{
	MilestoneReceived:       {MilestoneIntTransmitted, MilestoneStored, MilestoneErrored, MilestoneExpired},
	MilestoneIntTransmitted: {MilestoneIntAccepted, MilestoneStored, MilestoneErrored, MilestoneExpired},
	MilestoneIntAccepted:    {MilestoneStored, MilestoneTransmitted, MilestoneErrored, MilestoneExpired},
	MilestoneStored:         {MilestoneRetrieved, MilestoneExpired, MilestoneErrored},
	MilestoneRetrieved:      {MilestoneTransmitted, MilestoneErrored, MilestoneExpired},
	MilestoneTransmitted:    {MilestoneAccepted, MilestoneNotDelivered, MilestoneErrored},
	MilestoneAccepted:       {MilestoneDelivered, MilestoneNotDelivered, MilestoneDecryptionError},
}

// CanTransition reports whether from -> to is one of the edges in the
// reliability diagram.  Illegal transitions are logged and ignored by the
// caller, never silently allowed.
func CanTransition(from, to ReliabilityMilestone) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
