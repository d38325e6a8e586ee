package publish

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypush/relaypush/internal/bridge"
	"github.com/relaypush/relaypush/internal/deviceid"
	"github.com/relaypush/relaypush/internal/model"
)

// fakeRouterStore is a minimal in-memory stand-in for *router.Store,
// satisfying the RouterStore interface the same way translation's
// mock_service_test.go substitutes for a real Service.
type fakeRouterStore struct {
	rec          *model.RouterRecord
	found        bool
	loadErr      error
	invalidated  bool
	invalidateErr error
}

func (f *fakeRouterStore) Load(_ context.Context, _ deviceid.ID, _ time.Time) (*model.RouterRecord, bool, error) {
	if f.loadErr != nil {
		return nil, false, f.loadErr
	}
	return f.rec, f.found, nil
}

func (f *fakeRouterStore) Invalidate(_ context.Context, _ deviceid.ID) error {
	f.invalidated = true
	return f.invalidateErr
}

type fakeMessageStore struct {
	stored *model.Notification
	err    error
}

func (f *fakeMessageStore) Store(_ context.Context, _ deviceid.ID, notif *model.Notification) error {
	f.stored = notif
	return f.err
}

type fakeBridgeSender struct {
	err *bridge.SendError
}

func (f *fakeBridgeSender) Send(_ context.Context, _ model.RouterType, _, _ string, _ *model.Notification) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "msg-id", nil
}

type fakeNotifier struct {
	ok  bool
	err error
}

func (f *fakeNotifier) Notify(_ context.Context, _ string, _ deviceid.ID, _ *model.Notification) (bool, error) {
	return f.ok, f.err
}

// fakeTracker records every Enter/Finalize call in order, so tests can
// assert on the milestone sequence a publish path produces.
type fakeTracker struct {
	entered   []model.ReliabilityMilestone
	finalized []model.ReliabilityMilestone
}

func (f *fakeTracker) Enter(_ context.Context, _ string, state model.ReliabilityMilestone, _ time.Time) error {
	f.entered = append(f.entered, state)
	return nil
}

func (f *fakeTracker) Finalize(_ context.Context, _ string, state model.ReliabilityMilestone) error {
	f.finalized = append(f.finalized, state)
	return nil
}

func testKeyring(t *testing.T) *Keyring {
	t.Helper()
	kr, err := NewKeyring([][]byte{randomKey(t)})
	require.NoError(t, err)
	return kr
}

func newRecord(rt model.RouterType) *model.RouterRecord {
	return &model.RouterRecord{
		UAID:        deviceid.New(),
		RouterType:  rt,
		RouterData:  "node-a",
		ConnectedAt: time.Now().UnixMilli(),
		Channels:    map[deviceid.ID]struct{}{},
	}
}

func mustSeal(t *testing.T, kr *Keyring, uaid, chid deviceid.ID) string {
	t.Helper()
	tok, err := kr.Seal(EndpointToken{UAID: uaid, ChannelID: chid})
	require.NoError(t, err)
	return tok
}

// S1: direct-notify succeeds, nothing is stored.
func TestPublishWebSocketDirectNotifySucceeds(t *testing.T) {
	kr := testKeyring(t)
	rec := newRecord(model.RouterWebSocket)
	chid := deviceid.New()
	token := mustSeal(t, kr, rec.UAID, chid)

	routerStore := &fakeRouterStore{rec: rec, found: true}
	messages := &fakeMessageStore{}
	notifier := &fakeNotifier{ok: true}

	svc := New(Options{
		Keyring:  kr,
		Router:   routerStore,
		Messages: messages,
		Notifier: notifier,
		Bridges:  &fakeBridgeSender{},
		Node:     "node-a",
	})

	resp, err := svc.Publish(context.Background(), Request{
		Token:      token,
		TTLSeconds: 60,
		Body:       []byte{0x01, 0x02, 0x03},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.DeletionLocation)
	assert.Nil(t, messages.stored, "a successful direct-notify must not fall through to storage")
}

// S2: direct-notify fails, ttl > 0, falls through to storage.
func TestPublishWebSocketFallsBackToStorage(t *testing.T) {
	kr := testKeyring(t)
	rec := newRecord(model.RouterWebSocket)
	chid := deviceid.New()
	token := mustSeal(t, kr, rec.UAID, chid)

	routerStore := &fakeRouterStore{rec: rec, found: true}
	messages := &fakeMessageStore{}
	notifier := &fakeNotifier{ok: false}

	svc := New(Options{
		Keyring:  kr,
		Router:   routerStore,
		Messages: messages,
		Notifier: notifier,
		Bridges:  &fakeBridgeSender{},
		Node:     "node-a",
	})

	_, err := svc.Publish(context.Background(), Request{
		Token:      token,
		TTLSeconds: 60,
		Body:       []byte{0x01},
	})
	require.NoError(t, err)
	require.NotNil(t, messages.stored, "a failed direct-notify with ttl>0 must be stored")
}

// S3: direct-notify fails, ttl == 0, message is discarded, not stored.
func TestPublishWebSocketTTLZeroDiscardsOnFailedDirectNotify(t *testing.T) {
	kr := testKeyring(t)
	rec := newRecord(model.RouterWebSocket)
	chid := deviceid.New()
	token := mustSeal(t, kr, rec.UAID, chid)

	routerStore := &fakeRouterStore{rec: rec, found: true}
	messages := &fakeMessageStore{}
	notifier := &fakeNotifier{ok: false}

	svc := New(Options{
		Keyring:  kr,
		Router:   routerStore,
		Messages: messages,
		Notifier: notifier,
		Bridges:  &fakeBridgeSender{},
		Node:     "node-a",
	})

	_, err := svc.Publish(context.Background(), Request{
		Token:      token,
		TTLSeconds: 0,
		Body:       []byte{0x01},
	})
	require.NoError(t, err)
	assert.Nil(t, messages.stored, "ttl=0 with no live connection must discard, not store")
}

// S4: bridge device, UnknownToken invalidates and returns Gone.
func TestPublishBridgeUnknownTokenInvalidates(t *testing.T) {
	kr := testKeyring(t)
	rec := newRecord(model.RouterAPNS)
	chid := deviceid.New()
	token := mustSeal(t, kr, rec.UAID, chid)

	routerStore := &fakeRouterStore{rec: rec, found: true}
	bridges := &fakeBridgeSender{err: &bridge.SendError{Reason: bridge.UnknownToken}}

	svc := New(Options{
		Keyring:  kr,
		Router:   routerStore,
		Messages: &fakeMessageStore{},
		Notifier: &fakeNotifier{},
		Bridges:  bridges,
	})

	_, err := svc.Publish(context.Background(), Request{
		Token:      token,
		TTLSeconds: 60,
		Body:       []byte{0x01},
	})
	require.Error(t, err)
	assert.True(t, routerStore.invalidated)
}

// A bridge-registered device carries a BridgeSecret (for the Registration
// HTTP bearer check) but its endpoint token never binds a VAPIDPubKeyHash;
// a publish to it must not be forced through VAPID verification just
// because BridgeSecret happens to be set.
func TestPublishBridgeDeviceWithoutVAPIDDoesNotRequireAuthorization(t *testing.T) {
	kr := testKeyring(t)
	rec := newRecord(model.RouterAPNS)
	rec.BridgeSecret = "bridge-bearer-secret"
	chid := deviceid.New()
	token := mustSeal(t, kr, rec.UAID, chid)

	svc := New(Options{
		Keyring:  kr,
		Router:   &fakeRouterStore{rec: rec, found: true},
		Messages: &fakeMessageStore{},
		Notifier: &fakeNotifier{},
		Bridges:  &fakeBridgeSender{},
	})

	_, err := svc.Publish(context.Background(), Request{
		Token:      token,
		TTLSeconds: 60,
		Body:       []byte{0x01},
		// no Authorization header
	})
	require.NoError(t, err)
}

// S5: unknown/missing endpoint token maps to NotFound.
func TestPublishUnknownTokenReturnsNotFound(t *testing.T) {
	kr := testKeyring(t)
	svc := New(Options{
		Keyring:  kr,
		Router:   &fakeRouterStore{},
		Messages: &fakeMessageStore{},
		Notifier: &fakeNotifier{},
		Bridges:  &fakeBridgeSender{},
	})

	_, err := svc.Publish(context.Background(), Request{
		Token:      "not-a-real-token",
		TTLSeconds: 60,
		Body:       []byte{0x01},
	})
	require.Error(t, err)
}

func TestPublishStaleOrMissingDeviceReturnsGone(t *testing.T) {
	kr := testKeyring(t)
	uaid, chid := deviceid.New(), deviceid.New()
	token := mustSeal(t, kr, uaid, chid)

	svc := New(Options{
		Keyring:  kr,
		Router:   &fakeRouterStore{found: false},
		Messages: &fakeMessageStore{},
		Notifier: &fakeNotifier{},
		Bridges:  &fakeBridgeSender{},
	})

	_, err := svc.Publish(context.Background(), Request{
		Token:      token,
		TTLSeconds: 60,
		Body:       []byte{0x01},
	})
	require.Error(t, err)
}

func TestPublishRejectsOversizePayload(t *testing.T) {
	kr := testKeyring(t)
	rec := newRecord(model.RouterWebSocket)
	chid := deviceid.New()
	token := mustSeal(t, kr, rec.UAID, chid)

	svc := New(Options{
		Keyring:  kr,
		Router:   &fakeRouterStore{rec: rec, found: true},
		Messages: &fakeMessageStore{},
		Notifier: &fakeNotifier{ok: true},
		Bridges:  &fakeBridgeSender{},
	})

	_, err := svc.Publish(context.Background(), Request{
		Token:      token,
		TTLSeconds: 60,
		Body:       make([]byte, model.MaxData+1),
	})
	require.Error(t, err)
}

// A direct-notify success records Received then the IntTransmitted/IntAccepted
// handoff, and never finalizes: there's no further delivery confirmation for
// this path at the publish layer.
func TestPublishTracksReceivedAndIntAcceptedOnDirectNotifySuccess(t *testing.T) {
	kr := testKeyring(t)
	rec := newRecord(model.RouterWebSocket)
	chid := deviceid.New()
	token := mustSeal(t, kr, rec.UAID, chid)
	tracker := &fakeTracker{}

	svc := New(Options{
		Keyring:  kr,
		Router:   &fakeRouterStore{rec: rec, found: true},
		Messages: &fakeMessageStore{},
		Notifier: &fakeNotifier{ok: true},
		Bridges:  &fakeBridgeSender{},
		Tracker:  tracker,
		Node:     "node-a",
	})

	_, err := svc.Publish(context.Background(), Request{
		Token:      token,
		TTLSeconds: 60,
		Body:       []byte{0x01},
	})
	require.NoError(t, err)
	assert.Equal(t, []model.ReliabilityMilestone{
		model.MilestoneReceived,
		model.MilestoneIntTransmitted,
		model.MilestoneIntAccepted,
	}, tracker.entered)
	assert.Empty(t, tracker.finalized)
}

// A failed direct-notify with ttl>0 records Received/IntTransmitted then
// Stored once the fallback write succeeds.
func TestPublishTracksStoredOnDirectNotifyFallback(t *testing.T) {
	kr := testKeyring(t)
	rec := newRecord(model.RouterWebSocket)
	chid := deviceid.New()
	token := mustSeal(t, kr, rec.UAID, chid)
	tracker := &fakeTracker{}

	svc := New(Options{
		Keyring:  kr,
		Router:   &fakeRouterStore{rec: rec, found: true},
		Messages: &fakeMessageStore{},
		Notifier: &fakeNotifier{ok: false},
		Bridges:  &fakeBridgeSender{},
		Tracker:  tracker,
		Node:     "node-a",
	})

	_, err := svc.Publish(context.Background(), Request{
		Token:      token,
		TTLSeconds: 60,
		Body:       []byte{0x01},
	})
	require.NoError(t, err)
	assert.Equal(t, []model.ReliabilityMilestone{
		model.MilestoneReceived,
		model.MilestoneIntTransmitted,
		model.MilestoneStored,
	}, tracker.entered)
	assert.Empty(t, tracker.finalized)
}

// A bridge UnknownToken failure finalizes Errored rather than leaving the
// message tracked forever.
func TestPublishTracksErroredOnBridgeUnknownToken(t *testing.T) {
	kr := testKeyring(t)
	rec := newRecord(model.RouterAPNS)
	chid := deviceid.New()
	token := mustSeal(t, kr, rec.UAID, chid)
	tracker := &fakeTracker{}

	svc := New(Options{
		Keyring:  kr,
		Router:   &fakeRouterStore{rec: rec, found: true},
		Messages: &fakeMessageStore{},
		Notifier: &fakeNotifier{},
		Bridges:  &fakeBridgeSender{err: &bridge.SendError{Reason: bridge.UnknownToken}},
		Tracker:  tracker,
	})

	_, err := svc.Publish(context.Background(), Request{
		Token:      token,
		TTLSeconds: 60,
		Body:       []byte{0x01},
	})
	require.Error(t, err)
	assert.Equal(t, []model.ReliabilityMilestone{model.MilestoneErrored}, tracker.finalized)
}

func TestComposedNotifierRoutesLocalVsRemote(t *testing.T) {
	local := &fakeNotifier{ok: true}
	remote := &fakeNotifier{ok: false, err: errors.New("remote unreachable")}
	notifier := NewNotifier("node-a", local, remote)

	ok, err := notifier.Notify(context.Background(), "node-a", deviceid.New(), &model.Notification{})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = notifier.Notify(context.Background(), "node-b", deviceid.New(), &model.Notification{})
	assert.False(t, ok)
	assert.Error(t, err)
}
