package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mahaj/village-chat/pkg/chat"
	"github.com/mahaj/village-chat/pkg/config"
	"github.com/mahaj/village-chat/pkg/model"
	"github.com/mahaj/village-chat/pkg/presence"
	"github.com/mahaj/village-chat/pkg/realtime"
	"github.com/mahaj/village-chat/pkg/store"
	"github.com/mahaj/village-chat/pkg/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type peer struct {
	id, user string

	mu        sync.Mutex
	frames    []realtime.Frame
	closeCode int
}

func (p *peer) ID() string     { return p.id }
func (p *peer) UserID() string { return p.user }

func (p *peer) Close(code int, _ string) {
	p.mu.Lock()
	p.closeCode = code
	p.mu.Unlock()
}

func (p *peer) closedWith() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCode
}

func (p *peer) Send(b []byte) error {
	var f realtime.Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	p.mu.Lock()
	p.frames = append(p.frames, f)
	p.mu.Unlock()
	return nil
}

// take returns the frames named event, decoded into T.
func take[T any](t *testing.T, p *peer, event string) []T {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []T
	for _, f := range p.frames {
		if f.Event != event {
			continue
		}
		var v T
		require.NoError(t, json.Unmarshal(f.Data, &v))
		out = append(out, v)
	}
	return out
}

func (p *peer) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.frames))
	for i, f := range p.frames {
		out[i] = f.Event
	}
	return out
}

type fixture struct {
	gw     *Gateway
	store  store.Store
	online *presence.MemoryIndex
	users  map[string]model.Identity
	nextID int
}

func newFixture(t *testing.T, tweak func(*Options)) *fixture {
	st := storetest.NewSQLite(t)
	storetest.SeedUsers(t, st, "alice", "bob", "carol", "dave")

	reg := realtime.NewRegistry()
	online := presence.NewMemoryIndex()
	opts := Options{
		RateBurst:       100,
		RateInterval:    time.Second,
		TypingTTL:       time.Minute,
		SignalingPolicy: config.PolicyOpen,
	}
	if tweak != nil {
		tweak(&opts)
	}
	gw := New(Deps{
		Registry: reg,
		Channels: st,
		Chat:     chat.NewService(st, reg, nil, nil, chat.Options{MaxContentLength: 4000}),
		Online:   online,
	}, opts)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })

	users := map[string]model.Identity{}
	for _, id := range []string{"alice", "bob", "carol", "dave"} {
		users[id] = model.Identity{ID: id, Username: id}
	}
	return &fixture{gw: gw, store: st, online: online, users: users}
}

func (f *fixture) connect(user string) (*Session, *peer) {
	f.nextID++
	p := &peer{id: fmt.Sprintf("conn-%d", f.nextID), user: user}
	return f.gw.Connect(p, f.users[user]), p
}

func frame(t *testing.T, event string, data any) []byte {
	t.Helper()
	b, err := realtime.Encode(event, data)
	require.NoError(t, err)
	return b
}

func TestLiveMembersReceiveMessageAndLateJoinerReadsHistory(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	c := storetest.Group(t, f.store, "C", "alice", "bob", "dave")

	a, aPeer := f.connect("alice")
	b, bPeer := f.connect("bob")
	a.Handle(frame(t, realtime.EventJoinChannels, nil))
	b.Handle(frame(t, realtime.EventJoinChannel, c.ID))

	a.Handle(frame(t, realtime.EventMessageSend, map[string]string{"channelId": c.ID, "content": "hello"}))
	b.Handle(frame(t, realtime.EventMessageSend, map[string]string{"channelId": c.ID, "content": "later"}))

	for _, p := range []*peer{aPeer, bPeer} {
		got := take[chat.MessageNew](t, p, realtime.EventMessageNew)
		require.Len(t, got, 2)
		assert.Equal(t, "hello", *got[0].Message.Content)
		assert.Equal(t, "alice", got[0].Message.AuthorID)
		assert.Equal(t, "later", *got[1].Message.Content)
	}

	d, dPeer := f.connect("dave")
	d.Handle(frame(t, realtime.EventJoinChannel, map[string]string{"channelId": c.ID}))
	assert.Empty(t, take[chat.MessageNew](t, dPeer, realtime.EventMessageNew))
	assert.Len(t, take[channelAck](t, dPeer, realtime.EventChannelJoined), 1)

	history, err := f.store.History(ctx, c.ID, "dave", store.HistoryQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "hello", *history[0].Content)
}

func TestNonMemberSendIsRejectedLocally(t *testing.T) {
	f := newFixture(t, nil)
	c := storetest.Group(t, f.store, "C", "alice", "bob")

	_, bPeer := f.connect("bob")
	f.gw.registry.Join(c.ID, bPeer)
	d, dPeer := f.connect("dave")

	d.Handle(frame(t, realtime.EventMessageSend, map[string]string{"channelId": c.ID, "content": "sneaky"}))

	errs := take[errorFrame](t, dPeer, realtime.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, "forbidden", errs[0].Code)
	assert.Equal(t, "Not a member of this channel", errs[0].Message)
	assert.Empty(t, take[chat.MessageNew](t, bPeer, realtime.EventMessageNew))

	history, err := f.store.History(context.Background(), c.ID, "bob", store.HistoryQuery{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Equal(t, StateAuthenticated, d.State())
}

func TestUnauthorizedJoinIsSilent(t *testing.T) {
	f := newFixture(t, nil)
	c := storetest.Group(t, f.store, "C", "alice")

	d, dPeer := f.connect("dave")
	d.Handle(frame(t, realtime.EventJoinChannel, c.ID))

	assert.Equal(t, []string{realtime.EventConnected}, dPeer.names())
	assert.Empty(t, d.Channels())
	assert.Equal(t, StateAuthenticated, d.State())
}

func TestCallOfferReachesEveryConnectionOfTarget(t *testing.T) {
	f := newFixture(t, nil)

	a, aPeer := f.connect("alice")
	_, b1 := f.connect("bob")
	_, b2 := f.connect("bob")

	payload := json.RawMessage(`{"sdp":"v=0"}`)
	a.Handle(frame(t, realtime.EventCallOffer, map[string]any{"targetUserId": "bob", "payload": payload}))

	for _, p := range []*peer{b1, b2} {
		got := take[relayedSignal](t, p, realtime.EventCallOffer)
		require.Len(t, got, 1)
		assert.Equal(t, "alice", got[0].FromUserID)
		assert.JSONEq(t, string(payload), string(got[0].Payload))
	}

	// carol is offline: nothing is delivered and nothing waits for her.
	a.Handle(frame(t, realtime.EventCallOffer, map[string]any{"targetUserId": "carol", "payload": payload}))
	_, cPeer := f.connect("carol")
	assert.Equal(t, []string{realtime.EventConnected}, cPeer.names())
	assert.Empty(t, take[errorFrame](t, aPeer, realtime.EventError))

	a.Handle(frame(t, realtime.EventCallEnd, map[string]any{"targetUserId": "alice"}))
	errs := take[errorFrame](t, aPeer, realtime.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, "bad_request", errs[0].Code)
}

func TestCallWithLegacyPayloadField(t *testing.T) {
	f := newFixture(t, nil)
	a, _ := f.connect("alice")
	_, bPeer := f.connect("bob")

	a.Handle(frame(t, realtime.EventCallAnswer, map[string]any{"targetUserId": "bob", "answer": map[string]string{"type": "answer"}}))
	got := take[relayedSignal](t, bPeer, realtime.EventCallAnswer)
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"type":"answer"}`, string(got[0].Payload))
}

func TestSharedChannelPolicy(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.SignalingPolicy = config.PolicySharedChannel })
	storetest.Group(t, f.store, "C", "alice", "bob")

	a, aPeer := f.connect("alice")
	_, bPeer := f.connect("bob")
	_, dPeer := f.connect("dave")

	a.Handle(frame(t, realtime.EventCallOffer, map[string]any{"targetUserId": "bob", "payload": "x"}))
	a.Handle(frame(t, realtime.EventCallOffer, map[string]any{"targetUserId": "dave", "payload": "x"}))

	assert.Len(t, take[relayedSignal](t, bPeer, realtime.EventCallOffer), 1)
	assert.Empty(t, take[relayedSignal](t, dPeer, realtime.EventCallOffer))
	errs := take[errorFrame](t, aPeer, realtime.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, "forbidden", errs[0].Code)
}

func TestTypingStartThenStopLeavesNoIndicator(t *testing.T) {
	f := newFixture(t, nil)
	c := storetest.Group(t, f.store, "C", "alice", "bob")

	a, aPeer := f.connect("alice")
	b, bPeer := f.connect("bob")
	a.Handle(frame(t, realtime.EventJoinChannel, c.ID))
	b.Handle(frame(t, realtime.EventJoinChannel, c.ID))

	a.Handle(frame(t, realtime.EventTypingStart, c.ID))
	a.Handle(frame(t, realtime.EventTypingStop, c.ID))

	started := take[typingUser](t, bPeer, realtime.EventTypingUser)
	require.Len(t, started, 1)
	assert.Equal(t, typingUser{ChannelID: c.ID, UserID: "alice", Username: "alice"}, started[0])
	stopped := take[typingStopped](t, bPeer, realtime.EventTypingStop)
	require.Len(t, stopped, 1)
	assert.False(t, stopped[0].Expired)

	assert.Empty(t, f.gw.typing.Typing(c.ID))
	assert.Empty(t, take[typingUser](t, aPeer, realtime.EventTypingUser), "sender is excluded")
}

func TestTypingExpires(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.TypingTTL = 30 * time.Millisecond })
	c := storetest.Group(t, f.store, "C", "alice", "bob")

	a, _ := f.connect("alice")
	b, bPeer := f.connect("bob")
	b.Handle(frame(t, realtime.EventJoinChannel, c.ID))
	a.Handle(frame(t, realtime.EventTypingStart, c.ID))

	require.Eventually(t, func() bool {
		return len(take[typingStopped](t, bPeer, realtime.EventTypingStop)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, take[typingStopped](t, bPeer, realtime.EventTypingStop)[0].Expired)
}

func TestTypingFromNonMemberIsDropped(t *testing.T) {
	f := newFixture(t, nil)
	c := storetest.Group(t, f.store, "C", "alice")

	a, _ := f.connect("alice")
	a.Handle(frame(t, realtime.EventJoinChannel, c.ID))
	d, _ := f.connect("dave")
	d.Handle(frame(t, realtime.EventTypingStart, c.ID))
	assert.Empty(t, f.gw.typing.Typing(c.ID))
}

func TestDisconnectClearsIndexesAndTyping(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	c := storetest.Group(t, f.store, "C", "alice", "bob")

	a1, _ := f.connect("alice")
	a2, _ := f.connect("alice")
	b, bPeer := f.connect("bob")
	for _, s := range []*Session{a1, a2, b} {
		s.Handle(frame(t, realtime.EventJoinChannel, c.ID))
	}
	a1.Handle(frame(t, realtime.EventTypingStart, c.ID))

	online, err := f.gw.OnlineUsers(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, online)

	a1.Close()
	assert.Equal(t, StateDisconnected, a1.State())
	online, _ = f.gw.OnlineUsers(ctx, c.ID)
	assert.Equal(t, []string{"alice", "bob"}, online, "alice still has a connection")
	assert.Equal(t, []string{"alice"}, f.gw.typing.Typing(c.ID))

	a2.Close()
	a2.Close()
	online, _ = f.gw.OnlineUsers(ctx, c.ID)
	assert.Equal(t, []string{"bob"}, online)
	assert.Empty(t, f.gw.typing.Typing(c.ID))
	assert.Len(t, take[typingStopped](t, bPeer, realtime.EventTypingStop), 1)

	a1.Handle(frame(t, realtime.EventJoinChannel, c.ID))
	assert.Equal(t, StateDisconnected, a1.State())
	assert.Equal(t, 1, f.gw.registry.Count())
}

func TestShutdownClearsPresence(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	c := storetest.Group(t, f.store, "C", "alice", "bob")

	a1, a1Peer := f.connect("alice")
	a2, _ := f.connect("alice")
	b, bPeer := f.connect("bob")
	for _, s := range []*Session{a1, a2, b} {
		s.Handle(frame(t, realtime.EventJoinChannel, c.ID))
	}
	a1.Handle(frame(t, realtime.EventTypingStart, c.ID))

	online, err := f.gw.OnlineUsers(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, online)

	require.NoError(t, f.gw.Shutdown(ctx))

	online, err = f.gw.OnlineUsers(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, online)
	assert.Empty(t, f.gw.typing.Typing(c.ID))
	for _, s := range []*Session{a1, a2, b} {
		assert.Equal(t, StateDisconnected, s.State())
	}
	assert.Equal(t, websocket.CloseGoingAway, a1Peer.closedWith())
	assert.Equal(t, websocket.CloseGoingAway, bPeer.closedWith())
	assert.Equal(t, 0, f.gw.registry.Count())

	require.NoError(t, f.gw.Shutdown(ctx))
}

func TestStateNeverRegresses(t *testing.T) {
	f := newFixture(t, nil)
	c := storetest.Group(t, f.store, "C", "alice")

	a, aPeer := f.connect("alice")
	assert.Equal(t, StateAuthenticated, a.State())

	a.Handle(frame(t, realtime.EventJoinChannel, c.ID))
	assert.Equal(t, StateJoined, a.State())

	a.Handle(frame(t, realtime.EventLeaveChannel, c.ID))
	a.Handle(frame(t, realtime.EventLeaveChannel, c.ID))
	assert.Equal(t, StateJoined, a.State())
	assert.Empty(t, a.Channels())
	assert.Len(t, take[channelAck](t, aPeer, realtime.EventChannelLeft), 2)
}

func TestJoinAllJoinsEveryMembership(t *testing.T) {
	f := newFixture(t, nil)
	c1 := storetest.Group(t, f.store, "one", "alice", "bob")
	c2 := storetest.Group(t, f.store, "two", "alice")
	storetest.Group(t, f.store, "other", "bob")

	a, aPeer := f.connect("alice")
	a.Handle(frame(t, realtime.EventJoinChannels, nil))

	acks := take[channelsJoined](t, aPeer, realtime.EventChannelsJoined)
	require.Len(t, acks, 1)
	assert.Equal(t, 2, acks[0].Count)
	assert.ElementsMatch(t, []string{c1.ID, c2.ID}, a.Channels())
}

func TestMarkReadAcksReader(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	c := storetest.Group(t, f.store, "C", "alice", "bob")
	_, err := f.store.AppendMessage(ctx, model.NewMessage{ChannelID: c.ID, AuthorID: "alice", Content: "x"})
	require.NoError(t, err)

	b, bPeer := f.connect("bob")
	b.Handle(frame(t, realtime.EventMessageRead, c.ID))

	acks := take[channelRead](t, bPeer, realtime.EventChannelRead)
	require.Len(t, acks, 1)
	assert.Equal(t, c.ID, acks[0].ChannelID)
	n, err := f.store.UnreadCount(ctx, c.ID, "bob")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestMalformedFramesKeepTheSession(t *testing.T) {
	f := newFixture(t, nil)
	a, aPeer := f.connect("alice")

	a.Handle([]byte("not json"))
	a.Handle(frame(t, "bogus:event", nil))
	a.Handle(frame(t, realtime.EventJoinChannel, ""))

	errs := take[errorFrame](t, aPeer, realtime.EventError)
	require.Len(t, errs, 3)
	for _, e := range errs {
		assert.Equal(t, "bad_request", e.Code)
	}
	assert.Equal(t, StateAuthenticated, a.State())
}

func TestRateLimitedEventsAreDropped(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.RateBurst = 2
		o.RateInterval = time.Hour
	})
	c := storetest.Group(t, f.store, "C", "alice")
	a, aPeer := f.connect("alice")

	for i := 0; i < 4; i++ {
		a.Handle(frame(t, realtime.EventMessageSend, map[string]string{"channelId": c.ID, "content": "spam"}))
	}
	assert.Len(t, take[chat.MessageNew](t, aPeer, realtime.EventMessageNew), 0, "alice never joined the room")
	errs := take[errorFrame](t, aPeer, realtime.EventError)
	require.Len(t, errs, 2)
	assert.Equal(t, "rate_limited", errs[0].Code)

	history, err := f.store.History(context.Background(), c.ID, "alice", store.HistoryQuery{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, history, 2)
}
