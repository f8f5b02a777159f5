package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/mahaj/village-chat/pkg/model"
	"github.com/mahaj/village-chat/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// Run checks the behaviour every store.Store backend must share. open is
// called once per subtest and must return an empty, migrated store.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"AppendRejectsNonMember", appendRejectsNonMember},
		{"AppendValidatesBeforeWriting", appendValidatesBeforeWriting},
		{"HistoryRequiresMembership", historyRequiresMembership},
		{"HistoryCursorAndLimit", historyCursorAndLimit},
		{"HistoryOrderingProperty", historyOrderingProperty},
		{"MarkReadResetsUnread", markReadResetsUnread},
		{"MarkReadNeverMovesBack", markReadNeverMovesBack},
		{"DirectChannelConvergesUnderConcurrency", directChannelConvergesUnderConcurrency},
		{"DirectChannelRejectsBadPairs", directChannelRejectsBadPairs},
		{"DeleteOnlyOwnMessages", deleteOnlyOwnMessages},
		{"ContextChannelLifecycle", contextChannelLifecycle},
		{"ListChannels", listChannels},
		{"LookupUser", lookupUser},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, open(t))
		})
	}
}

func text(channelID, author, content string) model.NewMessage {
	return model.NewMessage{ChannelID: channelID, AuthorID: author, Content: content}
}

func appendRejectsNonMember(t *testing.T, s store.Store) {
	ctx := context.Background()
	SeedUsers(t, s, "alice", "bob", "mallory")
	ch := Group(t, s, "crew", "alice", "bob")

	_, err := s.AppendMessage(ctx, text(ch.ID, "mallory", "hi"))
	require.ErrorIs(t, err, model.ErrForbidden)

	msgs, err := s.History(ctx, ch.ID, "alice", store.HistoryQuery{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func appendValidatesBeforeWriting(t *testing.T, s store.Store) {
	ctx := context.Background()
	SeedUsers(t, s, "alice")
	ch := Group(t, s, "solo", "alice")

	_, err := s.AppendMessage(ctx, text(ch.ID, "alice", "   "))
	require.ErrorIs(t, err, model.ErrValidation)

	_, err = s.AppendMessage(ctx, model.NewMessage{ChannelID: ch.ID, AuthorID: "alice", MediaRef: "https://cdn/x.png", Kind: model.KindImage})
	require.NoError(t, err)
}

func historyRequiresMembership(t *testing.T, s store.Store) {
	ctx := context.Background()
	SeedUsers(t, s, "alice", "bob")
	ch := Group(t, s, "private", "alice")

	_, err := s.History(ctx, ch.ID, "bob", store.HistoryQuery{Limit: 10})
	assert.ErrorIs(t, err, model.ErrForbidden)
}

func historyCursorAndLimit(t *testing.T, s store.Store) {
	ctx := context.Background()
	SeedUsers(t, s, "alice", "bob")
	ch := Group(t, s, "crew", "alice", "bob")

	var sent []model.Message
	for i := 0; i < 5; i++ {
		msg, err := s.AppendMessage(ctx, text(ch.ID, "alice", fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		sent = append(sent, msg)
	}

	latest, err := s.History(ctx, ch.ID, "bob", store.HistoryQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, sent[3].ID, latest[0].ID)
	assert.Equal(t, sent[4].ID, latest[1].ID)
	assert.Equal(t, "alice", latest[0].Username)

	older, err := s.History(ctx, ch.ID, "bob", store.HistoryQuery{Before: sent[3].CreatedAt, Limit: 10})
	require.NoError(t, err)
	require.Len(t, older, 3)
	for i, msg := range older {
		assert.Equal(t, sent[i].ID, msg.ID)
		assert.True(t, msg.CreatedAt.Before(sent[3].CreatedAt))
	}
}

func historyOrderingProperty(t *testing.T, s store.Store) {
	ctx := context.Background()
	SeedUsers(t, s, "alice", "bob")
	round := 0

	rapid.Check(t, func(rt *rapid.T) {
		round++
		chans := []model.Channel{
			Group(t, s, fmt.Sprintf("a%d", round), "alice", "bob"),
			Group(t, s, fmt.Sprintf("b%d", round), "alice", "bob"),
		}
		want := map[string][]int64{}

		n := rapid.IntRange(0, 30).Draw(rt, "n")
		for i := 0; i < n; i++ {
			ch := chans[rapid.IntRange(0, 1).Draw(rt, "channel")]
			author := rapid.SampledFrom([]string{"alice", "bob"}).Draw(rt, "author")
			msg, err := s.AppendMessage(ctx, text(ch.ID, author, fmt.Sprintf("msg %d", i)))
			require.NoError(rt, err)
			want[ch.ID] = append(want[ch.ID], msg.ID)
		}

		limit := rapid.IntRange(1, 40).Draw(rt, "limit")
		for _, ch := range chans {
			got, err := s.History(ctx, ch.ID, "alice", store.HistoryQuery{Limit: limit})
			require.NoError(rt, err)

			exp := want[ch.ID]
			if len(exp) > limit {
				exp = exp[len(exp)-limit:]
			}
			require.Len(rt, got, len(exp))
			for i := range got {
				require.Equal(rt, exp[i], got[i].ID)
				if i > 0 {
					prev := got[i-1]
					require.True(rt, got[i].CreatedAt.After(prev.CreatedAt), "created_at must increase")
					require.Greater(rt, got[i].ID, prev.ID)
				}
			}
		}
	})
}

func markReadResetsUnread(t *testing.T, s store.Store) {
	ctx := context.Background()
	SeedUsers(t, s, "alice", "bob")
	ch := Group(t, s, "crew", "alice", "bob")

	for i := 0; i < 3; i++ {
		_, err := s.AppendMessage(ctx, text(ch.ID, "alice", "hey"))
		require.NoError(t, err)
	}
	n, err := s.UnreadCount(ctx, ch.ID, "bob")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	mark, err := s.MarkRead(ctx, ch.ID, "bob")
	require.NoError(t, err)
	n, err = s.UnreadCount(ctx, ch.ID, "bob")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	msg, err := s.AppendMessage(ctx, text(ch.ID, "alice", "one more"))
	require.NoError(t, err)
	assert.True(t, msg.CreatedAt.After(mark))

	n, err = s.UnreadCount(ctx, ch.ID, "bob")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = s.MarkRead(ctx, ch.ID, "mallory")
	assert.ErrorIs(t, err, model.ErrForbidden)
}

func markReadNeverMovesBack(t *testing.T, s store.Store) {
	ctx := context.Background()
	SeedUsers(t, s, "alice")
	ch := Group(t, s, "solo", "alice")

	first, err := s.MarkRead(ctx, ch.ID, "alice")
	require.NoError(t, err)
	second, err := s.MarkRead(ctx, ch.ID, "alice")
	require.NoError(t, err)
	assert.True(t, second.After(first))
}

func directChannelConvergesUnderConcurrency(t *testing.T, s store.Store) {
	ctx := context.Background()
	SeedUsers(t, s, "alice", "bob")

	const callers = 16
	var (
		wg      sync.WaitGroup
		ids     = make([]string, callers)
		created = make([]bool, callers)
		errs    = make([]error, callers)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			ch, ok, err := s.GetOrCreateDirect(ctx, a, b)
			ids[i], created[i], errs[i] = ch.ID, ok, err
		}(i)
	}
	wg.Wait()

	creators := 0
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
		if created[i] {
			creators++
		}
	}
	assert.Equal(t, 1, creators)

	members, err := s.Members(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, members)

	ch, err := s.GetChannel(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, model.ChannelDirect, ch.Kind)
	assert.Equal(t, store.DirectChannelName, ch.Name)
}

func directChannelRejectsBadPairs(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, _, err := s.GetOrCreateDirect(ctx, "alice", "alice")
	assert.ErrorIs(t, err, model.ErrValidation)
	_, _, err = s.GetOrCreateDirect(ctx, "alice", "")
	assert.ErrorIs(t, err, model.ErrValidation)
}

func deleteOnlyOwnMessages(t *testing.T, s store.Store) {
	ctx := context.Background()
	SeedUsers(t, s, "alice", "bob")
	ch := Group(t, s, "crew", "alice", "bob")

	msg, err := s.AppendMessage(ctx, text(ch.ID, "alice", "oops"))
	require.NoError(t, err)

	_, err = s.DeleteMessage(ctx, msg.ID, "bob")
	assert.ErrorIs(t, err, model.ErrNotFound)

	deleted, err := s.DeleteMessage(ctx, msg.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, ch.ID, deleted.ChannelID)

	_, err = s.GetMessage(ctx, msg.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func contextChannelLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	SeedUsers(t, s, "host", "guest")

	ch, err := s.CreateContextBound(ctx, store.ContextChannel{
		Kind:      model.ChannelQuest,
		Name:      " Harvest ",
		ContextID: "quest-1",
		Members:   []string{"host", "host"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Harvest", ch.Name)

	_, err = s.CreateContextBound(ctx, store.ContextChannel{
		Kind: model.ChannelQuest, Name: "again", ContextID: "quest-1", Members: []string{"host"},
	})
	assert.ErrorIs(t, err, model.ErrConflict)

	for i := 0; i < 2; i++ {
		joined, err := s.JoinContext(ctx, "quest-1", "guest")
		require.NoError(t, err)
		assert.Equal(t, ch.ID, joined.ID)
	}
	members, err := s.Members(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"guest", "host"}, members)

	_, err = s.JoinContext(ctx, "quest-404", "guest")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = s.CreateContextBound(ctx, store.ContextChannel{Kind: model.ChannelDirect, Name: "x", Members: []string{"host"}})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func listChannels(t *testing.T, s store.Store) {
	ctx := context.Background()
	SeedUsers(t, s, "alice", "bob", "carol")

	quiet := Group(t, s, "quiet", "alice", "carol")
	dm, _, err := s.GetOrCreateDirect(ctx, "alice", "bob")
	require.NoError(t, err)

	_, err = s.AppendMessage(ctx, text(dm.ID, "bob", "first"))
	require.NoError(t, err)
	last, err := s.AppendMessage(ctx, text(dm.ID, "bob", "second"))
	require.NoError(t, err)

	list, err := s.ListChannels(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)

	byID := map[string]model.ChannelSummary{}
	for _, sum := range list {
		byID[sum.ID] = sum
	}
	assert.Nil(t, byID[quiet.ID].LastMessage)
	assert.EqualValues(t, 0, byID[quiet.ID].UnreadCount)

	got := byID[dm.ID]
	require.NotNil(t, got.LastMessage)
	assert.Equal(t, last.ID, got.LastMessage.ID)
	assert.Equal(t, "bob", got.LastMessage.Username)
	assert.EqualValues(t, 2, got.UnreadCount)
	assert.Equal(t, dm.ID, list[0].ID, "newest channel first")

	shares, err := s.SharesChannel(ctx, "bob", "carol")
	require.NoError(t, err)
	assert.False(t, shares)
	shares, err = s.SharesChannel(ctx, "alice", "carol")
	require.NoError(t, err)
	assert.True(t, shares)
}

func lookupUser(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.PutUser(ctx, model.Identity{ID: "u1", Username: "sam", Nickname: "Sammy"}))

	ident, err := s.LookupUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Sammy", ident.DisplayName())

	_, err = s.LookupUser(ctx, "nobody")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
