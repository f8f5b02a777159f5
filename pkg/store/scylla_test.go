package store_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mahaj/village-chat/pkg/model"
	"github.com/mahaj/village-chat/pkg/store"
	"github.com/mahaj/village-chat/pkg/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scyllaHosts(t *testing.T) []string {
	hosts := os.Getenv("CHAT_TEST_SCYLLA_HOSTS")
	if hosts == "" {
		t.Skip("CHAT_TEST_SCYLLA_HOSTS not set")
	}
	return strings.Split(hosts, ",")
}

func TestScyllaStore(t *testing.T) {
	hosts := scyllaHosts(t)
	storetest.Run(t, func(t *testing.T) store.Store {
		s, _ := storetest.NewScylla(t, hosts)
		return s
	})
}

// A claimed pair whose channel rows were never written is completed by the
// next caller instead of staying unusable.
func TestScyllaCompletesClaimedDirectPair(t *testing.T) {
	ctx := context.Background()
	s, session := storetest.NewScylla(t, scyllaHosts(t))
	storetest.SeedUsers(t, s, "alice", "bob")

	id := uuid.NewString()
	claimedAt := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	require.NoError(t, session.Query(`INSERT INTO direct_pairs (pair_key, channel_id, created_at) VALUES (?, ?, ?)`,
		model.PairKey("alice", "bob"), id, claimedAt.UnixMicro()).Exec())

	ch, created, err := s.GetOrCreateDirect(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, ch.ID)
	assert.True(t, claimedAt.Equal(ch.CreatedAt))

	members, err := s.Members(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, members)

	list, err := s.ListChannels(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)

	again, created, err := s.GetOrCreateDirect(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, again.ID)
}

func TestScyllaContextClaimLeavesNoRowsForLoser(t *testing.T) {
	ctx := context.Background()
	s, session := storetest.NewScylla(t, scyllaHosts(t))
	storetest.SeedUsers(t, s, "host", "guest")

	first, err := s.CreateContextBound(ctx, store.ContextChannel{
		Kind: model.ChannelQuest, Name: "Harvest", ContextID: "quest-1", Members: []string{"host"},
	})
	require.NoError(t, err)
	_, err = s.CreateContextBound(ctx, store.ContextChannel{
		Kind: model.ChannelQuest, Name: "Harvest again", ContextID: "quest-1", Members: []string{"guest"},
	})
	require.ErrorIs(t, err, model.ErrConflict)

	var channels int
	require.NoError(t, session.Query(`SELECT COUNT(*) FROM channels`).Scan(&channels))
	assert.Equal(t, 1, channels)

	ids, err := s.MemberChannelIDs(ctx, "guest")
	require.NoError(t, err)
	assert.Empty(t, ids)

	got, err := s.JoinContext(ctx, "quest-1", "guest")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
}
