package presence

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/mahaj/village-chat/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) TypingStarted(channelID string, who model.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf("start %s %s", channelID, who.ID))
}

func (r *recorder) TypingStopped(channelID, userID string, expired bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf("stop %s %s expired=%t", channelID, userID, expired))
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

var alice = model.Identity{ID: "alice", Username: "alice"}

func TestStartThenStopLeavesNoIndicator(t *testing.T) {
	rec := &recorder{}
	tr := NewTyping(time.Minute, rec)
	defer tr.Close()

	tr.Start("c1", alice)
	assert.Equal(t, []string{"alice"}, tr.Typing("c1"))

	tr.Stop("c1", "alice")
	assert.Empty(t, tr.Typing("c1"))
	assert.Equal(t, []string{"start c1 alice", "stop c1 alice expired=false"}, rec.snapshot())
}

func TestStartExpiresAfterTTL(t *testing.T) {
	rec := &recorder{}
	tr := NewTyping(20*time.Millisecond, rec)
	defer tr.Close()

	tr.Start("c1", alice)
	require.Eventually(t, func() bool { return len(tr.Typing("c1")) == 0 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "stop c1 alice expired=true", rec.snapshot()[1])
}

func TestRepeatedStartRefreshesTTL(t *testing.T) {
	rec := &recorder{}
	tr := NewTyping(200*time.Millisecond, rec)
	defer tr.Close()

	tr.Start("c1", alice)
	time.Sleep(120 * time.Millisecond)
	tr.Start("c1", alice)
	time.Sleep(120 * time.Millisecond)

	assert.Equal(t, []string{"alice"}, tr.Typing("c1"))
	require.Eventually(t, func() bool { return len(tr.Typing("c1")) == 0 }, time.Second, 5*time.Millisecond)

	stops := 0
	require.Eventually(t, func() bool {
		stops = 0
		for _, e := range rec.snapshot() {
			if e == "stop c1 alice expired=true" {
				stops++
			}
		}
		return stops == 1
	}, time.Second, 5*time.Millisecond)
}

func TestZeroTTLNeverExpires(t *testing.T) {
	rec := &recorder{}
	tr := NewTyping(0, rec)

	tr.Start("c1", alice)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"alice"}, tr.Typing("c1"))
}

func TestDropUserStopsEverywhere(t *testing.T) {
	rec := &recorder{}
	tr := NewTyping(time.Minute, rec)
	defer tr.Close()

	tr.Start("c2", alice)
	tr.Start("c1", alice)
	tr.Start("c1", model.Identity{ID: "bob"})

	tr.DropUser("alice")
	assert.Equal(t, []string{"bob"}, tr.Typing("c1"))
	assert.Empty(t, tr.Typing("c2"))
	assert.Equal(t, []string{
		"start c2 alice", "start c1 alice", "start c1 bob",
		"stop c1 alice expired=false", "stop c2 alice expired=false",
	}, rec.snapshot())
}

func TestMemoryIndex(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	require.NoError(t, idx.Add(ctx, "c1", "bob"))
	require.NoError(t, idx.Add(ctx, "c1", "alice"))
	require.NoError(t, idx.Add(ctx, "c1", "alice"))

	users, err := idx.Members(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, users)

	require.NoError(t, idx.Remove(ctx, "c1", "alice"))
	require.NoError(t, idx.Remove(ctx, "c1", "bob"))
	users, err = idx.Members(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestRedisIndex(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb, err := DialRedis(ctx, addr)
	require.NoError(t, err)
	defer rdb.Close()

	channelID := fmt.Sprintf("test-%d", time.Now().UnixNano())
	idx := NewRedisIndex(rdb)
	require.NoError(t, idx.Add(ctx, channelID, "alice"))
	users, err := idx.Members(ctx, channelID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, users)
	require.NoError(t, idx.Remove(ctx, channelID, "alice"))
}
