package main

import (
	"bytes"
	"context"
	"log"
	"testing"
	"time"

	"github.com/mahaj/village-chat/pkg/events"
	"github.com/mahaj/village-chat/pkg/metrics"
	"github.com/mahaj/village-chat/pkg/model"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditorHandle(t *testing.T) {
	var buf bytes.Buffer
	m := metrics.New()
	a := NewAuditor(m, log.New(&buf, "", 0))
	ctx := context.Background()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, a.Handle(ctx, events.Event{
		Type:      events.MessageCreated,
		ChannelID: "c1",
		UserID:    "alice",
		Message:   &model.Message{ID: 42, Kind: model.KindText},
		At:        at,
	}))
	require.NoError(t, a.Handle(ctx, events.Event{
		Type:      events.ChannelCreated,
		ChannelID: "c2",
		Channel:   &model.Channel{ID: "c2", Kind: model.ChannelDirect, Name: "Direct Message"},
	}))
	require.NoError(t, a.Handle(ctx, events.Event{Type: events.ChannelRead, ChannelID: "c1", UserID: "bob"}))
	require.NoError(t, a.Handle(ctx, events.Event{Type: events.MessageCreated, ChannelID: "c1", UserID: "bob"}))

	out := buf.String()
	assert.Contains(t, out, "message.created channel=c1 user=alice message=42 kind=text at=2026-01-02T03:04:05.000000Z")
	assert.Contains(t, out, `channel.created channel=c2 type=direct name="Direct Message"`)
	assert.Contains(t, out, "channel.read channel=c1 user=bob")
	assert.Contains(t, out, "(no message body)")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConsumedEvents.WithLabelValues(string(events.MessageCreated))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConsumedEvents.WithLabelValues(string(events.ChannelRead))))
}
