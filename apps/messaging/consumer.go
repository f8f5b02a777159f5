package main

import (
	"context"
	"log"

	"github.com/mahaj/village-chat/pkg/events"
	"github.com/mahaj/village-chat/pkg/metrics"
)

// Auditor writes one line per chat event and counts events by type.
type Auditor struct {
	metrics *metrics.Metrics
	out     *log.Logger
}

func NewAuditor(m *metrics.Metrics, out *log.Logger) *Auditor {
	return &Auditor{metrics: m, out: out}
}

func (a *Auditor) Handle(_ context.Context, e events.Event) error {
	a.metrics.ConsumedEvents.WithLabelValues(string(e.Type)).Inc()

	switch e.Type {
	case events.MessageCreated, events.MessageDeleted:
		if e.Message == nil {
			a.out.Printf("%s channel=%s user=%s (no message body)", e.Type, e.ChannelID, e.UserID)
			return nil
		}
		a.out.Printf("%s channel=%s user=%s message=%d kind=%s at=%s",
			e.Type, e.ChannelID, e.UserID, e.Message.ID, e.Message.Kind, e.At.Format("2006-01-02T15:04:05.000000Z07:00"))
	case events.ChannelCreated:
		if e.Channel != nil {
			a.out.Printf("%s channel=%s type=%s name=%q", e.Type, e.ChannelID, e.Channel.Kind, e.Channel.Name)
			return nil
		}
		a.out.Printf("%s channel=%s", e.Type, e.ChannelID)
	default:
		a.out.Printf("%s channel=%s user=%s", e.Type, e.ChannelID, e.UserID)
	}
	return nil
}
