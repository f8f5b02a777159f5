// Package store persists channels, memberships and messages.
//
// Every operation addressed to a channel on behalf of a user checks that
// user's membership when the operation runs; nothing is cached from join time.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/mahaj/village-chat/pkg/model"
)

// DirectChannelName is the display name given to direct channels.
const DirectChannelName = "Direct Message"

// MessageStore is the append-only message log with read markers.
type MessageStore interface {
	// AppendMessage persists in if its author is a member of the channel.
	// The check and the write form one unit; non-members get
	// model.ErrForbidden and nothing is written.
	AppendMessage(ctx context.Context, in model.NewMessage) (model.Message, error)
	// History returns up to q.Limit messages ordered by (createdAt, id)
	// ascending, the latest ones before q.Before when it is set.
	History(ctx context.Context, channelID, readerID string, q HistoryQuery) ([]model.Message, error)
	// MarkRead moves the reader's marker to now. The marker never moves back.
	MarkRead(ctx context.Context, channelID, readerID string) (time.Time, error)
	UnreadCount(ctx context.Context, channelID, userID string) (int64, error)
	GetMessage(ctx context.Context, id int64) (model.Message, error)
	// DeleteMessage removes a message authored by requesterID and returns it.
	// Missing and foreign messages both report model.ErrNotFound.
	DeleteMessage(ctx context.Context, id int64, requesterID string) (model.Message, error)
}

// ChannelDirectory is the catalog of channels and their members.
type ChannelDirectory interface {
	// GetOrCreateDirect returns the single direct channel between a and b,
	// creating it when missing. Concurrent callers converge on one channel.
	GetOrCreateDirect(ctx context.Context, a, b string) (ch model.Channel, created bool, err error)
	// CreateContextBound creates a channel and its initial members in one
	// unit of work.
	CreateContextBound(ctx context.Context, in ContextChannel) (model.Channel, error)
	// JoinContext adds userID to the channel bound to contextID. Joining
	// twice is a no-op.
	JoinContext(ctx context.Context, contextID, userID string) (model.Channel, error)
	GetChannel(ctx context.Context, channelID string) (model.Channel, error)
	IsMember(ctx context.Context, channelID, userID string) (bool, error)
	MemberChannelIDs(ctx context.Context, userID string) ([]string, error)
	Members(ctx context.Context, channelID string) ([]string, error)
	// SharesChannel reports whether a and b are both members of some channel.
	SharesChannel(ctx context.Context, a, b string) (bool, error)
	ListChannels(ctx context.Context, userID string) ([]model.ChannelSummary, error)
}

// UserDirectory reads the users table, which belongs to the account service.
// PutUser exists for seeding and development tools.
type UserDirectory interface {
	LookupUser(ctx context.Context, userID string) (model.Identity, error)
	PutUser(ctx context.Context, ident model.Identity) error
}

type Store interface {
	MessageStore
	ChannelDirectory
	UserDirectory
	// Migrate creates the schema if it does not exist.
	Migrate(ctx context.Context) error
	Close() error
}

type HistoryQuery struct {
	Before time.Time
	Limit  int
}

// Clamp applies the default limit when none is given and caps it at max.
func (q HistoryQuery) Clamp(def, max int) HistoryQuery {
	if q.Limit <= 0 {
		q.Limit = def
	}
	if q.Limit > max {
		q.Limit = max
	}
	return q
}

// ContextChannel describes a channel spawned by an external action, such as
// creating a quest.
type ContextChannel struct {
	Kind      model.ChannelKind
	Name      string
	ContextID string
	Members   []string
}

func (c ContextChannel) validate() (ContextChannel, error) {
	c.Name = strings.TrimSpace(c.Name)
	if c.Kind != model.ChannelGroup && c.Kind != model.ChannelQuest {
		return c, model.Errorf(model.ErrValidation, "channel type %q cannot be created here", c.Kind)
	}
	if c.Name == "" {
		return c, model.Errorf(model.ErrValidation, "channel name is required")
	}
	if c.Kind == model.ChannelQuest && c.ContextID == "" {
		return c, model.Errorf(model.ErrValidation, "quest channels need a context id")
	}
	c.Members = dedupe(c.Members)
	if len(c.Members) == 0 {
		return c, model.Errorf(model.ErrValidation, "at least one member is required")
	}
	return c, nil
}

func validateDirectPair(a, b string) error {
	if a == "" || b == "" {
		return model.Errorf(model.ErrValidation, "target user ID is required")
	}
	if a == b {
		return model.Errorf(model.ErrValidation, "cannot create DM with yourself")
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

var (
	errNotMember       = model.Errorf(model.ErrForbidden, "Not a member of this channel")
	errChannelNotFound = model.Errorf(model.ErrNotFound, "channel not found")
	errMessageNotFound = model.Errorf(model.ErrNotFound, "Message not found or access denied")
	errUserNotFound    = model.Errorf(model.ErrNotFound, "user not found")
)

func toMicros(t time.Time) int64 {
	return t.UnixMicro()
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}
