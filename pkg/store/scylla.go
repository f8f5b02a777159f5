package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sort"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"github.com/mahaj/village-chat/pkg/db"
	"github.com/mahaj/village-chat/pkg/model"
	"github.com/mahaj/village-chat/pkg/snowflake"
)

// Tables are laid out per query. Times are bigint microseconds.
var scyllaSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id text PRIMARY KEY,
		username text,
		nickname text
	)`,
	`CREATE TABLE IF NOT EXISTS channels (
		id text PRIMARY KEY,
		type text,
		name text,
		quest_id text,
		created_at bigint
	)`,
	`CREATE TABLE IF NOT EXISTS channels_by_context (
		quest_id text PRIMARY KEY,
		channel_id text
	)`,
	`CREATE TABLE IF NOT EXISTS direct_pairs (
		pair_key text PRIMARY KEY,
		channel_id text,
		created_at bigint
	)`,
	`CREATE TABLE IF NOT EXISTS members_by_channel (
		channel_id text,
		user_id text,
		PRIMARY KEY (channel_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS memberships_by_user (
		user_id text,
		channel_id text,
		last_read_at bigint,
		PRIMARY KEY (user_id, channel_id)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		channel_id text,
		created_at bigint,
		id bigint,
		user_id text,
		content text,
		media_url text,
		message_type text,
		PRIMARY KEY ((channel_id), created_at, id)
	) WITH CLUSTERING ORDER BY (created_at DESC, id DESC)`,
	`CREATE TABLE IF NOT EXISTS messages_by_id (
		id bigint PRIMARY KEY,
		channel_id text,
		created_at bigint,
		user_id text
	)`,
}

// ScyllaStore keeps chat data in ScyllaDB.
//
// Scylla has no multi-partition transactions. Direct pairs and context
// channels are claimed with a lightweight transaction before any channel or
// membership row is written, so a losing writer leaves nothing behind. A
// direct pair claim whose channel rows are missing is completed by the next
// caller that finds it, since both members follow from the pair key. Appends
// check membership and then write; the gap between the two only matters
// if memberships could be revoked, which they cannot.
type ScyllaStore struct {
	db  *db.Session
	seq *snowflake.Sequencer
}

var _ Store = (*ScyllaStore)(nil)

func NewScyllaStore(session *db.Session, seq *snowflake.Sequencer) *ScyllaStore {
	return &ScyllaStore{db: session, seq: seq}
}

func (s *ScyllaStore) Migrate(ctx context.Context) error {
	for _, stmt := range scyllaSchema {
		if err := s.db.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("scylla: migrate: %w", err)
		}
	}
	return nil
}

func (s *ScyllaStore) Close() error {
	s.db.Close()
	return nil
}

func (s *ScyllaStore) AppendMessage(ctx context.Context, in model.NewMessage) (model.Message, error) {
	in, err := in.Normalize(0)
	if err != nil {
		return model.Message{}, err
	}
	if err := s.requireMember(ctx, in.ChannelID, in.AuthorID); err != nil {
		return model.Message{}, err
	}

	id, at := s.seq.Next()
	us := toMicros(at)
	b := s.db.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	b.Query(`INSERT INTO messages (channel_id, created_at, id, user_id, content, media_url, message_type) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		in.ChannelID, us, id, in.AuthorID, model.OptionalString(in.Content), model.OptionalString(in.MediaRef), string(in.Kind))
	b.Query(`INSERT INTO messages_by_id (id, channel_id, created_at, user_id) VALUES (?, ?, ?, ?)`,
		id, in.ChannelID, us, in.AuthorID)
	if err := s.db.ExecuteBatch(b); err != nil {
		return model.Message{}, fmt.Errorf("scylla: append message: %w", err)
	}

	return model.Message{
		ID:        id,
		ChannelID: in.ChannelID,
		AuthorID:  in.AuthorID,
		Content:   model.OptionalString(in.Content),
		MediaRef:  model.OptionalString(in.MediaRef),
		Kind:      in.Kind,
		CreatedAt: at,
	}, nil
}

func (s *ScyllaStore) History(ctx context.Context, channelID, readerID string, q HistoryQuery) ([]model.Message, error) {
	if err := s.requireMember(ctx, channelID, readerID); err != nil {
		return nil, err
	}

	var iter *gocql.Iter
	if q.Before.IsZero() {
		iter = s.db.Query(`SELECT channel_id, created_at, id, user_id, content, media_url, message_type FROM messages WHERE channel_id = ? LIMIT ?`,
			channelID, q.Limit).WithContext(ctx).Iter()
	} else {
		iter = s.db.Query(`SELECT channel_id, created_at, id, user_id, content, media_url, message_type FROM messages WHERE channel_id = ? AND created_at < ? LIMIT ?`,
			channelID, toMicros(q.Before), q.Limit).WithContext(ctx).Iter()
	}

	messages := []model.Message{}
	for {
		msg, ok := scanScyllaMessage(iter)
		if !ok {
			break
		}
		messages = append(messages, msg)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("scylla: history: %w", err)
	}

	slices.Reverse(messages)
	if err := s.attachAuthors(ctx, messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *ScyllaStore) attachAuthors(ctx context.Context, messages []model.Message) error {
	seen := make(map[string]model.Identity)
	for i := range messages {
		uid := messages[i].AuthorID
		ident, ok := seen[uid]
		if !ok {
			var err error
			ident, err = s.LookupUser(ctx, uid)
			if err != nil && !errors.Is(err, model.ErrNotFound) {
				return err
			}
			seen[uid] = ident
		}
		messages[i].Username = ident.Username
		messages[i].Nickname = ident.Nickname
	}
	return nil
}

// MarkRead writes the marker with its own value as the write timestamp, so a
// slower writer carrying an older mark can never win.
func (s *ScyllaStore) MarkRead(ctx context.Context, channelID, readerID string) (time.Time, error) {
	if err := s.requireMember(ctx, channelID, readerID); err != nil {
		return time.Time{}, err
	}

	mark := s.seq.Now()
	us := toMicros(mark)
	err := s.db.Query(`UPDATE memberships_by_user USING TIMESTAMP ? SET last_read_at = ? WHERE user_id = ? AND channel_id = ?`,
		us, us, readerID, channelID).WithContext(ctx).Exec()
	if err != nil {
		return time.Time{}, fmt.Errorf("scylla: mark read: %w", err)
	}
	return mark, nil
}

func (s *ScyllaStore) lastRead(ctx context.Context, channelID, userID string) (int64, error) {
	var lastRead *int64
	err := s.db.Query(`SELECT last_read_at FROM memberships_by_user WHERE user_id = ? AND channel_id = ?`,
		userID, channelID).WithContext(ctx).Scan(&lastRead)
	if errors.Is(err, gocql.ErrNotFound) {
		return 0, errNotMember
	}
	if err != nil {
		return 0, fmt.Errorf("scylla: membership: %w", err)
	}
	if lastRead == nil {
		return 0, nil
	}
	return *lastRead, nil
}

func (s *ScyllaStore) UnreadCount(ctx context.Context, channelID, userID string) (int64, error) {
	lastRead, err := s.lastRead(ctx, channelID, userID)
	if err != nil {
		return 0, err
	}
	return s.countAfter(ctx, channelID, lastRead)
}

func (s *ScyllaStore) countAfter(ctx context.Context, channelID string, us int64) (int64, error) {
	var count int64
	err := s.db.Query(`SELECT COUNT(*) FROM messages WHERE channel_id = ? AND created_at > ?`,
		channelID, us).WithContext(ctx).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("scylla: unread count: %w", err)
	}
	return count, nil
}

func (s *ScyllaStore) GetMessage(ctx context.Context, id int64) (model.Message, error) {
	var (
		channelID string
		createdAt int64
	)
	err := s.db.Query(`SELECT channel_id, created_at FROM messages_by_id WHERE id = ?`, id).
		WithContext(ctx).Scan(&channelID, &createdAt)
	if errors.Is(err, gocql.ErrNotFound) {
		return model.Message{}, errMessageNotFound
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("scylla: get message: %w", err)
	}

	iter := s.db.Query(`SELECT channel_id, created_at, id, user_id, content, media_url, message_type FROM messages WHERE channel_id = ? AND created_at = ? AND id = ?`,
		channelID, createdAt, id).WithContext(ctx).Iter()
	msg, ok := scanScyllaMessage(iter)
	if err := iter.Close(); err != nil {
		return model.Message{}, fmt.Errorf("scylla: get message: %w", err)
	}
	if !ok {
		return model.Message{}, errMessageNotFound
	}

	msgs := []model.Message{msg}
	if err := s.attachAuthors(ctx, msgs); err != nil {
		return model.Message{}, err
	}
	return msgs[0], nil
}

func (s *ScyllaStore) DeleteMessage(ctx context.Context, id int64, requesterID string) (model.Message, error) {
	msg, err := s.GetMessage(ctx, id)
	if err != nil {
		return model.Message{}, err
	}
	if msg.AuthorID != requesterID {
		return model.Message{}, errMessageNotFound
	}

	b := s.db.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	b.Query(`DELETE FROM messages WHERE channel_id = ? AND created_at = ? AND id = ?`, msg.ChannelID, toMicros(msg.CreatedAt), id)
	b.Query(`DELETE FROM messages_by_id WHERE id = ?`, id)
	if err := s.db.ExecuteBatch(b); err != nil {
		return model.Message{}, fmt.Errorf("scylla: delete message: %w", err)
	}
	return msg, nil
}

func (s *ScyllaStore) GetOrCreateDirect(ctx context.Context, a, b string) (model.Channel, bool, error) {
	if err := validateDirectPair(a, b); err != nil {
		return model.Channel{}, false, err
	}
	key := model.PairKey(a, b)

	var existing string
	var createdUS int64
	err := s.db.Query(`SELECT channel_id, created_at FROM direct_pairs WHERE pair_key = ?`, key).
		WithContext(ctx).Scan(&existing, &createdUS)
	switch {
	case err == nil:
		ch, err := s.completeDirect(ctx, existing, createdUS, a, b)
		return ch, false, err
	case !errors.Is(err, gocql.ErrNotFound):
		return model.Channel{}, false, fmt.Errorf("scylla: lookup direct pair: %w", err)
	}

	ch := model.Channel{
		ID:        uuid.NewString(),
		Kind:      model.ChannelDirect,
		Name:      DirectChannelName,
		CreatedAt: s.seq.Now(),
	}
	prev := make(map[string]interface{})
	applied, err := s.db.Query(`INSERT INTO direct_pairs (pair_key, channel_id, created_at) VALUES (?, ?, ?) IF NOT EXISTS`,
		key, ch.ID, toMicros(ch.CreatedAt)).WithContext(ctx).MapScanCAS(prev)
	if err != nil {
		return model.Channel{}, false, fmt.Errorf("scylla: claim direct pair: %w", err)
	}
	if !applied {
		winner, _ := prev["channel_id"].(string)
		winnerUS, _ := prev["created_at"].(int64)
		ch, err := s.completeDirect(ctx, winner, winnerUS, a, b)
		return ch, false, err
	}

	if err := s.writeChannel(ctx, ch, []string{a, b}); err != nil {
		return model.Channel{}, false, err
	}
	return ch, true, nil
}

// completeDirect returns the claimed direct channel, writing its rows when
// the claimant has not written them yet. The rows are fully determined by
// the claim, so concurrent completions write the same values.
func (s *ScyllaStore) completeDirect(ctx context.Context, channelID string, createdUS int64, a, b string) (model.Channel, error) {
	ch, err := s.GetChannel(ctx, channelID)
	if !errors.Is(err, model.ErrNotFound) {
		return ch, err
	}

	ch = model.Channel{
		ID:        channelID,
		Kind:      model.ChannelDirect,
		Name:      DirectChannelName,
		CreatedAt: fromMicros(createdUS),
	}
	if err := s.writeChannel(ctx, ch, []string{a, b}); err != nil {
		return model.Channel{}, err
	}
	return ch, nil
}

func (s *ScyllaStore) CreateContextBound(ctx context.Context, in ContextChannel) (model.Channel, error) {
	in, err := in.validate()
	if err != nil {
		return model.Channel{}, err
	}

	ch := model.Channel{
		ID:        uuid.NewString(),
		Kind:      in.Kind,
		Name:      in.Name,
		ContextID: in.ContextID,
		CreatedAt: s.seq.Now(),
	}
	if ch.ContextID == "" {
		return ch, s.writeChannel(ctx, ch, in.Members)
	}

	prev := make(map[string]interface{})
	applied, err := s.db.Query(`INSERT INTO channels_by_context (quest_id, channel_id) VALUES (?, ?) IF NOT EXISTS`,
		ch.ContextID, ch.ID).WithContext(ctx).MapScanCAS(prev)
	if err != nil {
		return model.Channel{}, fmt.Errorf("scylla: claim context: %w", err)
	}
	if !applied {
		return model.Channel{}, model.Errorf(model.ErrConflict, "a channel already exists for context %s", in.ContextID)
	}

	if err := s.writeChannel(ctx, ch, in.Members); err != nil {
		s.releaseContext(ch.ContextID, ch.ID)
		return model.Channel{}, err
	}
	return ch, nil
}

// releaseContext gives up a context claim whose channel could not be written.
func (s *ScyllaStore) releaseContext(contextID, channelID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	prev := make(map[string]interface{})
	if _, err := s.db.Query(`DELETE FROM channels_by_context WHERE quest_id = ? IF channel_id = ?`, contextID, channelID).
		WithContext(ctx).MapScanCAS(prev); err != nil {
		log.Printf("Failed to release context %s claimed by channel %s: %v", contextID, channelID, err)
	}
}

func (s *ScyllaStore) writeChannel(ctx context.Context, ch model.Channel, members []string) error {
	b := s.db.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	b.Query(`INSERT INTO channels (id, type, name, quest_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		ch.ID, string(ch.Kind), ch.Name, model.OptionalString(ch.ContextID), toMicros(ch.CreatedAt))
	for _, uid := range members {
		b.Query(`INSERT INTO members_by_channel (channel_id, user_id) VALUES (?, ?)`, ch.ID, uid)
		b.Query(`INSERT INTO memberships_by_user (user_id, channel_id) VALUES (?, ?)`, uid, ch.ID)
	}
	if err := s.db.ExecuteBatch(b); err != nil {
		return fmt.Errorf("scylla: create channel: %w", err)
	}
	return nil
}

func (s *ScyllaStore) JoinContext(ctx context.Context, contextID, userID string) (model.Channel, error) {
	var channelID string
	err := s.db.Query(`SELECT channel_id FROM channels_by_context WHERE quest_id = ?`, contextID).
		WithContext(ctx).Scan(&channelID)
	if errors.Is(err, gocql.ErrNotFound) {
		return model.Channel{}, errChannelNotFound
	}
	if err != nil {
		return model.Channel{}, fmt.Errorf("scylla: join context: %w", err)
	}

	ch, err := s.GetChannel(ctx, channelID)
	if err != nil {
		return model.Channel{}, err
	}

	b := s.db.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	b.Query(`INSERT INTO members_by_channel (channel_id, user_id) VALUES (?, ?)`, ch.ID, userID)
	b.Query(`INSERT INTO memberships_by_user (user_id, channel_id) VALUES (?, ?)`, userID, ch.ID)
	if err := s.db.ExecuteBatch(b); err != nil {
		return model.Channel{}, fmt.Errorf("scylla: join context: %w", err)
	}
	return ch, nil
}

func (s *ScyllaStore) GetChannel(ctx context.Context, channelID string) (model.Channel, error) {
	var (
		ch        model.Channel
		kind      string
		contextID *string
		createdAt int64
	)
	err := s.db.Query(`SELECT id, type, name, quest_id, created_at FROM channels WHERE id = ?`, channelID).
		WithContext(ctx).Scan(&ch.ID, &kind, &ch.Name, &contextID, &createdAt)
	if errors.Is(err, gocql.ErrNotFound) {
		return model.Channel{}, errChannelNotFound
	}
	if err != nil {
		return model.Channel{}, fmt.Errorf("scylla: get channel: %w", err)
	}
	ch.Kind = model.ChannelKind(kind)
	if contextID != nil {
		ch.ContextID = *contextID
	}
	ch.CreatedAt = fromMicros(createdAt)
	return ch, nil
}

func (s *ScyllaStore) IsMember(ctx context.Context, channelID, userID string) (bool, error) {
	_, err := s.lastRead(ctx, channelID, userID)
	if errors.Is(err, model.ErrForbidden) {
		return false, nil
	}
	return err == nil, err
}

func (s *ScyllaStore) requireMember(ctx context.Context, channelID, userID string) error {
	_, err := s.lastRead(ctx, channelID, userID)
	return err
}

func (s *ScyllaStore) MemberChannelIDs(ctx context.Context, userID string) ([]string, error) {
	return s.queryStrings(ctx, `SELECT channel_id FROM memberships_by_user WHERE user_id = ?`, userID)
}

func (s *ScyllaStore) Members(ctx context.Context, channelID string) ([]string, error) {
	return s.queryStrings(ctx, `SELECT user_id FROM members_by_channel WHERE channel_id = ?`, channelID)
}

func (s *ScyllaStore) SharesChannel(ctx context.Context, a, b string) (bool, error) {
	channels, err := s.MemberChannelIDs(ctx, a)
	if err != nil {
		return false, err
	}
	for _, channelID := range channels {
		ok, err := s.IsMember(ctx, channelID, b)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (s *ScyllaStore) ListChannels(ctx context.Context, userID string) ([]model.ChannelSummary, error) {
	type membership struct {
		channelID string
		lastRead  int64
	}
	var memberships []membership

	iter := s.db.Query(`SELECT channel_id, last_read_at FROM memberships_by_user WHERE user_id = ?`, userID).
		WithContext(ctx).Iter()
	var (
		channelID string
		lastRead  *int64
	)
	for iter.Scan(&channelID, &lastRead) {
		m := membership{channelID: channelID}
		if lastRead != nil {
			m.lastRead = *lastRead
		}
		memberships = append(memberships, m)
		lastRead = nil
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("scylla: list channels: %w", err)
	}

	out := make([]model.ChannelSummary, 0, len(memberships))
	for _, m := range memberships {
		ch, err := s.GetChannel(ctx, m.channelID)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sum := model.ChannelSummary{Channel: ch}

		if sum.UnreadCount, err = s.countAfter(ctx, ch.ID, m.lastRead); err != nil {
			return nil, err
		}

		latest := s.db.Query(`SELECT channel_id, created_at, id, user_id, content, media_url, message_type FROM messages WHERE channel_id = ? LIMIT 1`,
			ch.ID).WithContext(ctx).Iter()
		msg, ok := scanScyllaMessage(latest)
		if err := latest.Close(); err != nil {
			return nil, fmt.Errorf("scylla: last message: %w", err)
		}
		if ok {
			msgs := []model.Message{msg}
			if err := s.attachAuthors(ctx, msgs); err != nil {
				return nil, err
			}
			sum.LastMessage = &msgs[0]
		}
		out = append(out, sum)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *ScyllaStore) LookupUser(ctx context.Context, userID string) (model.Identity, error) {
	var (
		ident              model.Identity
		username, nickname *string
	)
	err := s.db.Query(`SELECT id, username, nickname FROM users WHERE id = ?`, userID).
		WithContext(ctx).Scan(&ident.ID, &username, &nickname)
	if errors.Is(err, gocql.ErrNotFound) {
		return model.Identity{}, errUserNotFound
	}
	if err != nil {
		return model.Identity{}, fmt.Errorf("scylla: lookup user: %w", err)
	}
	ident.Username = deref(username)
	ident.Nickname = deref(nickname)
	return ident, nil
}

func (s *ScyllaStore) PutUser(ctx context.Context, ident model.Identity) error {
	err := s.db.Query(`INSERT INTO users (id, username, nickname) VALUES (?, ?, ?)`,
		ident.ID, ident.Username, ident.Nickname).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("scylla: put user: %w", err)
	}
	return nil
}

func (s *ScyllaStore) queryStrings(ctx context.Context, stmt string, args ...interface{}) ([]string, error) {
	iter := s.db.Query(stmt, args...).WithContext(ctx).Iter()
	var (
		out []string
		v   string
	)
	for iter.Scan(&v) {
		out = append(out, v)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("scylla: query: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

func scanScyllaMessage(iter *gocql.Iter) (model.Message, bool) {
	var (
		msg       model.Message
		createdAt int64
		kind      string
	)
	if !iter.Scan(&msg.ChannelID, &createdAt, &msg.ID, &msg.AuthorID, &msg.Content, &msg.MediaRef, &kind) {
		return model.Message{}, false
	}
	msg.CreatedAt = fromMicros(createdAt)
	msg.Kind = model.MessageKind(kind)
	return msg, true
}
