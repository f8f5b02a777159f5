package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mahaj/village-chat/pkg/db"
	"github.com/mahaj/village-chat/pkg/model"
	"github.com/mahaj/village-chat/pkg/snowflake"
)

// Times are stored as integer microseconds so that ordering and the unread
// comparison are exact.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id       TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		nickname TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS chat_channels (
		id         TEXT PRIMARY KEY,
		kind       TEXT NOT NULL,
		name       TEXT NOT NULL,
		context_id TEXT,
		pair_key   TEXT UNIQUE,
		created_us INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS chat_channels_context ON chat_channels (context_id) WHERE context_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS channel_members (
		channel_id   TEXT NOT NULL REFERENCES chat_channels (id) ON DELETE CASCADE,
		user_id      TEXT NOT NULL REFERENCES users (id),
		last_read_us INTEGER,
		PRIMARY KEY (channel_id, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS channel_members_user ON channel_members (user_id)`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
		id         INTEGER PRIMARY KEY,
		channel_id TEXT NOT NULL REFERENCES chat_channels (id) ON DELETE CASCADE,
		user_id    TEXT NOT NULL REFERENCES users (id),
		content    TEXT,
		media_ref  TEXT,
		kind       TEXT NOT NULL,
		created_us INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS chat_messages_channel ON chat_messages (channel_id, created_us, id)`,
}

// SQLiteStore keeps everything in one SQLite file. Writes go through the
// single write connection, so transactions on it never interleave.
type SQLiteStore struct {
	db  *db.SQLite
	seq *snowflake.Sequencer
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(conn *db.SQLite, seq *snowflake.Sequencer) *SQLiteStore {
	return &SQLiteStore{db: conn, seq: seq}
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.Write.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, in model.NewMessage) (model.Message, error) {
	in, err := in.Normalize(0)
	if err != nil {
		return model.Message{}, err
	}

	id, at := s.seq.Next()
	res, err := s.db.Write.ExecContext(ctx, `
		INSERT INTO chat_messages (id, channel_id, user_id, content, media_ref, kind, created_us)
		SELECT ?, ?, ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM channel_members WHERE channel_id = ? AND user_id = ?)`,
		id, in.ChannelID, in.AuthorID, nullString(in.Content), nullString(in.MediaRef), string(in.Kind), toMicros(at),
		in.ChannelID, in.AuthorID,
	)
	if err != nil {
		return model.Message{}, fmt.Errorf("sqlite: append message: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return model.Message{}, fmt.Errorf("sqlite: append message: %w", err)
	} else if n == 0 {
		return model.Message{}, errNotMember
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

func (s *SQLiteStore) History(ctx context.Context, channelID, readerID string, q HistoryQuery) ([]model.Message, error) {
	if err := s.requireMember(ctx, channelID, readerID); err != nil {
		return nil, err
	}

	before := int64(1<<63 - 1)
	if !q.Before.IsZero() {
		before = toMicros(q.Before)
	}

	rows, err := s.db.Read.QueryContext(ctx, `
		SELECT id, channel_id, user_id, content, media_ref, kind, created_us, username, nickname FROM (
			SELECT m.id, m.channel_id, m.user_id, m.content, m.media_ref, m.kind, m.created_us,
			       COALESCE(u.username, '') AS username, COALESCE(u.nickname, '') AS nickname
			FROM chat_messages m
			LEFT JOIN users u ON u.id = m.user_id
			WHERE m.channel_id = ? AND m.created_us < ?
			ORDER BY m.created_us DESC, m.id DESC
			LIMIT ?
		) ORDER BY created_us ASC, id ASC`,
		channelID, before, q.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: history: %w", err)
	}
	defer rows.Close()

	messages := []model.Message{}
	for rows.Next() {
		msg, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: history: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: history: %w", err)
	}
	return messages, nil
}

func (s *SQLiteStore) MarkRead(ctx context.Context, channelID, readerID string) (time.Time, error) {
	mark := s.seq.Now()
	res, err := s.db.Write.ExecContext(ctx, `
		UPDATE channel_members
		SET last_read_us = MAX(COALESCE(last_read_us, 0), ?)
		WHERE channel_id = ? AND user_id = ?`,
		toMicros(mark), channelID, readerID,
	)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: mark read: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return time.Time{}, fmt.Errorf("sqlite: mark read: %w", err)
	} else if n == 0 {
		return time.Time{}, errNotMember
	}
	return mark, nil
}

func (s *SQLiteStore) UnreadCount(ctx context.Context, channelID, userID string) (int64, error) {
	var lastRead sql.NullInt64
	err := s.db.Read.QueryRowContext(ctx,
		`SELECT last_read_us FROM channel_members WHERE channel_id = ? AND user_id = ?`,
		channelID, userID,
	).Scan(&lastRead)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errNotMember
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite: unread count: %w", err)
	}

	var count int64
	err = s.db.Read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_messages WHERE channel_id = ? AND created_us > ?`,
		channelID, lastRead.Int64,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("sqlite: unread count: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id int64) (model.Message, error) {
	row := s.db.Read.QueryRowContext(ctx, `
		SELECT m.id, m.channel_id, m.user_id, m.content, m.media_ref, m.kind, m.created_us,
		       COALESCE(u.username, ''), COALESCE(u.nickname, '')
		FROM chat_messages m
		LEFT JOIN users u ON u.id = m.user_id
		WHERE m.id = ?`, id)
	msg, err := scanSQLiteMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, errMessageNotFound
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("sqlite: get message: %w", err)
	}
	return msg, nil
}

func (s *SQLiteStore) DeleteMessage(ctx context.Context, id int64, requesterID string) (model.Message, error) {
	row := s.db.Write.QueryRowContext(ctx, `
		DELETE FROM chat_messages WHERE id = ? AND user_id = ?
		RETURNING id, channel_id, user_id, content, media_ref, kind, created_us, '', ''`,
		id, requesterID,
	)
	msg, err := scanSQLiteMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, errMessageNotFound
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("sqlite: delete message: %w", err)
	}
	return msg, nil
}

func (s *SQLiteStore) GetOrCreateDirect(ctx context.Context, a, b string) (model.Channel, bool, error) {
	if err := validateDirectPair(a, b); err != nil {
		return model.Channel{}, false, err
	}
	key := model.PairKey(a, b)

	tx, err := s.db.Write.BeginTx(ctx, nil)
	if err != nil {
		return model.Channel{}, false, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	ch := model.Channel{
		ID:        uuid.NewString(),
		Kind:      model.ChannelDirect,
		Name:      DirectChannelName,
		CreatedAt: s.seq.Now(),
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO chat_channels (id, kind, name, pair_key, created_us)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		ch.ID, string(ch.Kind), ch.Name, key, toMicros(ch.CreatedAt),
	)
	if err != nil {
		return model.Channel{}, false, fmt.Errorf("sqlite: create direct channel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Channel{}, false, fmt.Errorf("sqlite: create direct channel: %w", err)
	}

	if n == 0 {
		existing, err := scanSQLiteChannel(tx.QueryRowContext(ctx,
			`SELECT id, kind, name, context_id, created_us FROM chat_channels WHERE pair_key = ?`, key))
		if err != nil {
			return model.Channel{}, false, fmt.Errorf("sqlite: load direct channel: %w", err)
		}
		return existing, false, tx.Commit()
	}

	for _, uid := range []string{a, b} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO channel_members (channel_id, user_id) VALUES (?, ?)`, ch.ID, uid); err != nil {
			return model.Channel{}, false, fmt.Errorf("sqlite: add direct member: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return model.Channel{}, false, fmt.Errorf("sqlite: commit: %w", err)
	}
	return ch, true, nil
}

func (s *SQLiteStore) CreateContextBound(ctx context.Context, in ContextChannel) (model.Channel, error) {
	in, err := in.validate()
	if err != nil {
		return model.Channel{}, err
	}

	tx, err := s.db.Write.BeginTx(ctx, nil)
	if err != nil {
		return model.Channel{}, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	ch := model.Channel{
		ID:        uuid.NewString(),
		Kind:      in.Kind,
		Name:      in.Name,
		ContextID: in.ContextID,
		CreatedAt: s.seq.Now(),
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO chat_channels (id, kind, name, context_id, created_us)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		ch.ID, string(ch.Kind), ch.Name, nullString(ch.ContextID), toMicros(ch.CreatedAt),
	)
	if err != nil {
		return model.Channel{}, fmt.Errorf("sqlite: create channel: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return model.Channel{}, fmt.Errorf("sqlite: create channel: %w", err)
	} else if n == 0 {
		return model.Channel{}, model.Errorf(model.ErrConflict, "a channel already exists for context %s", in.ContextID)
	}

	for _, uid := range in.Members {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO channel_members (channel_id, user_id) VALUES (?, ?) ON CONFLICT DO NOTHING`, ch.ID, uid); err != nil {
			return model.Channel{}, fmt.Errorf("sqlite: add member %s: %w", uid, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return model.Channel{}, fmt.Errorf("sqlite: commit: %w", err)
	}
	return ch, nil
}

func (s *SQLiteStore) JoinContext(ctx context.Context, contextID, userID string) (model.Channel, error) {
	ch, err := scanSQLiteChannel(s.db.Read.QueryRowContext(ctx,
		`SELECT id, kind, name, context_id, created_us FROM chat_channels WHERE context_id = ?`, contextID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Channel{}, errChannelNotFound
	}
	if err != nil {
		return model.Channel{}, fmt.Errorf("sqlite: join context: %w", err)
	}

	if _, err := s.db.Write.ExecContext(ctx,
		`INSERT INTO channel_members (channel_id, user_id) VALUES (?, ?) ON CONFLICT DO NOTHING`, ch.ID, userID); err != nil {
		return model.Channel{}, fmt.Errorf("sqlite: join context: %w", err)
	}
	return ch, nil
}

func (s *SQLiteStore) GetChannel(ctx context.Context, channelID string) (model.Channel, error) {
	ch, err := scanSQLiteChannel(s.db.Read.QueryRowContext(ctx,
		`SELECT id, kind, name, context_id, created_us FROM chat_channels WHERE id = ?`, channelID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Channel{}, errChannelNotFound
	}
	if err != nil {
		return model.Channel{}, fmt.Errorf("sqlite: get channel: %w", err)
	}
	return ch, nil
}

func (s *SQLiteStore) IsMember(ctx context.Context, channelID, userID string) (bool, error) {
	var one int
	err := s.db.Read.QueryRowContext(ctx,
		`SELECT 1 FROM channel_members WHERE channel_id = ? AND user_id = ?`, channelID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlite: membership: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) requireMember(ctx context.Context, channelID, userID string) error {
	ok, err := s.IsMember(ctx, channelID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return errNotMember
	}
	return nil
}

func (s *SQLiteStore) MemberChannelIDs(ctx context.Context, userID string) ([]string, error) {
	return s.queryStrings(ctx, `SELECT channel_id FROM channel_members WHERE user_id = ? ORDER BY channel_id`, userID)
}

func (s *SQLiteStore) Members(ctx context.Context, channelID string) ([]string, error) {
	return s.queryStrings(ctx, `SELECT user_id FROM channel_members WHERE channel_id = ? ORDER BY user_id`, channelID)
}

func (s *SQLiteStore) SharesChannel(ctx context.Context, a, b string) (bool, error) {
	var one int
	err := s.db.Read.QueryRowContext(ctx, `
		SELECT 1 FROM channel_members x
		JOIN channel_members y ON y.channel_id = x.channel_id
		WHERE x.user_id = ? AND y.user_id = ?
		LIMIT 1`, a, b).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlite: shares channel: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) ListChannels(ctx context.Context, userID string) ([]model.ChannelSummary, error) {
	rows, err := s.db.Read.QueryContext(ctx, `
		SELECT c.id, c.kind, c.name, c.context_id, c.created_us,
		       (SELECT COUNT(*) FROM chat_messages m
		        WHERE m.channel_id = c.id AND m.created_us > COALESCE(cm.last_read_us, 0)) AS unread,
		       lm.id, lm.user_id, lm.content, lm.media_ref, lm.kind, lm.created_us,
		       COALESCE(u.username, ''), COALESCE(u.nickname, '')
		FROM channel_members cm
		JOIN chat_channels c ON c.id = cm.channel_id
		LEFT JOIN chat_messages lm ON lm.id = (
			SELECT id FROM chat_messages WHERE channel_id = c.id ORDER BY created_us DESC, id DESC LIMIT 1)
		LEFT JOIN users u ON u.id = lm.user_id
		WHERE cm.user_id = ?
		ORDER BY c.created_us DESC, c.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list channels: %w", err)
	}
	defer rows.Close()

	out := []model.ChannelSummary{}
	for rows.Next() {
		var (
			sum                    model.ChannelSummary
			contextID              sql.NullString
			createdUs              int64
			lastID, lastCreatedUs  sql.NullInt64
			lastAuthor, lastKind   sql.NullString
			lastContent, lastMedia sql.NullString
			username, nickname     string
		)
		if err := rows.Scan(&sum.ID, &sum.Kind, &sum.Name, &contextID, &createdUs, &sum.UnreadCount,
			&lastID, &lastAuthor, &lastContent, &lastMedia, &lastKind, &lastCreatedUs,
			&username, &nickname); err != nil {
			return nil, fmt.Errorf("sqlite: list channels: %w", err)
		}
		sum.ContextID = contextID.String
		sum.CreatedAt = fromMicros(createdUs)
		if lastID.Valid {
			sum.LastMessage = &model.Message{
				ID:        lastID.Int64,
				ChannelID: sum.ID,
				AuthorID:  lastAuthor.String,
				Username:  username,
				Nickname:  nickname,
				Content:   optionalNull(lastContent),
				MediaRef:  optionalNull(lastMedia),
				Kind:      model.MessageKind(lastKind.String),
				CreatedAt: fromMicros(lastCreatedUs.Int64),
			}
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list channels: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) LookupUser(ctx context.Context, userID string) (model.Identity, error) {
	var ident model.Identity
	err := s.db.Read.QueryRowContext(ctx,
		`SELECT id, username, nickname FROM users WHERE id = ?`, userID,
	).Scan(&ident.ID, &ident.Username, &ident.Nickname)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Identity{}, errUserNotFound
	}
	if err != nil {
		return model.Identity{}, fmt.Errorf("sqlite: lookup user: %w", err)
	}
	return ident, nil
}

func (s *SQLiteStore) PutUser(ctx context.Context, ident model.Identity) error {
	_, err := s.db.Write.ExecContext(ctx, `
		INSERT INTO users (id, username, nickname) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET username = excluded.username, nickname = excluded.nickname`,
		ident.ID, ident.Username, ident.Nickname,
	)
	if err != nil {
		return fmt.Errorf("sqlite: put user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.Read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("sqlite: scan: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteMessage(row rowScanner) (model.Message, error) {
	var (
		msg            model.Message
		content, media sql.NullString
		kind           string
		createdUs      int64
	)
	if err := row.Scan(&msg.ID, &msg.ChannelID, &msg.AuthorID, &content, &media, &kind, &createdUs,
		&msg.Username, &msg.Nickname); err != nil {
		return model.Message{}, err
	}
	msg.Content = optionalNull(content)
	msg.MediaRef = optionalNull(media)
	msg.Kind = model.MessageKind(kind)
	msg.CreatedAt = fromMicros(createdUs)
	return msg, nil
}

func scanSQLiteChannel(row rowScanner) (model.Channel, error) {
	var (
		ch        model.Channel
		kind      string
		contextID sql.NullString
		createdUs int64
	)
	if err := row.Scan(&ch.ID, &kind, &ch.Name, &contextID, &createdUs); err != nil {
		return model.Channel{}, err
	}
	ch.Kind = model.ChannelKind(kind)
	ch.ContextID = contextID.String
	ch.CreatedAt = fromMicros(createdUs)
	return ch, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func optionalNull(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
