package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mahaj/village-chat/pkg/model"
	"github.com/mahaj/village-chat/pkg/snowflake"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id       TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		nickname TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS chat_channels (
		id         UUID PRIMARY KEY,
		type       TEXT NOT NULL,
		name       TEXT NOT NULL,
		quest_id   TEXT,
		pair_key   TEXT UNIQUE,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS chat_channels_quest ON chat_channels (quest_id) WHERE quest_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS channel_members (
		channel_id   UUID NOT NULL REFERENCES chat_channels (id) ON DELETE CASCADE,
		user_id      TEXT NOT NULL REFERENCES users (id),
		last_read_at TIMESTAMPTZ,
		PRIMARY KEY (channel_id, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS channel_members_user ON channel_members (user_id)`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
		id           BIGINT PRIMARY KEY,
		channel_id   UUID NOT NULL REFERENCES chat_channels (id) ON DELETE CASCADE,
		user_id      TEXT NOT NULL REFERENCES users (id),
		content      TEXT,
		media_url    TEXT,
		message_type TEXT NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS chat_messages_channel ON chat_messages (channel_id, created_at DESC, id DESC)`,
}

// PostgresStore is the production relational backend.
type PostgresStore struct {
	pool *pgxpool.Pool
	seq  *snowflake.Sequencer
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(pool *pgxpool.Pool, seq *snowflake.Sequencer) *PostgresStore {
	return &PostgresStore{pool: pool, seq: seq}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migrate: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, in model.NewMessage) (model.Message, error) {
	in, err := in.Normalize(0)
	if err != nil {
		return model.Message{}, err
	}

	if uuid.Validate(in.ChannelID) != nil {
		return model.Message{}, errNotMember
	}

	id, at := s.seq.Next()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO chat_messages (id, channel_id, user_id, content, media_url, message_type, created_at)
		SELECT $1::bigint, $2::uuid, $3::text, $4::text, $5::text, $6::text, $7::timestamptz
		WHERE EXISTS (SELECT 1 FROM channel_members WHERE channel_id = $2 AND user_id = $3)`,
		id, in.ChannelID, in.AuthorID, model.OptionalString(in.Content), model.OptionalString(in.MediaRef), string(in.Kind), at,
	)
	if err != nil {
		return model.Message{}, fmt.Errorf("postgres: append message: %w", err)
	}
	if tag.RowsAffected() == 0 {
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

func (s *PostgresStore) History(ctx context.Context, channelID, readerID string, q HistoryQuery) ([]model.Message, error) {
	if err := s.requireMember(ctx, channelID, readerID); err != nil {
		return nil, err
	}

	var before *time.Time
	if !q.Before.IsZero() {
		before = &q.Before
	}

	rows, err := s.pool.Query(ctx, `
		SELECT * FROM (
			SELECT m.id, m.channel_id::text, m.user_id, m.content, m.media_url, m.message_type, m.created_at,
			       COALESCE(u.username, ''), COALESCE(u.nickname, '')
			FROM chat_messages m
			LEFT JOIN users u ON u.id = m.user_id
			WHERE m.channel_id = $1 AND ($2::timestamptz IS NULL OR m.created_at < $2)
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT $3
		) page ORDER BY created_at ASC, id ASC`,
		channelID, before, q.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: history: %w", err)
	}
	messages, err := pgx.CollectRows(rows, scanPostgresMessage)
	if err != nil {
		return nil, fmt.Errorf("postgres: history: %w", err)
	}
	if messages == nil {
		messages = []model.Message{}
	}
	return messages, nil
}

func (s *PostgresStore) MarkRead(ctx context.Context, channelID, readerID string) (time.Time, error) {
	if uuid.Validate(channelID) != nil {
		return time.Time{}, errNotMember
	}
	mark := s.seq.Now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE channel_members
		SET last_read_at = GREATEST(COALESCE(last_read_at, '-infinity'::timestamptz), $1)
		WHERE channel_id = $2 AND user_id = $3`,
		mark, channelID, readerID,
	)
	if err != nil {
		return time.Time{}, fmt.Errorf("postgres: mark read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return time.Time{}, errNotMember
	}
	return mark, nil
}

func (s *PostgresStore) UnreadCount(ctx context.Context, channelID, userID string) (int64, error) {
	if uuid.Validate(channelID) != nil {
		return 0, errNotMember
	}
	var count *int64
	err := s.pool.QueryRow(ctx, `
		SELECT (SELECT COUNT(*) FROM chat_messages m
		        WHERE m.channel_id = cm.channel_id
		          AND m.created_at > COALESCE(cm.last_read_at, '-infinity'::timestamptz))
		FROM channel_members cm
		WHERE cm.channel_id = $1 AND cm.user_id = $2`,
		channelID, userID,
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, errNotMember
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: unread count: %w", err)
	}
	if count == nil {
		return 0, nil
	}
	return *count, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id int64) (model.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT m.id, m.channel_id::text, m.user_id, m.content, m.media_url, m.message_type, m.created_at,
		       COALESCE(u.username, ''), COALESCE(u.nickname, '')
		FROM chat_messages m
		LEFT JOIN users u ON u.id = m.user_id
		WHERE m.id = $1`, id)
	if err != nil {
		return model.Message{}, fmt.Errorf("postgres: get message: %w", err)
	}
	msg, err := pgx.CollectExactlyOneRow(rows, scanPostgresMessage)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Message{}, errMessageNotFound
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("postgres: get message: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) DeleteMessage(ctx context.Context, id int64, requesterID string) (model.Message, error) {
	rows, err := s.pool.Query(ctx, `
		DELETE FROM chat_messages WHERE id = $1 AND user_id = $2
		RETURNING id, channel_id::text, user_id, content, media_url, message_type, created_at, '', ''`,
		id, requesterID,
	)
	if err != nil {
		return model.Message{}, fmt.Errorf("postgres: delete message: %w", err)
	}
	msg, err := pgx.CollectExactlyOneRow(rows, scanPostgresMessage)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Message{}, errMessageNotFound
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("postgres: delete message: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) GetOrCreateDirect(ctx context.Context, a, b string) (model.Channel, bool, error) {
	if err := validateDirectPair(a, b); err != nil {
		return model.Channel{}, false, err
	}
	key := model.PairKey(a, b)

	var (
		ch      model.Channel
		created bool
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		ch = model.Channel{
			ID:        uuid.NewString(),
			Kind:      model.ChannelDirect,
			Name:      DirectChannelName,
			CreatedAt: s.seq.Now(),
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO chat_channels (id, type, name, pair_key, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (pair_key) DO NOTHING`,
			ch.ID, string(ch.Kind), ch.Name, key, ch.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("create direct channel: %w", err)
		}

		if tag.RowsAffected() == 0 {
			ch, err = scanPostgresChannel(tx.QueryRow(ctx,
				`SELECT id::text, type, name, quest_id, created_at FROM chat_channels WHERE pair_key = $1`, key))
			if err != nil {
				return fmt.Errorf("load direct channel: %w", err)
			}
			return nil
		}

		created = true
		_, err = tx.Exec(ctx,
			`INSERT INTO channel_members (channel_id, user_id) VALUES ($1, $2), ($1, $3)`, ch.ID, a, b)
		if err != nil {
			return fmt.Errorf("add direct members: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Channel{}, false, fmt.Errorf("postgres: %w", err)
	}
	return ch, created, nil
}

func (s *PostgresStore) CreateContextBound(ctx context.Context, in ContextChannel) (model.Channel, error) {
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
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO chat_channels (id, type, name, quest_id, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT DO NOTHING`,
			ch.ID, string(ch.Kind), ch.Name, model.OptionalString(ch.ContextID), ch.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("postgres: create channel: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return model.Errorf(model.ErrConflict, "a channel already exists for context %s", in.ContextID)
		}

		batch := &pgx.Batch{}
		for _, uid := range in.Members {
			batch.Queue(`INSERT INTO channel_members (channel_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, ch.ID, uid)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("postgres: add members: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Channel{}, err
	}
	return ch, nil
}

func (s *PostgresStore) JoinContext(ctx context.Context, contextID, userID string) (model.Channel, error) {
	ch, err := scanPostgresChannel(s.pool.QueryRow(ctx,
		`SELECT id::text, type, name, quest_id, created_at FROM chat_channels WHERE quest_id = $1`, contextID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Channel{}, errChannelNotFound
	}
	if err != nil {
		return model.Channel{}, fmt.Errorf("postgres: join context: %w", err)
	}

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO channel_members (channel_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, ch.ID, userID); err != nil {
		return model.Channel{}, fmt.Errorf("postgres: join context: %w", err)
	}
	return ch, nil
}

func (s *PostgresStore) GetChannel(ctx context.Context, channelID string) (model.Channel, error) {
	if uuid.Validate(channelID) != nil {
		return model.Channel{}, errChannelNotFound
	}
	ch, err := scanPostgresChannel(s.pool.QueryRow(ctx,
		`SELECT id::text, type, name, quest_id, created_at FROM chat_channels WHERE id = $1`, channelID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Channel{}, errChannelNotFound
	}
	if err != nil {
		return model.Channel{}, fmt.Errorf("postgres: get channel: %w", err)
	}
	return ch, nil
}

func (s *PostgresStore) IsMember(ctx context.Context, channelID, userID string) (bool, error) {
	if uuid.Validate(channelID) != nil {
		return false, nil
	}
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM channel_members WHERE channel_id = $1 AND user_id = $2)`,
		channelID, userID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("postgres: membership: %w", err)
	}
	return ok, nil
}

func (s *PostgresStore) requireMember(ctx context.Context, channelID, userID string) error {
	ok, err := s.IsMember(ctx, channelID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return errNotMember
	}
	return nil
}

func (s *PostgresStore) MemberChannelIDs(ctx context.Context, userID string) ([]string, error) {
	return s.queryStrings(ctx,
		`SELECT channel_id::text FROM channel_members WHERE user_id = $1 ORDER BY channel_id`, userID)
}

func (s *PostgresStore) Members(ctx context.Context, channelID string) ([]string, error) {
	if uuid.Validate(channelID) != nil {
		return nil, nil
	}
	return s.queryStrings(ctx,
		`SELECT user_id FROM channel_members WHERE channel_id = $1 ORDER BY user_id`, channelID)
}

func (s *PostgresStore) SharesChannel(ctx context.Context, a, b string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM channel_members x
			JOIN channel_members y ON y.channel_id = x.channel_id
			WHERE x.user_id = $1 AND y.user_id = $2)`, a, b).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("postgres: shares channel: %w", err)
	}
	return ok, nil
}

func (s *PostgresStore) ListChannels(ctx context.Context, userID string) ([]model.ChannelSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id::text, c.type, c.name, c.quest_id, c.created_at,
		       (SELECT COUNT(*) FROM chat_messages m
		        WHERE m.channel_id = c.id
		          AND m.created_at > COALESCE(cm.last_read_at, '-infinity'::timestamptz)),
		       lm.id, lm.user_id, lm.content, lm.media_url, lm.message_type, lm.created_at,
		       COALESCE(u.username, ''), COALESCE(u.nickname, '')
		FROM channel_members cm
		JOIN chat_channels c ON c.id = cm.channel_id
		LEFT JOIN LATERAL (
			SELECT id, user_id, content, media_url, message_type, created_at
			FROM chat_messages WHERE channel_id = c.id
			ORDER BY created_at DESC, id DESC LIMIT 1
		) lm ON true
		LEFT JOIN users u ON u.id = lm.user_id
		WHERE cm.user_id = $1
		ORDER BY c.created_at DESC, c.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list channels: %w", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.ChannelSummary, error) {
		var (
			sum                  model.ChannelSummary
			kind                 string
			contextID            *string
			lastID               *int64
			lastAuthor, lastKind *string
			lastContent          *string
			lastMedia            *string
			lastCreated          *time.Time
			username, nickname   string
		)
		if err := row.Scan(&sum.ID, &kind, &sum.Name, &contextID, &sum.CreatedAt, &sum.UnreadCount,
			&lastID, &lastAuthor, &lastContent, &lastMedia, &lastKind, &lastCreated,
			&username, &nickname); err != nil {
			return sum, err
		}
		sum.Kind = model.ChannelKind(kind)
		sum.CreatedAt = sum.CreatedAt.UTC()
		if contextID != nil {
			sum.ContextID = *contextID
		}
		if lastID != nil {
			sum.LastMessage = &model.Message{
				ID:        *lastID,
				ChannelID: sum.ID,
				AuthorID:  deref(lastAuthor),
				Username:  username,
				Nickname:  nickname,
				Content:   lastContent,
				MediaRef:  lastMedia,
				Kind:      model.MessageKind(deref(lastKind)),
				CreatedAt: lastCreated.UTC(),
			}
		}
		return sum, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: list channels: %w", err)
	}
	if out == nil {
		out = []model.ChannelSummary{}
	}
	return out, nil
}

func (s *PostgresStore) LookupUser(ctx context.Context, userID string) (model.Identity, error) {
	var ident model.Identity
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, nickname FROM users WHERE id = $1`, userID,
	).Scan(&ident.ID, &ident.Username, &ident.Nickname)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Identity{}, errUserNotFound
	}
	if err != nil {
		return model.Identity{}, fmt.Errorf("postgres: lookup user: %w", err)
	}
	return ident, nil
}

func (s *PostgresStore) PutUser(ctx context.Context, ident model.Identity) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, username, nickname) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username, nickname = EXCLUDED.nickname`,
		ident.ID, ident.Username, ident.Nickname,
	)
	if err != nil {
		return fmt.Errorf("postgres: put user: %w", err)
	}
	return nil
}

func (s *PostgresStore) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: query: %w", err)
	}
	return out, nil
}

func scanPostgresMessage(row pgx.CollectableRow) (model.Message, error) {
	var (
		msg  model.Message
		kind string
	)
	err := row.Scan(&msg.ID, &msg.ChannelID, &msg.AuthorID, &msg.Content, &msg.MediaRef, &kind, &msg.CreatedAt,
		&msg.Username, &msg.Nickname)
	msg.Kind = model.MessageKind(kind)
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, err
}

func scanPostgresChannel(row pgx.Row) (model.Channel, error) {
	var (
		ch        model.Channel
		kind      string
		contextID *string
	)
	if err := row.Scan(&ch.ID, &kind, &ch.Name, &contextID, &ch.CreatedAt); err != nil {
		return model.Channel{}, err
	}
	ch.Kind = model.ChannelKind(kind)
	ch.CreatedAt = ch.CreatedAt.UTC()
	if contextID != nil {
		ch.ContextID = *contextID
	}
	return ch, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
