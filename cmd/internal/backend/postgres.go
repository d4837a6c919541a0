package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"commune/cmd/internal/chat"
	v1 "commune/shared/contracts/chat/v1"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// notifyChannel carries row changes as chat/v1 ChangePayload JSON. Payloads
// stay well under the NOTIFY size cap because message bodies are bounded at
// the core's rune limit.
const notifyChannel = "commune_changes"

// Postgres is a Backend over a PostgreSQL pool with LISTEN/NOTIFY push.
//
// Ownership model:
// - Postgres does NOT own the pgx pool. The caller must close the pool.
//
// Concurrency model:
// - Writes take a per-conversation transactional advisory lock so inserts
//   and the NOTIFY fan-out stay ordered per conversation.
// - One dedicated listen connection serves all subscriptions; on listener
//   failure every subscriber receives OnDrop and the multiplexer's
//   resubscription re-registers it.
type Postgres struct {
	log    *slog.Logger
	pool   *pgxpool.Pool
	schema string

	mu       sync.Mutex
	subs     map[chat.SubscriptionHandle]*pgSub
	listenOn bool
	cancel   context.CancelFunc
}

type pgSub struct {
	handle chat.SubscriptionHandle
	key    string
	sink   chat.EventSink
}

// PostgresOption configures Postgres behavior.
type PostgresOption func(*Postgres) error

// WithSchema sets the DB schema used by this backend (default: "commune").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(p *Postgres) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("backend: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("backend: invalid schema identifier")
		}
		p.schema = schema
		return nil
	}
}

// NewPostgres constructs a Postgres-backed Backend.
func NewPostgres(log *slog.Logger, pool *pgxpool.Pool, opts ...PostgresOption) (*Postgres, error) {
	if log == nil {
		log = slog.Default()
	}
	p := &Postgres{
		log:    log,
		pool:   pool,
		schema: "commune",
		subs:   make(map[chat.SubscriptionHandle]*pgSub),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	if p.pool == nil {
		return nil, errors.New("backend: nil pool")
	}
	return p, nil
}

// Close stops the listener. The pool is owned by the caller.
func (p *Postgres) Close() error {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.listenOn = false
	p.subs = make(map[chat.SubscriptionHandle]*pgSub)
	p.mu.Unlock()
	return nil
}

// FetchHistory returns up to limit messages for key, newest first.
func (p *Postgres) FetchHistory(ctx context.Context, key string, limit int) ([]chat.Message, error) {
	if p == nil || p.pool == nil {
		return nil, errors.New("backend: nil backend")
	}
	if key == "" {
		return nil, errors.New("backend: missing conversation key")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	messages := pgIdent(p.schema, "messages")

	rows, err := p.pool.Query(ctx,
		`SELECT id, conversation_key, author_id, body, created_at, edited_at, parent_id, pinned, attachments
		   FROM `+messages+`
		  WHERE conversation_key = $1 AND NOT deleted
		  ORDER BY created_at DESC, id DESC
		  LIMIT $2`,
		key, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]chat.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Insert persists a message with idempotency on the optimistic id and fans
// out the change via NOTIFY in the same transaction.
func (p *Postgres) Insert(ctx context.Context, msg chat.Message) (chat.Message, error) {
	if msg.ConversationKey == "" || msg.AuthorID == "" {
		return chat.Message{}, errors.New("backend: invalid message")
	}
	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return chat.Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	messages := pgIdent(p.schema, "messages")

	// Serialize writes per conversation: no duplicate rows for retried
	// sends, and NOTIFY order matches insert order.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, msg.ConversationKey); err != nil {
		return chat.Message{}, fmt.Errorf("advisory lock: %w", err)
	}

	clientMsgID := msg.ID
	if clientMsgID != "" {
		var existing chat.Message
		err := tx.QueryRow(ctx,
			`SELECT id, conversation_key, author_id, body, created_at, edited_at, parent_id, pinned, attachments
			   FROM `+messages+`
			  WHERE conversation_key = $1 AND client_msg_id = $2`,
			msg.ConversationKey, clientMsgID,
		).Scan(scanMessageDest(&existing)...)
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return chat.Message{}, err
			}
			return existing, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return chat.Message{}, err
		}
	}

	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	id, err := chat.NewMessageID(now)
	if err != nil {
		return chat.Message{}, err
	}
	msg.ID = id
	msg.State = chat.DeliveryConfirmed
	msg.Pinned = false

	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return chat.Message{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     id, conversation_key, client_msg_id, author_id, body, created_at, parent_id, pinned, deleted, attachments
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, false, false, $8)`,
		msg.ID, msg.ConversationKey, clientMsgID, msg.AuthorID, msg.Body, msg.CreatedAt, nullable(msg.ParentID), attachments,
	); err != nil {
		return chat.Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := p.notifyLocked(ctx, tx, chat.ChangeEvent{Table: chat.TableMessages, Op: chat.OpInsert, Row: messageRow(msg)}); err != nil {
		return chat.Message{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return chat.Message{}, err
	}
	return msg, nil
}

// Update applies a patch. Setting Pinned true unpins every other message in
// the conversation inside the same transaction (last pin wins).
func (p *Postgres) Update(ctx context.Context, id string, patch chat.MessagePatch) (chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return chat.Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	messages := pgIdent(p.schema, "messages")
	now := time.Now().UTC()

	var current chat.Message
	if err := tx.QueryRow(ctx,
		`SELECT id, conversation_key, author_id, body, created_at, edited_at, parent_id, pinned, attachments
		   FROM `+messages+`
		  WHERE id = $1 AND NOT deleted
		  FOR UPDATE`,
		id,
	).Scan(scanMessageDest(&current)...); err != nil {
		return chat.Message{}, fmt.Errorf("backend: unknown message %s: %w", id, err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, current.ConversationKey); err != nil {
		return chat.Message{}, fmt.Errorf("advisory lock: %w", err)
	}

	if patch.Body != nil {
		current.Body = *patch.Body
		current.EditedAt = now
	}
	if patch.Pinned != nil {
		if *patch.Pinned {
			if _, err := tx.Exec(ctx,
				`UPDATE `+messages+` SET pinned = false WHERE conversation_key = $1 AND pinned`,
				current.ConversationKey,
			); err != nil {
				return chat.Message{}, err
			}
		}
		current.Pinned = *patch.Pinned
		current.EditedAt = now
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+messages+` SET body = $2, edited_at = $3, pinned = $4 WHERE id = $1`,
		id, current.Body, current.EditedAt, current.Pinned,
	); err != nil {
		return chat.Message{}, err
	}

	if err := p.notifyLocked(ctx, tx, chat.ChangeEvent{Table: chat.TableMessages, Op: chat.OpUpdate, Row: messageRow(current)}); err != nil {
		return chat.Message{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return chat.Message{}, err
	}
	return current, nil
}

// Delete tombstones a message (idempotent).
func (p *Postgres) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	messages := pgIdent(p.schema, "messages")

	var key string
	var created time.Time
	err = tx.QueryRow(ctx,
		`UPDATE `+messages+` SET deleted = true
		  WHERE id = $1 AND NOT deleted
		RETURNING conversation_key, created_at`,
		id,
	).Scan(&key, &created)
	if errors.Is(err, pgx.ErrNoRows) {
		return tx.Commit(ctx)
	}
	if err != nil {
		return err
	}

	ev := chat.ChangeEvent{Table: chat.TableMessages, Op: chat.OpDelete, Row: chat.Row{
		ID: id, ConversationKey: key, CreatedAt: created,
	}}
	if err := p.notifyLocked(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ToggleReaction inserts or deletes the (message, actor, emoji) row and fans
// out the corresponding change.
func (p *Postgres) ToggleReaction(ctx context.Context, key, messageID, actorID, emoji string) error {
	if messageID == "" || actorID == "" || emoji == "" {
		return errors.New("backend: invalid reaction")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	reactions := pgIdent(p.schema, "reactions")
	now := time.Now().UTC()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}

	var rowID string
	op := chat.OpDelete
	err = tx.QueryRow(ctx,
		`DELETE FROM `+reactions+`
		  WHERE message_id = $1 AND actor_id = $2 AND emoji = $3
		RETURNING id`,
		messageID, actorID, emoji,
	).Scan(&rowID)
	if errors.Is(err, pgx.ErrNoRows) {
		op = chat.OpInsert
		rowID, err = chat.NewMessageID(now)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+reactions+` (id, conversation_key, message_id, actor_id, emoji, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			rowID, key, messageID, actorID, emoji, now,
		); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	ev := chat.ChangeEvent{Table: chat.TableReactions, Op: op, Row: chat.Row{
		ID: rowID, ConversationKey: key, MessageID: messageID, ActorID: actorID, Emoji: emoji, CreatedAt: now,
	}}
	if err := p.notifyLocked(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// PublishPresence fans out a presence row without persisting it: presence is
// ephemeral and rebuilt from scratch on restart.
func (p *Postgres) PublishPresence(ctx context.Context, key, actorID string, typing bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ev := chat.ChangeEvent{Table: chat.TablePresence, Op: chat.OpUpdate, Row: chat.Row{
		ID: actorID, ConversationKey: key, ActorID: actorID, Typing: typing, CreatedAt: time.Now().UTC(),
	}}
	payload, err := json.Marshal(chat.ToWireChange(ev))
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(payload))
	return err
}

// Subscribe registers sink for change events on key and starts the shared
// listener on first use.
func (p *Postgres) Subscribe(ctx context.Context, key string, sink chat.EventSink) (chat.SubscriptionHandle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if key == "" || sink == nil {
		return "", errors.New("backend: invalid subscription")
	}

	handle := chat.SubscriptionHandle(uuid.NewString())

	p.mu.Lock()
	p.subs[handle] = &pgSub{handle: handle, key: key, sink: sink}
	if !p.listenOn {
		listenCtx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		p.listenOn = true
		go p.listenLoop(listenCtx)
	}
	p.mu.Unlock()

	return handle, nil
}

// Unsubscribe releases a subscription by handle (idempotent).
func (p *Postgres) Unsubscribe(handle chat.SubscriptionHandle) error {
	p.mu.Lock()
	delete(p.subs, handle)
	p.mu.Unlock()
	return nil
}

// ---- listener ----

// listenLoop owns the dedicated LISTEN connection. A broken connection drops
// every subscriber; the multiplexer resubscribes with backoff, which
// re-registers sinks and restarts the loop on demand.
func (p *Postgres) listenLoop(ctx context.Context) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		p.dropAll(fmt.Errorf("%w: acquire listen conn: %v", chat.ErrSubscriptionDropped, err))
		return
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `LISTEN `+notifyChannel); err != nil {
		p.dropAll(fmt.Errorf("%w: listen: %v", chat.ErrSubscriptionDropped, err))
		return
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.dropAll(fmt.Errorf("%w: %v", chat.ErrSubscriptionDropped, err))
			return
		}

		var payload v1.ChangePayload
		if err := json.Unmarshal([]byte(n.Payload), &payload); err != nil {
			p.log.Info("backend.pg.bad_payload", "err", err)
			continue
		}
		ev := chat.FromWireChange(payload)

		p.mu.Lock()
		var sinks []chat.EventSink
		for _, s := range p.subs {
			if s.key == ev.Row.ConversationKey {
				sinks = append(sinks, s.sink)
			}
		}
		p.mu.Unlock()

		for _, s := range sinks {
			s.OnEvent(ev)
		}
	}
}

func (p *Postgres) dropAll(cause error) {
	p.mu.Lock()
	dropped := make([]*pgSub, 0, len(p.subs))
	for _, s := range p.subs {
		dropped = append(dropped, s)
	}
	p.subs = make(map[chat.SubscriptionHandle]*pgSub)
	p.listenOn = false
	p.cancel = nil
	p.mu.Unlock()

	p.log.Info("backend.pg.listener_dropped", "err", cause, "subs", len(dropped))
	for _, s := range dropped {
		s.sink.OnDrop(cause)
	}
}

func (p *Postgres) notifyLocked(ctx context.Context, tx pgx.Tx, ev chat.ChangeEvent) error {
	payload, err := json.Marshal(chat.ToWireChange(ev))
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(payload))
	return err
}

// ---- scanning ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (chat.Message, error) {
	var m chat.Message
	err := r.Scan(scanMessageDest(&m)...)
	return m, err
}

// scanMessageDest returns scan destinations matching the canonical message
// column list.
func scanMessageDest(m *chat.Message) []any {
	return []any{
		&m.ID,
		&m.ConversationKey,
		&m.AuthorID,
		&m.Body,
		&m.CreatedAt,
		&nullTime{&m.EditedAt},
		&nullString{&m.ParentID},
		&m.Pinned,
		&attachmentsJSON{&m.Attachments},
	}
}

type nullTime struct{ t *time.Time }

func (n *nullTime) Scan(src any) error {
	if src == nil {
		*n.t = time.Time{}
		return nil
	}
	t, ok := src.(time.Time)
	if !ok {
		return fmt.Errorf("backend: cannot scan %T into time", src)
	}
	*n.t = t.UTC()
	return nil
}

type nullString struct{ s *string }

func (n *nullString) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*n.s = ""
	case string:
		*n.s = v
	case []byte:
		*n.s = string(v)
	default:
		return fmt.Errorf("backend: cannot scan %T into string", src)
	}
	return nil
}

type attachmentsJSON struct{ a *[]chat.Attachment }

func (j *attachmentsJSON) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j.a = nil
		return nil
	case []byte:
		if len(v) == 0 {
			*j.a = nil
			return nil
		}
		return json.Unmarshal(v, j.a)
	case string:
		return json.Unmarshal([]byte(v), j.a)
	default:
		return fmt.Errorf("backend: cannot scan %T into attachments", src)
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
