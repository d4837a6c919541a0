package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"commune/cmd/internal/chat"
	v1 "commune/shared/contracts/chat/v1"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	remoteMaxReadBytes = 1 << 20 // 1MiB
	remoteDialTimeout  = 10 * time.Second
	remotePingInterval = 25 * time.Second
)

// Remote is a Backend over a websocket connection to a hosted chat backend
// speaking the chat/v1 protocol.
//
// Connection model:
// - The connection is dialed lazily on first use and re-dialed on the next
//   call after a failure.
// - A connection loss drops every subscription; resubscription (driven by
//   the multiplexer's backoff) re-dials and re-registers.
//
// Concurrency model:
// - All exported methods are safe for concurrent use. Requests correlate
//   replies by envelope id, so calls may be in flight simultaneously over
//   the single connection.
type Remote struct {
	log    *slog.Logger
	url    string
	origin string
	actor  string

	mu      sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	pending map[string]chan v1.Envelope
	subs    map[chat.SubscriptionHandle]*remoteSub
	closed  bool
}

type remoteSub struct {
	key          string
	sink         chat.EventSink
	serverHandle string
}

// RemoteOption configures a Remote backend.
type RemoteOption func(*Remote)

// WithOrigin sets the Origin header sent on the websocket handshake.
func WithOrigin(origin string) RemoteOption {
	return func(r *Remote) { r.origin = origin }
}

// NewRemote constructs a websocket-backed Backend for the given URL.
func NewRemote(log *slog.Logger, url, actorID string, opts ...RemoteOption) (*Remote, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("backend: missing remote url")
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Remote{
		log:     log,
		url:     url,
		actor:   actorID,
		pending: make(map[string]chan v1.Envelope),
		subs:    make(map[chat.SubscriptionHandle]*remoteSub),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Close tears down the connection. Subscribers do not receive OnDrop on a
// deliberate close.
func (r *Remote) Close() error {
	r.mu.Lock()
	r.closed = true
	conn := r.conn
	r.conn = nil
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	for id, ch := range r.pending {
		close(ch)
		delete(r.pending, id)
	}
	r.subs = make(map[chat.SubscriptionHandle]*remoteSub)
	r.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "shutdown")
	}
	return nil
}

// FetchHistory requests a history window, newest first.
func (r *Remote) FetchHistory(ctx context.Context, key string, limit int) ([]chat.Message, error) {
	reply, err := r.request(ctx, v1.TypeHistoryFetch, key, v1.HistoryFetchPayload{Key: key, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chat.ErrHistoryLoadFailed, err)
	}
	var p v1.HistoryChunkPayload
	if err := json.Unmarshal(reply.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: decode chunk: %v", chat.ErrHistoryLoadFailed, err)
	}
	out := make([]chat.Message, 0, len(p.Messages))
	for _, wm := range p.Messages {
		out = append(out, chat.FromWireMessage(wm))
	}
	return out, nil
}

// Insert sends a message; the optimistic id rides as client_msg_id so the
// backend can dedupe retried sends.
func (r *Remote) Insert(ctx context.Context, msg chat.Message) (chat.Message, error) {
	payload := v1.MessageSendPayload{
		Key:         msg.ConversationKey,
		ClientMsgID: msg.ID,
		Body:        msg.Body,
		ParentID:    msg.ParentID,
	}
	for _, a := range msg.Attachments {
		payload.Attachments = append(payload.Attachments, v1.Attachment{
			URL: a.URL, MediaType: a.MediaType, Filename: a.Filename,
		})
	}

	reply, err := r.request(ctx, v1.TypeMessageSend, msg.ConversationKey, payload)
	if err != nil {
		return chat.Message{}, fmt.Errorf("%w: %v", chat.ErrRemoteWriteFailed, err)
	}
	var p v1.MessageAckPayload
	if err := json.Unmarshal(reply.Payload, &p); err != nil {
		return chat.Message{}, fmt.Errorf("%w: decode ack: %v", chat.ErrRemoteWriteFailed, err)
	}
	return chat.FromWireMessage(p.Message), nil
}

// Update edits the body and/or pin flag. The backend acks each request with
// the authoritative record.
func (r *Remote) Update(ctx context.Context, id string, patch chat.MessagePatch) (chat.Message, error) {
	var reply v1.Envelope
	var err error

	switch {
	case patch.Body != nil:
		reply, err = r.request(ctx, v1.TypeMessageEdit, "", v1.MessageEditPayload{MessageID: id, Body: *patch.Body})
	case patch.Pinned != nil:
		reply, err = r.request(ctx, v1.TypeMessagePin, "", v1.MessagePinPayload{MessageID: id})
	default:
		return chat.Message{}, errors.New("backend: empty patch")
	}
	if err != nil {
		return chat.Message{}, fmt.Errorf("%w: %v", chat.ErrRemoteWriteFailed, err)
	}

	var p v1.MessageAckPayload
	if err := json.Unmarshal(reply.Payload, &p); err != nil {
		return chat.Message{}, fmt.Errorf("%w: decode ack: %v", chat.ErrRemoteWriteFailed, err)
	}
	return chat.FromWireMessage(p.Message), nil
}

// Delete tombstones a message.
func (r *Remote) Delete(ctx context.Context, id string) error {
	if _, err := r.request(ctx, v1.TypeMessageDelete, "", v1.MessageDeletePayload{MessageID: id}); err != nil {
		return fmt.Errorf("%w: %v", chat.ErrRemoteWriteFailed, err)
	}
	return nil
}

// ToggleReaction toggles an (actor, emoji) reaction on a message.
func (r *Remote) ToggleReaction(ctx context.Context, key, messageID, actorID, emoji string) error {
	payload := v1.ReactionTogglePayload{Key: key, MessageID: messageID, ActorID: actorID, Emoji: emoji}
	if _, err := r.request(ctx, v1.TypeReactionToggle, key, payload); err != nil {
		return fmt.Errorf("%w: %v", chat.ErrRemoteWriteFailed, err)
	}
	return nil
}

// PublishPresence is fire-and-forget: presence is lossy by design and an
// individual heartbeat is never worth a round trip.
func (r *Remote) PublishPresence(ctx context.Context, key, actorID string, typing bool) error {
	conn, err := r.ensureConn(ctx)
	if err != nil {
		return err
	}
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeTypingSet,
		Key:     key,
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.TypingSetPayload{Key: key, ActorID: actorID, Typing: typing}),
	}
	return r.write(ctx, conn, env)
}

// Subscribe opens a push subscription for key.
func (r *Remote) Subscribe(ctx context.Context, key string, sink chat.EventSink) (chat.SubscriptionHandle, error) {
	if key == "" || sink == nil {
		return "", errors.New("backend: invalid subscription")
	}

	reply, err := r.request(ctx, v1.TypeSubscribe, key, v1.SubscribePayload{Key: key})
	if err != nil {
		return "", err
	}
	var p v1.SubscribeAckPayload
	if err := json.Unmarshal(reply.Payload, &p); err != nil {
		return "", fmt.Errorf("decode subscribe ack: %w", err)
	}

	handle := chat.SubscriptionHandle(uuid.NewString())
	r.mu.Lock()
	r.subs[handle] = &remoteSub{key: key, sink: sink, serverHandle: p.Handle}
	r.mu.Unlock()
	return handle, nil
}

// Unsubscribe releases a subscription (idempotent). A failed unsubscribe on
// a broken connection is fine: the next connection starts clean.
func (r *Remote) Unsubscribe(handle chat.SubscriptionHandle) error {
	r.mu.Lock()
	sub := r.subs[handle]
	delete(r.subs, handle)
	conn := r.conn
	r.mu.Unlock()

	if sub == nil || conn == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeUnsubscribe,
		ID:      uuid.NewString(),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.UnsubscribePayload{Handle: sub.serverHandle}),
	}
	return r.write(ctx, conn, env)
}

// ---- connection management ----

// ensureConn returns the live connection, dialing and handshaking if needed.
func (r *Remote) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errors.New("backend: remote closed")
	}
	if r.conn != nil {
		conn := r.conn
		r.mu.Unlock()
		return conn, nil
	}
	r.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, remoteDialTimeout)
	defer cancel()

	h := http.Header{}
	if r.origin != "" {
		h.Set("Origin", r.origin)
	}
	conn, resp, err := websocket.Dial(dialCtx, r.url, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", r.url, err)
	}
	conn.SetReadLimit(remoteMaxReadBytes)

	hello := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      uuid.NewString(),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{ActorID: r.actor}),
	}
	if err := r.write(dialCtx, conn, hello); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "hello failed")
		return nil, err
	}
	ack, err := readEnvelope(dialCtx, conn)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "hello ack failed")
		return nil, fmt.Errorf("hello ack: %w", err)
	}
	if ack.Type != v1.TypeHelloAck {
		_ = conn.Close(websocket.StatusProtocolError, "unexpected handshake reply")
		return nil, fmt.Errorf("unexpected handshake reply: %s", ack.Type)
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		loopCancel()
		_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
		return nil, errors.New("backend: remote closed")
	}
	// A concurrent caller may have raced the dial; keep the first winner.
	if r.conn != nil {
		existing := r.conn
		r.mu.Unlock()
		loopCancel()
		_ = conn.Close(websocket.StatusNormalClosure, "duplicate dial")
		return existing, nil
	}
	r.conn = conn
	r.cancel = loopCancel
	r.mu.Unlock()

	go r.readLoop(loopCtx, conn)
	go r.pingLoop(loopCtx, conn)

	r.log.Info("backend.remote.connected", "url", r.url)
	return conn, nil
}

// readLoop dispatches inbound envelopes: replies to pending requests by
// envelope id, change events to subscribed sinks by conversation key.
func (r *Remote) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			r.teardown(conn, fmt.Errorf("%w: %v", chat.ErrSubscriptionDropped, err))
			return
		}

		switch env.Type {
		case v1.TypeChange:
			var p v1.ChangePayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				r.log.Info("backend.remote.bad_change", "err", err)
				continue
			}
			ev := chat.FromWireChange(p)

			r.mu.Lock()
			var sinks []chat.EventSink
			for _, s := range r.subs {
				if s.key == ev.Row.ConversationKey {
					sinks = append(sinks, s.sink)
				}
			}
			r.mu.Unlock()

			for _, s := range sinks {
				s.OnEvent(ev)
			}
		default:
			if env.ID == "" {
				continue
			}
			r.mu.Lock()
			ch := r.pending[env.ID]
			delete(r.pending, env.ID)
			r.mu.Unlock()
			if ch != nil {
				ch <- env
			}
		}
	}
}

func (r *Remote) pingLoop(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(remotePingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				r.teardown(conn, fmt.Errorf("%w: ping: %v", chat.ErrSubscriptionDropped, err))
				return
			}
		}
	}
}

// teardown invalidates conn (if still current), fails in-flight requests,
// and drops all subscribers so the multiplexer resubscribes.
func (r *Remote) teardown(conn *websocket.Conn, cause error) {
	r.mu.Lock()
	if r.conn != conn {
		r.mu.Unlock()
		return
	}
	r.conn = nil
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	for id, ch := range r.pending {
		close(ch)
		delete(r.pending, id)
	}
	dropped := make([]*remoteSub, 0, len(r.subs))
	for _, s := range r.subs {
		dropped = append(dropped, s)
	}
	r.subs = make(map[chat.SubscriptionHandle]*remoteSub)
	closed := r.closed
	r.mu.Unlock()

	_ = conn.Close(websocket.StatusInternalError, "connection lost")
	if closed {
		return
	}

	r.log.Info("backend.remote.disconnected", "err", cause, "subs", len(dropped))
	for _, s := range dropped {
		s.sink.OnDrop(cause)
	}
}

// request writes an envelope and waits for the reply carrying the same id.
// A TypeError reply is converted into an error.
func (r *Remote) request(ctx context.Context, msgType, key string, payload any) (v1.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return v1.Envelope{}, err
	}
	conn, err := r.ensureConn(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}

	id := uuid.NewString()
	ch := make(chan v1.Envelope, 1)
	r.mu.Lock()
	r.pending[id] = ch
	r.mu.Unlock()

	env := v1.Envelope{
		V:       v1.Version,
		Type:    msgType,
		ID:      id,
		Key:     key,
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
	if err := r.write(ctx, conn, env); err != nil {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
		return v1.Envelope{}, err
	}

	select {
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
		return v1.Envelope{}, ctx.Err()
	case reply, ok := <-ch:
		if !ok {
			return v1.Envelope{}, chat.ErrSubscriptionDropped
		}
		if reply.Type == v1.TypeError {
			var ep v1.ErrorPayload
			_ = json.Unmarshal(reply.Payload, &ep)
			return v1.Envelope{}, fmt.Errorf("remote error %s: %s", ep.Code, ep.Message)
		}
		return reply, nil
	}
}

func (r *Remote) write(ctx context.Context, conn *websocket.Conn, env v1.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("bad json: %w", err)
	}
	if err := env.Validate(); err != nil {
		return v1.Envelope{}, fmt.Errorf("bad envelope: %w", err)
	}
	return env, nil
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
