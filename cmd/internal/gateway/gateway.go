package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"commune/cmd/internal/chat"
	v1 "commune/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Gateway is the websocket entrypoint for UI clients.
//
// It enforces origin policy, subprotocol selection, rate limits, and
// heartbeats, routes validated envelopes to the ConversationController, and
// pushes read-model snapshots whenever an open conversation changes.
type Gateway struct {
	log  *slog.Logger
	ctrl *chat.Controller

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewGateway constructs a gateway with secure defaults.
func NewGateway(log *slog.Logger, ctrl *chat.Controller) (*Gateway, error) {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if ctrl == nil {
		return nil, errors.New("gateway: nil controller")
	}

	g := &Gateway{log: log, ctrl: ctrl}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("COMMUNE_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("COMMUNE_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("COMMUNE_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("COMMUNE_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("COMMUNE_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("COMMUNE_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("COMMUNE_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("COMMUNE_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("COMMUNE_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("COMMUNE_WS_RATE_WINDOW", rateLimitWindow)

	return g, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// session tracks the per-connection view state: which conversations this
// client has opened and the watcher goroutines pushing their snapshots.
type session struct {
	mu     sync.Mutex
	views  map[string]*chat.ReadModel
	stops  map[string]context.CancelFunc
	closed bool
}

func (s *session) view(key string) *chat.ReadModel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.views[key]
}

func (s *session) put(key string, rm *chat.ReadModel, stop context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.views[key] = rm
	s.stops[key] = stop
	return true
}

func (s *session) drop(key string) {
	s.mu.Lock()
	stop := s.stops[key]
	delete(s.views, key)
	delete(s.stops, key)
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// drain closes every open view and returns their keys.
func (s *session) drain() []string {
	s.mu.Lock()
	s.closed = true
	keys := make([]string, 0, len(s.views))
	for key := range s.views {
		keys = append(keys, key)
	}
	stops := make([]context.CancelFunc, 0, len(s.stops))
	for _, stop := range s.stops {
		stops = append(stops, stop)
	}
	s.views = make(map[string]*chat.ReadModel)
	s.stops = make(map[string]context.CancelFunc)
	s.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	return keys
}

// HandleWS upgrades an HTTP request to a websocket session and runs the chat loop.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID := NewRandomHex(10)
	client := NewClient(sessionID, g.ctrl.LocalActor(), g.sendQueueSize)
	sess := &session{
		views: make(map[string]*chat.ReadModel),
		stops: make(map[string]context.CancelFunc),
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			for _, key := range sess.drain() {
				g.ctrl.Close(key)
			}
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			if err := g.onHello(ctx, client, env); err != nil {
				g.trySendError(ctx, client, "hello_failed", err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}

		case v1.TypeConversationOpen:
			if err := g.onConversationOpen(ctx, client, sess, env); err != nil {
				g.trySendError(ctx, client, "open_failed", err.Error())
			}

		case v1.TypeConversationClose:
			g.onConversationClose(sess, env)

		case v1.TypeMessageSend:
			if err := g.onMessageSend(ctx, client, sess, env); err != nil {
				g.trySendError(ctx, client, "send_failed", err.Error())
			}

		case v1.TypeHistoryFetch:
			if err := g.onHistoryFetch(ctx, client, sess, env); err != nil {
				g.trySendError(ctx, client, "history_failed", err.Error())
			}

		case v1.TypeMessageEdit:
			if err := g.onMessageEdit(env); err != nil {
				g.trySendError(ctx, client, "edit_failed", err.Error())
			}

		case v1.TypeMessageDelete:
			if err := g.onMessageDelete(env); err != nil {
				g.trySendError(ctx, client, "delete_failed", err.Error())
			}

		case v1.TypeMessagePin:
			if err := g.onMessagePin(env); err != nil {
				g.trySendError(ctx, client, "pin_failed", err.Error())
			}

		case v1.TypeReactionToggle:
			if err := g.onReactionToggle(env); err != nil {
				g.trySendError(ctx, client, "reaction_failed", err.Error())
			}

		case v1.TypeTypingSet:
			if err := g.onTypingSet(env); err != nil {
				g.trySendError(ctx, client, "typing_failed", err.Error())
			}

		case v1.TypePresenceBeat:
			g.ctrl.Heartbeat(ctx)

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *Gateway) onHello(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	ackPayload, _ := json.Marshal(v1.HelloAckPayload{
		SessionID: client.SessionID,
		ActorID:   client.ActorID,
	})
	ack := newEnvelope(v1.TypeHelloAck, env.ID, "", ackPayload)

	if !g.enqueue(ctx, client, ack) {
		return errors.New("backpressure: hello.ack")
	}
	return nil
}

func (g *Gateway) onConversationOpen(ctx context.Context, client *Client, sess *session, env v1.Envelope) error {
	var p v1.ConversationOpenPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	var (
		rm  *chat.ReadModel
		err error
	)
	switch {
	case strings.TrimSpace(p.Key) != "":
		rm, err = g.ctrl.Open(p.Key)
	case strings.TrimSpace(p.Peer) != "":
		rm, err = g.ctrl.OpenDM(p.Peer)
	case strings.TrimSpace(p.Room) != "":
		rm, err = g.ctrl.OpenRoom(p.Room)
	default:
		return errors.New("missing key, peer, or room")
	}
	if err != nil {
		return err
	}

	key := rm.Key()
	if existing := sess.view(key); existing != nil {
		// Already open in this session; the extra controller ref must not leak.
		g.ctrl.Close(key)
		g.ctrl.Activate(key)
		g.pushSnapshot(ctx, client, existing)
		return nil
	}

	watchCtx, stop := context.WithCancel(ctx)
	if !sess.put(key, rm, stop) {
		stop()
		g.ctrl.Close(key)
		return errors.New("session closed")
	}

	g.ctrl.Activate(key)
	go g.watch(watchCtx, client, rm)

	g.pushSnapshot(ctx, client, rm)
	return nil
}

func (g *Gateway) onConversationClose(sess *session, env v1.Envelope) {
	var p v1.ConversationClosePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	if sess.view(p.Key) == nil {
		return
	}
	sess.drop(p.Key)
	g.ctrl.Close(p.Key)
}

func (g *Gateway) onMessageSend(ctx context.Context, client *Client, sess *session, env v1.Envelope) error {
	var p v1.MessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if sess.view(p.Key) == nil {
		return errors.New("conversation not open")
	}

	tempID, err := g.ctrl.Send(p.Key, p.Body, p.ParentID)
	if err != nil {
		return err
	}

	// Ack with the optimistic record; the authoritative one arrives through
	// the snapshot push once the write resolves.
	ackPayload, _ := json.Marshal(v1.MessageAckPayload{
		Key:         p.Key,
		ClientMsgID: p.ClientMsgID,
		Message: v1.Message{
			ID:              tempID,
			ConversationKey: p.Key,
			AuthorID:        client.ActorID,
			Body:            p.Body,
			CreatedAt:       time.Now().UTC(),
			ParentID:        p.ParentID,
			Pending:         true,
		},
	})
	ack := newEnvelope(v1.TypeMessageAck, env.ID, p.Key, ackPayload)

	if !g.enqueue(ctx, client, ack) {
		return errors.New("backpressure: ack")
	}
	return nil
}

func (g *Gateway) onHistoryFetch(ctx context.Context, client *Client, sess *session, env v1.Envelope) error {
	var p v1.HistoryFetchPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	rm := sess.view(p.Key)
	if rm == nil {
		return errors.New("conversation not open")
	}

	// The controller already holds merged history; serve the window from the
	// read model, newest first.
	msgs := rm.Messages()
	limit := p.Limit
	if limit <= 0 || limit > len(msgs) {
		limit = len(msgs)
	}

	out := make([]v1.Message, 0, limit)
	for i := len(msgs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, chat.ToWireMessage(msgs[i]))
	}

	chunkPayload, _ := json.Marshal(v1.HistoryChunkPayload{
		Key:      p.Key,
		Messages: out,
		HasMore:  len(out) < len(msgs),
	})
	chunk := newEnvelope(v1.TypeHistoryChunk, env.ID, p.Key, chunkPayload)

	if !g.enqueue(ctx, client, chunk) {
		return errors.New("backpressure: history chunk")
	}
	return nil
}

func (g *Gateway) onMessageEdit(env v1.Envelope) error {
	var p v1.MessageEditPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return g.ctrl.Edit(p.Key, p.MessageID, p.Body)
}

func (g *Gateway) onMessageDelete(env v1.Envelope) error {
	var p v1.MessageDeletePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return g.ctrl.Delete(p.Key, p.MessageID)
}

func (g *Gateway) onMessagePin(env v1.Envelope) error {
	var p v1.MessagePinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return g.ctrl.Pin(p.Key, p.MessageID)
}

func (g *Gateway) onReactionToggle(env v1.Envelope) error {
	var p v1.ReactionTogglePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return g.ctrl.React(p.Key, p.MessageID, p.Emoji)
}

func (g *Gateway) onTypingSet(env v1.Envelope) error {
	var p v1.TypingSetPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return g.ctrl.SetTyping(p.Key, p.Typing)
}

// ---- snapshot push ----

// watch pushes a conversation_state snapshot whenever the read model
// signals an update, coalescing bursts.
func (g *Gateway) watch(ctx context.Context, client *Client, rm *chat.ReadModel) {
	updates := rm.Updates()
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case _, ok := <-updates:
			if !ok {
				return
			}
			g.pushSnapshot(ctx, client, rm)

			select {
			case <-ctx.Done():
				return
			case <-time.After(snapshotMinInterval):
			}
		}
	}
}

func (g *Gateway) pushSnapshot(ctx context.Context, client *Client, rm *chat.ReadModel) {
	payload, err := json.Marshal(snapshotOf(rm))
	if err != nil {
		g.log.Error("ws.snapshot.marshal_fail", "key", rm.Key(), "err", err)
		return
	}
	env := newEnvelope(v1.TypeConversationState, "", rm.Key(), payload)
	if !g.enqueue(ctx, client, env) {
		g.log.Info("ws.snapshot.dropped", "key", rm.Key(), "session_id", client.SessionID)
	}
}

// snapshotOf renders the full read-model state for one conversation.
func snapshotOf(rm *chat.ReadModel) v1.ConversationStatePayload {
	msgs := rm.Messages()

	out := v1.ConversationStatePayload{
		Key:         rm.Key(),
		State:       rm.State().String(),
		Stale:       rm.Stale(),
		UnreadCount: rm.UnreadCount(),
		Messages:    make([]v1.Message, 0, len(msgs)),
	}

	actors := make(map[string]struct{})
	for _, m := range msgs {
		wm := chat.ToWireMessage(m)
		if views := rm.Reactions(m.ID); len(views) > 0 {
			if out.Reactions == nil {
				out.Reactions = make(map[string][]v1.ReactionView)
			}
			out.Reactions[m.ID] = chat.ToWireReactions(views)
		}
		out.Messages = append(out.Messages, wm)
		actors[m.AuthorID] = struct{}{}
	}

	for actor := range actors {
		out.Presence = append(out.Presence, chat.ToWirePresence(rm.Presence(actor)))
	}
	return out
}

// ---- send helpers ----

func (g *Gateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := newEnvelope(v1.TypeError, "", "", p)
	_ = g.enqueue(ctx, client, env)
}

func (g *Gateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

// newEnvelope builds an outbound envelope. Replies reuse the request id so
// clients can correlate; pushes get a fresh id.
func newEnvelope(typ, correlationID, key string, payload json.RawMessage) v1.Envelope {
	id := correlationID
	if id == "" {
		id = NewRandomHex(10)
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		Key:     key,
		TS:      time.Now().UTC(),
		Payload: payload,
	}
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
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from the allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
