// Package main provides a CI-friendly WebSocket smoke test for a commune node.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack session establishment
//   - conversation_open -> conversation_state snapshot
//   - message_send -> message_ack (optimistic, pending)
//   - snapshot convergence to a confirmed message
//   - reaction_toggle reflected in the snapshot
//   - history fetch
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "commune/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string
	actorID   string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		room    = flag.String("room", "dev-room-1", "Room to open")
		text    = flag.String("text", "hello commune 👋", "Message body to send")
		emoji   = flag.String("emoji", "👍", "Reaction emoji to toggle")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	c := mustConnect(root, "A", *wsURL, *origin, *timeout)
	defer closeWS(c.conn)

	if *verbose {
		fmt.Printf("connected: session=%s actor=%s origin=%q\n", c.sessionID, c.actorID, *origin)
	}

	key := mustOpenRoom(root, c, *room, *timeout)

	clientMsgID := fmt.Sprintf("cmsg-%d", time.Now().UnixNano())
	tempID := mustSendAndAssertAck(root, c, key, clientMsgID, *text, *timeout)

	msgID := mustAwaitConfirmed(root, c, key, *text, tempID, *timeout)

	mustToggleReaction(root, c, key, msgID, *emoji, *timeout)
	mustAwaitReaction(root, c, key, msgID, *emoji, *timeout)

	mustHistoryFetchContains(root, c, key, msgID, *text, *timeout)

	fmt.Printf("OK: session=%s key=%s msg_id=%s\n", c.sessionID, key, msgID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	hello := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      fmt.Sprintf("%s-hello", name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{}),
	}
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello.ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello.ack missing session_id (%s)", name)
	}
	c.sessionID = p.SessionID
	c.actorID = p.ActorID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustOpenRoom(parent context.Context, c *smokeClient, room string, stepTimeout time.Duration) string {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeConversationOpen,
		ID:      fmt.Sprintf("%s-open", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.ConversationOpenPayload{Room: room}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	state := c.mustReadUntilType(parent, v1.TypeConversationState, stepTimeout, nil)

	var p v1.ConversationStatePayload
	if err := json.Unmarshal(state.Payload, &p); err != nil {
		fatalf("unmarshal conversation_state payload (%s): %v", c.name, err)
	}
	if strings.TrimSpace(p.Key) == "" {
		fatalf("conversation_state missing key (%s)", c.name)
	}
	return p.Key
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, key, clientMsgID, text string, stepTimeout time.Duration) string {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeMessageSend,
		ID:   fmt.Sprintf("%s-send-%s", c.name, clientMsgID),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.MessageSendPayload{
			Key:         key,
			ClientMsgID: clientMsgID,
			Body:        text,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	skip := map[string]struct{}{v1.TypeConversationState: {}}
	ack := c.mustReadUntilType(parent, v1.TypeMessageAck, stepTimeout, skip)

	var p v1.MessageAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal message_ack payload (%s): %v", c.name, err)
	}
	if p.Key != key {
		fatalf("ack key mismatch (%s): got=%q want=%q", c.name, p.Key, key)
	}
	if p.ClientMsgID != clientMsgID {
		fatalf("ack client_msg_id mismatch (%s): got=%q want=%q", c.name, p.ClientMsgID, clientMsgID)
	}
	if !p.Message.Pending {
		fatalf("ack message not pending (%s): id=%s", c.name, p.Message.ID)
	}
	if strings.TrimSpace(p.Message.ID) == "" {
		fatalf("ack missing optimistic message id (%s)", c.name)
	}
	return p.Message.ID
}

// mustAwaitConfirmed waits for a snapshot where the sent body appears exactly
// once, confirmed, and the optimistic id is gone.
func mustAwaitConfirmed(parent context.Context, c *smokeClient, key, text, tempID string, stepTimeout time.Duration) string {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		state := c.mustReadUntilTypeCtx(ctx, v1.TypeConversationState, nil)

		var p v1.ConversationStatePayload
		if err := json.Unmarshal(state.Payload, &p); err != nil {
			fatalf("unmarshal conversation_state payload (%s): %v", c.name, err)
		}
		if p.Key != key {
			continue
		}

		matches := 0
		confirmedID := ""
		for _, m := range p.Messages {
			if m.Body != text {
				continue
			}
			matches++
			if m.ID == tempID {
				confirmedID = ""
				break
			}
			if !m.Pending && !m.Failed {
				confirmedID = m.ID
			}
		}
		if matches > 1 {
			fatalf("message duplicated after reconcile (%s): body=%q count=%d", c.name, text, matches)
		}
		if confirmedID != "" {
			return confirmedID
		}
	}
}

func mustToggleReaction(parent context.Context, c *smokeClient, key, msgID, emoji string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeReactionToggle,
		ID:   fmt.Sprintf("%s-react", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.ReactionTogglePayload{
			Key:       key,
			MessageID: msgID,
			Emoji:     emoji,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustAwaitReaction(parent context.Context, c *smokeClient, key, msgID, emoji string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		state := c.mustReadUntilTypeCtx(ctx, v1.TypeConversationState, nil)

		var p v1.ConversationStatePayload
		if err := json.Unmarshal(state.Payload, &p); err != nil {
			fatalf("unmarshal conversation_state payload (%s): %v", c.name, err)
		}
		if p.Key != key {
			continue
		}
		for _, rv := range p.Reactions[msgID] {
			if rv.Emoji == emoji && rv.Count >= 1 && rv.Reacted {
				return
			}
		}
	}
}

func mustHistoryFetchContains(parent context.Context, c *smokeClient, key, msgID, text string, stepTimeout time.Duration) {
	req := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHistoryFetch,
		ID:      fmt.Sprintf("%s-history", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HistoryFetchPayload{Key: key, Limit: 50}),
	}
	mustWriteWithTimeout(parent, c.conn, req, stepTimeout)

	skip := map[string]struct{}{v1.TypeConversationState: {}}
	chunk := c.mustReadUntilType(parent, v1.TypeHistoryChunk, stepTimeout, skip)

	var p v1.HistoryChunkPayload
	if err := json.Unmarshal(chunk.Payload, &p); err != nil {
		fatalf("unmarshal history_chunk payload (%s): %v", c.name, err)
	}
	if p.Key != key {
		fatalf("history_chunk key mismatch (%s): got=%q want=%q", c.name, p.Key, key)
	}

	for _, m := range p.Messages {
		if m.ID == msgID && m.Body == text {
			return
		}
	}
	fatalf("history_chunk missing expected message (%s): id=%s", c.name, msgID)
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	return c.mustReadUntilTypeCtx(ctx, wantType, skipTypes)
}

func (c *smokeClient) mustReadUntilTypeCtx(ctx context.Context, wantType string, skipTypes map[string]struct{}) v1.Envelope {
	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			// Unsolicited snapshots may interleave with replies; skip them.
			if env.Type == v1.TypeConversationState {
				continue
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
