package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ConversationState is the lifecycle of an open conversation.
type ConversationState uint8

const (
	StateUnopened ConversationState = iota
	StateLoading
	StateReady
	StateClosed
)

func (s ConversationState) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unopened"
	}
}

// ConversationSummary is the conversation-list entry.
type ConversationSummary struct {
	Key         string
	Kind        Kind
	UnreadCount int
	LastMessage *LastMessage
}

// Controller orchestrates the messaging core: it owns conversation lifecycle,
// applies optimistic mutations before remote round trips, and exposes a
// stable read model per conversation.
//
// Write timeouts are detached from the caller's context: a UI request ending
// must not cancel an in-flight backend write, or the optimistic record could
// never resolve.
type Controller struct {
	log      *slog.Logger
	backend  Backend
	mux      *Multiplexer
	presence *PresenceSignal
	metrics  *Metrics

	localActor   string
	historyLimit int

	mu        sync.Mutex
	convs     map[string]*conversation
	activeKey string
}

const writeTimeout = 10 * time.Second

// NewController constructs the orchestrator for one local actor.
func NewController(log *slog.Logger, backend Backend, mux *Multiplexer, presence *PresenceSignal, metrics *Metrics, localActor string, historyLimit int) (*Controller, error) {
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(localActor) == "" {
		return nil, fmt.Errorf("%w: empty local actor", ErrInvalidIdentity)
	}
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	if historyLimit > maxHistoryLimit {
		historyLimit = maxHistoryLimit
	}
	return &Controller{
		log:          log,
		backend:      backend,
		mux:          mux,
		presence:     presence,
		metrics:      metrics,
		localActor:   localActor,
		historyLimit: historyLimit,
		convs:        make(map[string]*conversation),
	}, nil
}

// LocalActor returns the actor id this controller writes as.
func (c *Controller) LocalActor() string { return c.localActor }

// OpenDM derives the DM key for peer and opens it.
func (c *Controller) OpenDM(peer string) (*ReadModel, error) {
	key, err := DeriveDMKey(c.localActor, peer)
	if err != nil {
		return nil, err
	}
	return c.Open(key)
}

// OpenRoom derives the room key for name and opens it.
func (c *Controller) OpenRoom(name string) (*ReadModel, error) {
	key, err := DeriveRoomKey(name)
	if err != nil {
		return nil, err
	}
	return c.Open(key)
}

// Open loads history and subscribes for key, returning the read model
// immediately. The conversation flips to Ready once both the history load and
// the subscription confirmation complete; the two race freely. Repeated opens
// share one conversation and bump its viewer count.
func (c *Controller) Open(key string) (*ReadModel, error) {
	kind, err := KindOfKey(key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	conv, ok := c.convs[key]
	if ok {
		conv.refs++
		c.mu.Unlock()
		return &ReadModel{conv: conv}, nil
	}

	conv = &conversation{
		ctrl:         c,
		key:          key,
		kind:         kind,
		refs:         1,
		state:        StateLoading,
		store:        NewMessageStore(c.log, key),
		reactions:    NewReactionAggregator(),
		reactionEcho: make(map[reactionTuple]int),
	}
	c.convs[key] = conv
	gen := conv.gen
	c.mu.Unlock()

	c.metrics.conversations(1)
	c.log.Info("controller.open", "key", key, "kind", string(kind))

	c.mux.Open(key, conv)
	go c.loadHistory(conv, gen)

	return &ReadModel{conv: conv}, nil
}

// Close drops one viewer reference; at zero the conversation is evicted and
// its subscription released. Late history or subscription results for the
// evicted generation are discarded.
func (c *Controller) Close(key string) {
	c.mu.Lock()
	conv, ok := c.convs[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	conv.refs--
	if conv.refs > 0 {
		c.mu.Unlock()
		return
	}
	delete(c.convs, key)
	if c.activeKey == key {
		c.activeKey = ""
	}
	c.mu.Unlock()

	conv.close()
	c.mux.Close(key)
	c.metrics.conversations(-1)
	c.log.Info("controller.close", "key", key)
}

// Activate marks key as the active conversation and resets its unread count.
func (c *Controller) Activate(key string) {
	c.mu.Lock()
	c.activeKey = key
	conv := c.convs[key]
	c.mu.Unlock()

	if conv != nil {
		conv.resetUnread()
	}
}

// Conversations returns summaries for all open conversations.
func (c *Controller) Conversations() []ConversationSummary {
	c.mu.Lock()
	convs := make([]*conversation, 0, len(c.convs))
	for _, conv := range c.convs {
		convs = append(convs, conv)
	}
	c.mu.Unlock()

	out := make([]ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		out = append(out, conv.summary())
	}
	return out
}

// Send inserts an optimistic message and issues the backend write. It returns
// the temporary id synchronously; resolution is observed via the read model.
// A failed write leaves the record visible in the failed state.
func (c *Controller) Send(key, body, parentID string) (string, error) {
	conv, err := c.ready(key)
	if err != nil {
		return "", err
	}

	body = strings.TrimSpace(body)
	if body == "" {
		return "", fmt.Errorf("%w: empty body", ErrRemoteWriteFailed)
	}
	if len([]rune(body)) > maxBodyChars {
		return "", fmt.Errorf("%w: body too long (max %d chars)", ErrRemoteWriteFailed, maxBodyChars)
	}

	now := time.Now().UTC()
	tempID, err := conv.store.InsertOptimistic(Message{
		AuthorID:  c.localActor,
		Body:      body,
		CreatedAt: now,
		ParentID:  parentID,
	})
	if err != nil {
		return "", err
	}
	conv.noteLocalMessage(c.localActor, body, now)
	conv.emit()

	go c.resolveSend(conv, tempID, Message{
		ID:              tempID,
		ConversationKey: key,
		AuthorID:        c.localActor,
		Body:            body,
		CreatedAt:       now,
		ParentID:        parentID,
	})
	return tempID, nil
}

// RetrySend re-issues the backend write for a failed optimistic record.
// Retry is explicit by design: silent auto-retry risks duplicate sends.
func (c *Controller) RetrySend(key, tempID string) error {
	conv, err := c.ready(key)
	if err != nil {
		return err
	}
	msg, ok := conv.store.Get(tempID)
	if !ok || msg.State != DeliveryFailed {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, tempID)
	}

	conv.store.MarkPending(tempID)
	conv.emit()

	go c.resolveSend(conv, tempID, msg)
	return nil
}

// DiscardFailed drops a failed optimistic record on explicit user action.
func (c *Controller) DiscardFailed(key, tempID string) error {
	conv, err := c.conversation(key)
	if err != nil {
		return err
	}
	if err := conv.store.Discard(tempID); err != nil {
		return err
	}
	conv.emit()
	return nil
}

// Edit applies the new body optimistically and issues the backend update.
func (c *Controller) Edit(key, messageID, body string) error {
	conv, err := c.ready(key)
	if err != nil {
		return err
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return fmt.Errorf("%w: empty body", ErrRemoteWriteFailed)
	}

	msg, ok := conv.store.Get(messageID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}

	msg.Body = body
	msg.EditedAt = time.Now().UTC()
	conv.store.Merge(msg)
	conv.emit()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if _, err := c.backend.Update(ctx, messageID, MessagePatch{Body: &body}); err != nil {
			conv.fail(fmt.Errorf("%w: edit %s: %v", ErrRemoteWriteFailed, messageID, err))
		}
	}()
	return nil
}

// Delete tombstones the message optimistically and issues the backend delete.
func (c *Controller) Delete(key, messageID string) error {
	conv, err := c.ready(key)
	if err != nil {
		return err
	}

	conv.store.Remove(messageID)
	conv.reactions.Forget(messageID)
	conv.emit()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := c.backend.Delete(ctx, messageID); err != nil {
			conv.fail(fmt.Errorf("%w: delete %s: %v", ErrRemoteWriteFailed, messageID, err))
		}
	}()
	return nil
}

// React toggles the local actor's reaction optimistically and issues the
// backend write. The authoritative echo of this toggle is suppressed so the
// optimistic application is not reverted.
func (c *Controller) React(key, messageID, emoji string) error {
	conv, err := c.ready(key)
	if err != nil {
		return err
	}
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return fmt.Errorf("%w: empty emoji", ErrRemoteWriteFailed)
	}

	tuple := reactionTuple{messageID: messageID, actorID: c.localActor, emoji: emoji}
	conv.addEcho(tuple)
	conv.reactions.Toggle(messageID, c.localActor, emoji)
	conv.emit()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := c.backend.ToggleReaction(ctx, key, messageID, c.localActor, emoji); err != nil {
			// Undo the optimistic toggle and forget the expected echo.
			conv.dropEcho(tuple)
			conv.reactions.Toggle(messageID, c.localActor, emoji)
			conv.fail(fmt.Errorf("%w: react %s: %v", ErrRemoteWriteFailed, messageID, err))
		}
	}()
	return nil
}

// Pin requests pinning messageID. Pins are intentionally not optimistic: the
// single atomic unpin-then-pin pass is always derived from the authoritative
// event, so racing pins from different viewers converge on the backend's last
// write instead of flickering between two pinned states.
func (c *Controller) Pin(key, messageID string) error {
	return c.setPinned(key, messageID, true)
}

// Unpin requests unpinning messageID (authoritative-only, like Pin).
func (c *Controller) Unpin(key, messageID string) error {
	return c.setPinned(key, messageID, false)
}

func (c *Controller) setPinned(key, messageID string, pinned bool) error {
	conv, err := c.ready(key)
	if err != nil {
		return err
	}
	if _, ok := conv.store.Get(messageID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if _, err := c.backend.Update(ctx, messageID, MessagePatch{Pinned: &pinned}); err != nil {
			conv.fail(fmt.Errorf("%w: pin %s: %v", ErrRemoteWriteFailed, messageID, err))
		}
	}()
	return nil
}

// SetTyping sets the local actor's typing flag and publishes it.
func (c *Controller) SetTyping(key string, typing bool) error {
	conv, err := c.ready(key)
	if err != nil {
		return err
	}

	c.presence.SetTyping(c.localActor, typing, time.Now().UTC())
	conv.emit()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := c.backend.PublishPresence(ctx, key, c.localActor, typing); err != nil {
			c.log.Info("controller.presence.publish_fail", "key", key, "err", err)
		}
	}()
	return nil
}

// Heartbeat refreshes the local actor's presence and publishes it to every
// open conversation.
func (c *Controller) Heartbeat(ctx context.Context) {
	now := time.Now().UTC()
	c.presence.Heartbeat(c.localActor, now)
	typing := c.presence.Snapshot(c.localActor, now).Typing

	for _, s := range c.Conversations() {
		pubCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		if err := c.backend.PublishPresence(pubCtx, s.Key, c.localActor, typing); err != nil {
			c.log.Debug("controller.heartbeat.publish_fail", "key", s.Key, "err", err)
		}
		cancel()
	}
}

// RunHeartbeat publishes the local actor's presence for every open
// conversation at the given interval, until ctx is done.
func (c *Controller) RunHeartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = onlineWindow / 3
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Heartbeat(ctx)
		}
	}
}

// ---- internals ----

func (c *Controller) conversation(key string) (*conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.convs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConversationClosed, key)
	}
	return conv, nil
}

func (c *Controller) ready(key string) (*conversation, error) {
	conv, err := c.conversation(key)
	if err != nil {
		return nil, err
	}
	if conv.currentState() != StateReady {
		return nil, fmt.Errorf("%w: %s", ErrNotReady, key)
	}
	return conv, nil
}

func (c *Controller) isActive(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeKey == key
}

func (c *Controller) resolveSend(conv *conversation, tempID string, optimistic Message) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	authoritative, err := c.backend.Insert(ctx, optimistic)
	if err != nil {
		conv.store.MarkFailed(tempID)
		c.metrics.sendFailed()
		conv.fail(fmt.Errorf("%w: send: %v", ErrRemoteWriteFailed, err))
		return
	}

	conv.store.Reconcile(tempID, authoritative)
	conv.noteLocalMessage(authoritative.AuthorID, authoritative.Body, authoritative.CreatedAt)
	conv.emit()
}

// loadHistory fetches the initial page with retry and backoff. The
// conversation stays Loading until it resolves; late results for a closed
// generation are discarded.
func (c *Controller) loadHistory(conv *conversation, gen uint64) {
	delay := resubscribeBase
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
			if delay > resubscribeMax {
				delay = resubscribeMax
			}
		}
		if !conv.currentGen(gen) {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		page, err := c.backend.FetchHistory(ctx, conv.key, c.historyLimit)
		cancel()
		if err != nil {
			c.log.Info("controller.history.fail", "key", conv.key, "attempt", attempt,
				"err", fmt.Errorf("%w: %v", ErrHistoryLoadFailed, err))
			continue
		}

		if !conv.currentGen(gen) {
			c.log.Info("controller.history.discard_stale", "key", conv.key)
			return
		}

		// Newest-first fetch, reversed for display order. The store sorts
		// anyway; reversing keeps merge effects chronological.
		for i := len(page) - 1; i >= 0; i-- {
			conv.store.Merge(page[i])
		}
		if len(page) > 0 {
			newest := page[0]
			conv.noteLocalMessage(newest.AuthorID, newest.Body, newest.CreatedAt)
		}
		conv.historyLoaded()
		c.log.Info("controller.history.loaded", "key", conv.key, "count", len(page))
		return
	}
}

// ---- conversation ----

type reactionTuple struct {
	messageID string
	actorID   string
	emoji     string
}

// conversation is the controller-owned per-key state. It implements Target
// for the multiplexer's routed callbacks.
type conversation struct {
	ctrl *Controller
	key  string
	kind Kind

	store     *MessageStore
	reactions *ReactionAggregator

	mu          sync.Mutex
	refs        int
	gen         uint64
	state       ConversationState
	stale       bool
	historyDone bool
	subLive     bool
	unread      int
	lastMessage *LastMessage
	lastError   string

	// reactionEcho counts expected authoritative echoes of our own optimistic
	// toggles so they are not applied twice.
	reactionEcho map[reactionTuple]int

	watchers []chan struct{}
}

func (v *conversation) ApplyMessage(ev ChangeEvent) {
	switch ev.Op {
	case OpDelete:
		v.store.Remove(ev.Row.ID)
		v.reactions.Forget(ev.Row.ID)
	default:
		msg := ev.Row.Message()
		v.store.Merge(msg)
		if ev.Op == OpInsert && msg.AuthorID != v.ctrl.localActor && !v.ctrl.isActive(v.key) {
			v.incrementUnread()
		}
		v.noteLocalMessage(msg.AuthorID, msg.Body, msg.CreatedAt)
		v.ctrl.presence.Heartbeat(msg.AuthorID, ev.Revision())
	}
	v.emit()
}

func (v *conversation) ApplyReaction(ev ChangeEvent) {
	tuple := reactionTuple{messageID: ev.Row.MessageID, actorID: ev.Row.ActorID, emoji: ev.Row.Emoji}
	if tuple.actorID == v.ctrl.localActor && v.dropEcho(tuple) {
		return
	}

	has := v.reactions.Has(tuple.messageID, tuple.actorID, tuple.emoji)
	switch ev.Op {
	case OpDelete:
		if has {
			v.reactions.Toggle(tuple.messageID, tuple.actorID, tuple.emoji)
		}
	default:
		if !has {
			v.reactions.Toggle(tuple.messageID, tuple.actorID, tuple.emoji)
		}
	}
	v.emit()
}

func (v *conversation) SetStale(stale bool) {
	v.mu.Lock()
	v.stale = stale
	if !stale {
		v.subLive = true
	}
	v.maybeReadyLocked()
	v.mu.Unlock()
	v.emit()
}

func (v *conversation) historyLoaded() {
	v.mu.Lock()
	v.historyDone = true
	v.maybeReadyLocked()
	v.mu.Unlock()
	v.emit()
}

// maybeReadyLocked flips Loading -> Ready once history and subscription have
// both completed, in either order.
func (v *conversation) maybeReadyLocked() {
	if v.state == StateLoading && v.historyDone && v.subLive {
		v.state = StateReady
		v.ctrl.log.Info("conversation.ready", "key", v.key)
	}
}

func (v *conversation) currentState() ConversationState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

func (v *conversation) currentGen(gen uint64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state != StateClosed && v.gen == gen
}

func (v *conversation) close() {
	v.mu.Lock()
	v.state = StateClosed
	v.gen++
	watchers := v.watchers
	v.watchers = nil
	v.mu.Unlock()

	for _, w := range watchers {
		close(w)
	}
}

func (v *conversation) incrementUnread() {
	v.mu.Lock()
	v.unread++
	v.mu.Unlock()
}

func (v *conversation) resetUnread() {
	v.mu.Lock()
	v.unread = 0
	v.mu.Unlock()
	v.emit()
}

func (v *conversation) noteLocalMessage(authorID, body string, at time.Time) {
	v.mu.Lock()
	if v.lastMessage == nil || at.After(v.lastMessage.CreatedAt) {
		v.lastMessage = &LastMessage{AuthorID: authorID, Preview: previewOf(body), CreatedAt: at}
	}
	v.mu.Unlock()
}

func (v *conversation) fail(err error) {
	v.mu.Lock()
	v.lastError = err.Error()
	v.mu.Unlock()
	v.ctrl.log.Info("conversation.write_failed", "key", v.key, "err", err)
	v.emit()
}

func (v *conversation) addEcho(t reactionTuple) {
	v.mu.Lock()
	v.reactionEcho[t]++
	v.mu.Unlock()
}

func (v *conversation) dropEcho(t reactionTuple) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.reactionEcho[t] > 0 {
		v.reactionEcho[t]--
		if v.reactionEcho[t] == 0 {
			delete(v.reactionEcho, t)
		}
		return true
	}
	return false
}

func (v *conversation) summary() ConversationSummary {
	v.mu.Lock()
	defer v.mu.Unlock()

	s := ConversationSummary{Key: v.key, Kind: v.kind, UnreadCount: v.unread}
	if v.lastMessage != nil {
		lm := *v.lastMessage
		s.LastMessage = &lm
	}
	return s
}

// emit notifies watchers without blocking: each watcher channel has capacity
// one, so bursts coalesce into a single wakeup.
func (v *conversation) emit() {
	v.mu.Lock()
	watchers := append([]chan struct{}(nil), v.watchers...)
	v.mu.Unlock()

	for _, w := range watchers {
		select {
		case w <- struct{}{}:
		default:
		}
	}
}

// ---- read model ----

// ReadModel is the stable per-conversation view handed to UI collaborators.
// All accessors are safe for concurrent use and re-read live state.
type ReadModel struct {
	conv *conversation
}

// Key returns the conversation key.
func (r *ReadModel) Key() string { return r.conv.key }

// Kind returns the conversation kind.
func (r *ReadModel) Kind() Kind { return r.conv.kind }

// State returns the conversation lifecycle state.
func (r *ReadModel) State() ConversationState { return r.conv.currentState() }

// Stale reports reduced-trust mode: the push subscription dropped and has not
// resumed yet.
func (r *ReadModel) Stale() bool {
	r.conv.mu.Lock()
	defer r.conv.mu.Unlock()
	return r.conv.stale
}

// Messages returns the ordered visible messages.
func (r *ReadModel) Messages() []Message { return r.conv.store.Messages() }

// Filter returns visible messages whose body contains substr.
func (r *ReadModel) Filter(substr string) []Message {
	all := r.conv.store.Messages()
	if substr == "" {
		return all
	}
	out := make([]Message, 0, len(all))
	for _, m := range all {
		if strings.Contains(m.Body, substr) {
			out = append(out, m)
		}
	}
	return out
}

// Reactions returns the aggregated reaction rows for one message, relative to
// the local actor.
func (r *ReadModel) Reactions(messageID string) []ReactionView {
	return r.conv.reactions.View(messageID, r.conv.ctrl.localActor)
}

// Presence returns the decayed presence snapshot for one actor.
func (r *ReadModel) Presence(actorID string) PresenceView {
	return r.conv.ctrl.presence.Snapshot(actorID, time.Now().UTC())
}

// Pinned returns the pinned message, when one is loaded.
func (r *ReadModel) Pinned() (Message, bool) { return r.conv.store.Pinned() }

// UnreadCount returns the messages received while the conversation was
// inactive.
func (r *ReadModel) UnreadCount() int {
	r.conv.mu.Lock()
	defer r.conv.mu.Unlock()
	return r.conv.unread
}

// LastError surfaces the most recent failed remote write, if any.
func (r *ReadModel) LastError() string {
	r.conv.mu.Lock()
	defer r.conv.mu.Unlock()
	return r.conv.lastError
}

// LastMessage returns the conversation-list preview entry.
func (r *ReadModel) LastMessage() (LastMessage, bool) {
	r.conv.mu.Lock()
	defer r.conv.mu.Unlock()
	if r.conv.lastMessage == nil {
		return LastMessage{}, false
	}
	return *r.conv.lastMessage, true
}

// Updates registers and returns a change-notification channel. It has
// capacity one and coalesces bursts; it is closed when the conversation is
// evicted.
func (r *ReadModel) Updates() <-chan struct{} {
	ch := make(chan struct{}, 1)

	r.conv.mu.Lock()
	if r.conv.state == StateClosed {
		r.conv.mu.Unlock()
		close(ch)
		return ch
	}
	r.conv.watchers = append(r.conv.watchers, ch)
	r.conv.mu.Unlock()

	return ch
}
