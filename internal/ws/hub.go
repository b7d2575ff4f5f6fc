package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"netrax/internal/channel"
	"netrax/internal/content"
	"netrax/internal/conversation"
	"netrax/internal/models"
	"netrax/internal/presence"
	"netrax/internal/sender"
	"netrax/internal/unread"

	"go.uber.org/zap"
)

const sessionBuffer = 100

var ErrUnknownParticipant = errors.New("unknown participant")

// Store resolves participants and reads conversation history.
type Store interface {
	GetParticipant(username string) (models.Participant, error)
	ListParticipants() ([]models.Participant, error)
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
}

// StateFactory returns the private state store of a viewer.
type StateFactory func(viewer string) unread.StateStore

// Session is one connected view of a participant.
type Session struct {
	ID       uint64
	Username string
	Out      chan models.ServerMessage

	open map[string]channel.Unsubscribe
}

type viewer struct {
	counter    *unread.Counter
	sessions   map[uint64]*Session
	background map[string]channel.Unsubscribe
}

type Hub struct {
	store     Store
	channel   *channel.Channel
	sender    *sender.Sender
	presence  *presence.Tracker
	state     StateFactory
	logger    *zap.SugaredLogger

	mu         sync.Mutex
	viewers    map[string]*viewer
	sessionSeq uint64

	stopPresence func()
}

func NewHub(
	store Store,
	ch *channel.Channel,
	snd *sender.Sender,
	tracker *presence.Tracker,
	state StateFactory,
	logger *zap.SugaredLogger,
) *Hub {
	h := &Hub{
		store:     store,
		channel:   ch,
		sender:    snd,
		presence:  tracker,
		state:     state,
		logger:    logger,
		viewers:   make(map[string]*viewer),
	}
	h.stopPresence = tracker.Subscribe(h.handlePresence)
	return h
}

// Close detaches the hub from the presence tracker.
func (h *Hub) Close() {
	h.stopPresence()
}

// Join registers a new view of a participant. The first view of a
// participant starts background subscriptions to all of their conversations
// so unread counts stay current.
func (h *Hub) Join(username string) (*Session, error) {
	if _, err := h.store.GetParticipant(username); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownParticipant, username)
		}
		return nil, err
	}
	participants, err := h.store.ListParticipants()
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}

	h.mu.Lock()
	v, ok := h.viewers[username]
	if !ok {
		v = &viewer{
			counter:    unread.NewCounter(username, h.state(username), h.logger),
			sessions:   make(map[uint64]*Session),
			background: make(map[string]channel.Unsubscribe),
		}
		v.counter.OnChange(func(counts map[string]int) {
			h.broadcast(username, models.ServerMessage{Type: models.ServerMessageTypeUnread, Unread: counts})
		})
		h.viewers[username] = v
		for _, p := range participants {
			h.watchConversation(username, v, p.Username)
		}
	}

	h.sessionSeq++
	s := &Session{
		ID:       h.sessionSeq,
		Username: username,
		Out:      make(chan models.ServerMessage, sessionBuffer),
		open:     make(map[string]channel.Unsubscribe),
	}
	v.sessions[s.ID] = s
	counts := v.counter.Counts()
	h.mu.Unlock()

	h.logger.Debugw("view joined", "username", username, "session", s.ID)

	if h.presence.Get(username) == presence.StatusOffline {
		h.presence.Set(username, presence.StatusActive)
	}

	h.deliver(s, models.ServerMessage{Type: models.ServerMessageTypePresence, Presence: h.presenceViews()})
	h.deliver(s, models.ServerMessage{Type: models.ServerMessageTypeUnread, Unread: counts})
	return s, nil
}

// watchConversation must be called with h.mu held.
func (h *Hub) watchConversation(username string, v *viewer, peer string) {
	if peer == username {
		return
	}
	conv, err := conversation.New(username, peer)
	if err != nil {
		h.logger.Warnw("skipping conversation", "username", username, "peer", peer, "error", err)
		return
	}
	id := conv.ID()
	if _, ok := v.background[id]; ok {
		return
	}
	counter := v.counter
	v.background[id] = h.channel.Subscribe(id, func(messages []models.Message) {
		if _, err := counter.Observe(id, messages); err != nil {
			h.logger.Warnw("failed to update unread count", "viewer", username, "conversation_id", id, "error", err)
		}
	})
}

// Leave removes a view. When the last view of a participant leaves, their
// background subscriptions stop and they are shown offline.
func (h *Hub) Leave(s *Session) {
	h.mu.Lock()
	v, ok := h.viewers[s.Username]
	if !ok || v.sessions[s.ID] != s {
		h.mu.Unlock()
		return
	}
	delete(v.sessions, s.ID)

	closed := make([]string, 0, len(s.open))
	for id, unsubscribe := range s.open {
		unsubscribe()
		closed = append(closed, id)
	}
	s.open = nil
	close(s.Out)

	last := len(v.sessions) == 0
	if last {
		for _, unsubscribe := range v.background {
			unsubscribe()
		}
		delete(h.viewers, s.Username)
	}
	h.mu.Unlock()

	for _, id := range closed {
		v.counter.Close(id)
	}
	if last {
		v.counter.Stop()
		h.presence.Set(s.Username, presence.StatusOffline)
	}
	h.logger.Debugw("view left", "username", s.Username, "session", s.ID)
}

// Dispatch handles one client message of a session. Failures are reported
// back to the session and never end it.
func (h *Hub) Dispatch(ctx context.Context, s *Session, msg models.ClientMessage) {
	var err error
	switch msg.Type {
	case models.ClientMessageTypeOpen:
		err = h.open(s, msg.Peer)
	case models.ClientMessageTypeClose:
		h.closeConversation(s, msg.ConversationID)
	case models.ClientMessageTypeSend:
		err = h.send(ctx, s, msg.Peer, msg.Content)
	case models.ClientMessageTypeRead:
		err = h.markRead(s, msg.ConversationID)
	case models.ClientMessageTypePresence:
		err = h.SetPresence(s.Username, msg.Status)
	default:
		err = fmt.Errorf("unknown message type %q", msg.Type)
	}

	if err != nil {
		h.logger.Debugw("client message rejected", "username", s.Username, "type", msg.Type, "error", err)
		h.deliver(s, models.ServerMessage{
			Type:           models.ServerMessageTypeError,
			ConversationID: msg.ConversationID,
			Error:          err.Error(),
		})
	}
}

func (h *Hub) open(s *Session, peer string) error {
	if _, err := h.store.GetParticipant(peer); err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, peer)
	}
	conv, err := conversation.New(s.Username, peer)
	if err != nil {
		return err
	}
	id := conv.ID()

	h.mu.Lock()
	v, ok := h.viewers[s.Username]
	if !ok || s.open == nil {
		h.mu.Unlock()
		return nil
	}
	if _, opened := s.open[id]; opened {
		h.mu.Unlock()
		return nil
	}
	h.watchConversation(s.Username, v, peer)
	s.open[id] = h.channel.Subscribe(id, func(messages []models.Message) {
		h.deliver(s, models.ServerMessage{
			Type:           models.ServerMessageTypeMessages,
			ConversationID: id,
			Messages:       content.RenderMessages(messages),
		})
	})
	counter := v.counter
	h.mu.Unlock()

	return counter.Open(id)
}

func (h *Hub) closeConversation(s *Session, conversationID string) {
	h.mu.Lock()
	v, ok := h.viewers[s.Username]
	unsubscribe, opened := s.open[conversationID]
	if opened {
		delete(s.open, conversationID)
	}
	h.mu.Unlock()

	if !ok || !opened {
		return
	}
	unsubscribe()
	v.counter.Close(conversationID)
}

func (h *Hub) send(ctx context.Context, s *Session, peer, text string) error {
	from, err := h.store.GetParticipant(s.Username)
	if err != nil {
		return err
	}
	to, err := h.store.GetParticipant(peer)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, peer)
	}
	return h.sender.SendText(ctx, from, to, text)
}

func (h *Hub) markRead(s *Session, conversationID string) error {
	conv, err := conversation.Parse(conversationID)
	if err != nil {
		return err
	}
	if !conv.Has(s.Username) {
		return fmt.Errorf("not a participant of %s", conversationID)
	}
	counter := h.counter(s.Username)
	if counter == nil {
		return nil
	}
	return counter.MarkRead(conversationID)
}

// SetPresence validates and records a participant's own status.
func (h *Hub) SetPresence(username, status string) error {
	st, err := presence.ParseStatus(status)
	if err != nil {
		return err
	}
	h.presence.Set(username, st)
	return nil
}

// ParticipantAdded starts unread tracking of the new conversations that a
// directory entry creates for every connected participant.
func (h *Hub) ParticipantAdded(p models.Participant) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for username, v := range h.viewers {
		h.watchConversation(username, v, p.Username)
	}
}

// Progress pushes upload progress to every view of the uploader.
func (h *Hub) Progress(username, conversationID, fileName string, percent int) {
	h.broadcast(username, models.ServerMessage{
		Type:           models.ServerMessageTypeProgress,
		ConversationID: conversationID,
		FileName:       fileName,
		Percent:        &percent,
	})
}

// IsConnected reports whether a participant has at least one view.
func (h *Hub) IsConnected(username string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.viewers[username]
	return ok && len(v.sessions) > 0
}

// Unread returns the aggregated unread counts of a participant. Counts of a
// participant without views are recomputed from the store.
func (h *Hub) Unread(ctx context.Context, username string) (map[string]int, error) {
	if counter := h.counter(username); counter != nil {
		return counter.Counts(), nil
	}

	participants, err := h.store.ListParticipants()
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	counter := unread.NewCounter(username, h.state(username), h.logger)
	defer counter.Stop()
	for _, p := range participants {
		if p.Username == username {
			continue
		}
		id := conversation.CanonicalID(username, p.Username)
		messages, err := h.store.ListMessages(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to list messages of %s: %w", id, err)
		}
		if _, err := counter.Observe(id, messages); err != nil {
			return nil, err
		}
	}
	return counter.Counts(), nil
}

// Presence returns the status view of a participant.
func (h *Hub) Presence(username string) models.PresenceView {
	return h.presence.Get(username).View()
}

func (h *Hub) counter(username string) *unread.Counter {
	h.mu.Lock()
	defer h.mu.Unlock()
	if v, ok := h.viewers[username]; ok {
		return v.counter
	}
	return nil
}

func (h *Hub) handlePresence(username string, status presence.Status) {
	msg := models.ServerMessage{
		Type:     models.ServerMessageTypePresence,
		Presence: map[string]models.PresenceView{username: status.View()},
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, v := range h.viewers {
		for _, s := range v.sessions {
			h.enqueue(s, msg)
		}
	}
}

func (h *Hub) presenceViews() map[string]models.PresenceView {
	snapshot := h.presence.Snapshot()
	views := make(map[string]models.PresenceView, len(snapshot))
	for username, status := range snapshot {
		views[username] = status.View()
	}
	return views
}

func (h *Hub) broadcast(username string, msg models.ServerMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.viewers[username]
	if !ok {
		return
	}
	for _, s := range v.sessions {
		h.enqueue(s, msg)
	}
}

func (h *Hub) deliver(s *Session, msg models.ServerMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.viewers[s.Username]
	if !ok || v.sessions[s.ID] != s {
		return
	}
	h.enqueue(s, msg)
}

// enqueue must be called with h.mu held; it never blocks.
func (h *Hub) enqueue(s *Session, msg models.ServerMessage) {
	select {
	case s.Out <- msg:
	default:
		h.logger.Warnw("dropping message for slow view", "username", s.Username, "session", s.ID, "type", msg.Type)
	}
}
