package ws

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"netrax/internal/channel"
	"netrax/internal/logging"
	"netrax/internal/models"
	"netrax/internal/presence"
	"netrax/internal/sender"
	"netrax/internal/storage"
	"netrax/internal/unread"
)

func newTestHub(t *testing.T) (*Hub, *storage.BboltStorage) {
	t.Helper()
	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	for _, p := range []models.Participant{
		{Username: "alice", DisplayName: "Alice"},
		{Username: "bob", DisplayName: "Bob"},
	} {
		if err := store.UpsertParticipant(p); err != nil {
			t.Fatal(err)
		}
	}

	logger := logging.Nop()
	hub := NewHub(
		store,
		channel.New(store, logger),
		sender.New(store, logger),
		presence.NewTracker(),
		func(viewer string) unread.StateStore { return store.ViewerState(viewer) },
		logger,
	)
	t.Cleanup(hub.Close)
	return hub, store
}

func waitFor(t *testing.T, out <-chan models.ServerMessage, what string, match func(models.ServerMessage) bool) models.ServerMessage {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-out:
			if !ok {
				t.Fatalf("session closed while waiting for %s", what)
			}
			if match(msg) {
				return msg
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", what)
		}
	}
}

func TestHub_Lifecycle(t *testing.T) {
	hub, _ := newTestHub(t)
	ctx := context.Background()

	bob, err := hub.Join("bob")
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	alice, err := hub.Join("alice")
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	if _, err := hub.Join("mallory"); !errors.Is(err, ErrUnknownParticipant) {
		t.Errorf("expected ErrUnknownParticipant, got %v", err)
	}

	// 1. alice comes online.
	waitFor(t, bob.Out, "alice presence", func(m models.ServerMessage) bool {
		return m.Type == models.ServerMessageTypePresence && m.Presence["alice"].Status == string(presence.StatusActive)
	})

	// 2. alice sends while bob's conversation is closed.
	hub.Dispatch(ctx, alice, models.ClientMessage{Type: models.ClientMessageTypeSend, Peer: "bob", Content: "status?"})
	waitFor(t, bob.Out, "unread count", func(m models.ServerMessage) bool {
		return m.Type == models.ServerMessageTypeUnread && m.Unread["alice"] == 1
	})

	// 3. bob opens the conversation.
	hub.Dispatch(ctx, bob, models.ClientMessage{Type: models.ClientMessageTypeOpen, Peer: "alice"})
	snapshot := waitFor(t, bob.Out, "history", func(m models.ServerMessage) bool {
		return m.Type == models.ServerMessageTypeMessages && len(m.Messages) == 1
	})
	if snapshot.ConversationID != "alice--bob" || snapshot.Messages[0].HTML != "<p>status?</p>" {
		t.Errorf("unexpected snapshot: %+v", snapshot)
	}
	counts, err := hub.Unread(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if counts["alice"] != 0 {
		t.Errorf("expected opened conversation to be read, got %v", counts)
	}

	// 4. Messages to an open conversation arrive as snapshots and stay read.
	hub.Dispatch(ctx, alice, models.ClientMessage{Type: models.ClientMessageTypeSend, Peer: "bob", Content: "**all clear**"})
	snapshot = waitFor(t, bob.Out, "second message", func(m models.ServerMessage) bool {
		return m.Type == models.ServerMessageTypeMessages && len(m.Messages) == 2
	})
	if snapshot.Messages[1].HTML != "<p><strong>all clear</strong></p>" || snapshot.Messages[1].Content != "**all clear**" {
		t.Errorf("unexpected rendering: %+v", snapshot.Messages[1])
	}
	if snapshot.Messages[0].Timestamp >= snapshot.Messages[1].Timestamp {
		t.Error("snapshot not ordered by timestamp")
	}

	// 5. Self messages are rejected without ending the session.
	hub.Dispatch(ctx, alice, models.ClientMessage{Type: models.ClientMessageTypeSend, Peer: "alice", Content: "note"})
	waitFor(t, alice.Out, "self-send error", func(m models.ServerMessage) bool {
		return m.Type == models.ServerMessageTypeError
	})

	// 6. Presence changes fan out with their color.
	hub.Dispatch(ctx, bob, models.ClientMessage{Type: models.ClientMessageTypePresence, Status: "in_meeting"})
	update := waitFor(t, alice.Out, "bob presence", func(m models.ServerMessage) bool {
		return m.Type == models.ServerMessageTypePresence && m.Presence["bob"].Status == "in_meeting"
	})
	if update.Presence["bob"].Color != "purple" {
		t.Errorf("expected purple, got %s", update.Presence["bob"].Color)
	}
	hub.Dispatch(ctx, bob, models.ClientMessage{Type: models.ClientMessageTypePresence, Status: "busy"})
	waitFor(t, bob.Out, "invalid status error", func(m models.ServerMessage) bool {
		return m.Type == models.ServerMessageTypeError
	})

	// 7. Upload progress reaches only the uploader.
	hub.Progress("alice", "alice--bob", "map.png", 40)
	progress := waitFor(t, alice.Out, "progress", func(m models.ServerMessage) bool {
		return m.Type == models.ServerMessageTypeProgress
	})
	if progress.Percent == nil || *progress.Percent != 40 || progress.FileName != "map.png" {
		t.Errorf("unexpected progress message: %+v", progress)
	}

	// 8. Leave.
	if !hub.IsConnected("bob") {
		t.Error("bob should be connected")
	}
	hub.Leave(bob)
	hub.Leave(bob)
	for range bob.Out {
	}
	if hub.IsConnected("bob") {
		t.Error("bob should be disconnected")
	}
	waitFor(t, alice.Out, "bob offline", func(m models.ServerMessage) bool {
		return m.Type == models.ServerMessageTypePresence && m.Presence["bob"].Status == "offline"
	})

	counts, err = hub.Unread(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if counts["alice"] != 0 {
		t.Errorf("expected persisted counts, got %v", counts)
	}
}

func TestHub_UnreadAcrossViews(t *testing.T) {
	hub, store := newTestHub(t)
	ctx := context.Background()

	view1, err := hub.Join("bob")
	if err != nil {
		t.Fatal(err)
	}
	view2, err := hub.Join("bob")
	if err != nil {
		t.Fatal(err)
	}

	alice, err := store.GetParticipant("alice")
	if err != nil {
		t.Fatal(err)
	}
	bob, err := store.GetParticipant("bob")
	if err != nil {
		t.Fatal(err)
	}
	if err := sender.New(store, logging.Nop()).SendText(ctx, alice, bob, "ping"); err != nil {
		t.Fatal(err)
	}

	for _, out := range []chan models.ServerMessage{view1.Out, view2.Out} {
		waitFor(t, out, "unread count", func(m models.ServerMessage) bool {
			return m.Type == models.ServerMessageTypeUnread && m.Unread["alice"] == 1
		})
	}

	hub.Dispatch(ctx, view1, models.ClientMessage{Type: models.ClientMessageTypeRead, ConversationID: "alice--bob"})
	waitFor(t, view2.Out, "cleared count", func(m models.ServerMessage) bool {
		return m.Type == models.ServerMessageTypeUnread && m.Unread["alice"] == 0
	})

	hub.Dispatch(ctx, view1, models.ClientMessage{Type: models.ClientMessageTypeRead, ConversationID: "alice--carol"})
	waitFor(t, view1.Out, "foreign conversation error", func(m models.ServerMessage) bool {
		return m.Type == models.ServerMessageTypeError && m.ConversationID == "alice--carol"
	})

	hub.Leave(view1)
	if !hub.IsConnected("bob") {
		t.Error("bob still has a view")
	}
}

func TestHub_ParticipantAdded(t *testing.T) {
	hub, store := newTestHub(t)
	ctx := context.Background()

	bob, err := hub.Join("bob")
	if err != nil {
		t.Fatal(err)
	}

	carol := models.Participant{Username: "carol", DisplayName: "Carol"}
	if err := store.UpsertParticipant(carol); err != nil {
		t.Fatal(err)
	}
	hub.ParticipantAdded(carol)

	bobParticipant, err := store.GetParticipant("bob")
	if err != nil {
		t.Fatal(err)
	}
	if err := sender.New(store, logging.Nop()).SendText(ctx, carol, bobParticipant, "hello"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, bob.Out, "unread from new participant", func(m models.ServerMessage) bool {
		return m.Type == models.ServerMessageTypeUnread && m.Unread["carol"] == 1
	})
}

func TestHub_UnreadWithoutViews(t *testing.T) {
	hub, store := newTestHub(t)
	ctx := context.Background()

	alice, err := store.GetParticipant("alice")
	if err != nil {
		t.Fatal(err)
	}
	bob, err := store.GetParticipant("bob")
	if err != nil {
		t.Fatal(err)
	}
	snd := sender.New(store, logging.Nop())
	for _, text := range []string{"status?", "ping"} {
		if err := snd.SendText(ctx, alice, bob, text); err != nil {
			t.Fatal(err)
		}
	}

	counts, err := hub.Unread(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if counts["alice"] != 2 {
		t.Errorf("expected 2 unread from alice, got %v", counts)
	}
	counts, err = hub.Unread(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if counts["bob"] != 0 {
		t.Errorf("own messages are never unread, got %v", counts)
	}
}
