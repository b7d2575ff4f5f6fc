package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"netrax/internal/api"
	"netrax/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const (
	adminAddr = "127.0.0.1:18881"
	apiAddr   = "127.0.0.1:18880"
)

func TestIntegration(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("NETRAX_DB", filepath.Join(dir, "integration.db"))
	t.Setenv("UPLOADS_PATH", filepath.Join(dir, "uploads"))
	t.Setenv("ADMIN_ADDR", adminAddr)
	t.Setenv("API_ADDR", apiAddr)
	t.Setenv("BASE_URL", "http://"+apiAddr)
	t.Setenv("IDENTITY_HEADER", "X-Forwarded-User")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, nil)
	}()
	defer func() {
		cancel()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Errorf("Server error: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("server did not shut down")
		}
	}()

	waitForServer(t, fmt.Sprintf("http://%s/admin/participants", adminAddr), 50)

	// Step 1: Register participants via the admin API.
	for _, req := range []api.AddParticipantRequest{
		{Username: "alice", DisplayName: "Alice"},
		{Username: "bob", DisplayName: "Bob"},
	} {
		body, _ := json.Marshal(req)
		resp, err := http.Post(fmt.Sprintf("http://%s/admin/participants", adminAddr), "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		_ = resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	// Step 2: Unauthenticated websocket is refused.
	_, resp, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/api/chat", apiAddr), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	alice := dial(t, "alice")
	bob := dial(t, "bob")

	// Step 3: alice writes, bob's conversation is closed.
	require.NoError(t, alice.WriteJSON(models.ClientMessage{Type: models.ClientMessageTypeSend, Peer: "bob", Content: "status?"}))
	readUntil(t, bob, "unread count", func(m models.ServerMessage) bool {
		return m.Type == models.ServerMessageTypeUnread && m.Unread["alice"] == 1
	})

	// Step 4: bob opens the conversation and reads it.
	require.NoError(t, bob.WriteJSON(models.ClientMessage{Type: models.ClientMessageTypeOpen, Peer: "alice"}))
	var snapshot models.ServerMessage
	read := false
	readUntil(t, bob, "history and read count", func(m models.ServerMessage) bool {
		switch {
		case m.Type == models.ServerMessageTypeMessages && len(m.Messages) == 1:
			snapshot = m
		case m.Type == models.ServerMessageTypeUnread && m.Unread["alice"] == 0:
			read = true
		}
		return read && snapshot.Type != ""
	})
	require.Equal(t, "alice--bob", snapshot.ConversationID)
	require.Equal(t, "status?", snapshot.Messages[0].Content)
	require.Equal(t, "Alice", snapshot.Messages[0].Sender.DisplayName)
	require.Equal(t, "<p>status?</p>", snapshot.Messages[0].HTML)

	// Step 5: alice uploads an attachment; it arrives in bob's open view.
	req, err := http.NewRequest(http.MethodPost,
		fmt.Sprintf("http://%s/api/conversations/bob/attachments?name=report.pdf", apiAddr),
		bytes.NewReader([]byte("%PDF-1.4 test document")))
	require.NoError(t, err)
	req.Header.Set("X-Forwarded-User", "alice")
	uploadResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = uploadResp.Body.Close() }()
	require.Equal(t, http.StatusOK, uploadResp.StatusCode)

	var uploaded api.UploadResponse
	require.NoError(t, json.NewDecoder(uploadResp.Body).Decode(&uploaded))
	require.Equal(t, models.MessageTypeFile, uploaded.Type)
	require.Equal(t, "application/pdf", uploaded.MimeType)

	progress := readUntil(t, alice, "upload complete", func(m models.ServerMessage) bool {
		return m.Type == models.ServerMessageTypeProgress && m.Percent != nil && *m.Percent == 100
	})
	require.Equal(t, "report.pdf", progress.FileName)

	snapshot = readUntil(t, bob, "attachment", func(m models.ServerMessage) bool {
		return m.Type == models.ServerMessageTypeMessages && len(m.Messages) == 2
	})
	require.Equal(t, models.MessageTypeFile, snapshot.Messages[1].Type)
	require.Equal(t, uploaded.URL, snapshot.Messages[1].Content)
	require.Equal(t, "report.pdf", snapshot.Messages[1].FileName)

	// Step 6: bob downloads it.
	req, err = http.NewRequest(http.MethodGet, uploaded.URL, nil)
	require.NoError(t, err)
	req.Header.Set("X-Forwarded-User", "bob")
	fileResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = fileResp.Body.Close() }()
	require.Equal(t, http.StatusOK, fileResp.StatusCode)
	require.Equal(t, "application/pdf", fileResp.Header.Get("Content-Type"))

	// Step 7: presence reaches the other participant.
	require.NoError(t, bob.WriteJSON(models.ClientMessage{Type: models.ClientMessageTypePresence, Status: "away"}))
	update := readUntil(t, alice, "bob away", func(m models.ServerMessage) bool {
		return m.Type == models.ServerMessageTypePresence && m.Presence["bob"].Status == "away"
	})
	require.Equal(t, "amber", update.Presence["bob"].Color)
}

func dial(t *testing.T, username string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("X-Forwarded-User", username)
	conn, resp, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/api/chat", apiAddr), header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, what string, match func(models.ServerMessage) bool) models.ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg models.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("failed waiting for %s: %v", what, err)
		}
		if match(msg) {
			return msg
		}
	}
}

func waitForServer(t *testing.T, urlStr string, retries int) {
	client := &http.Client{Timeout: 500 * time.Millisecond}

	for i := 0; i < retries; i++ {
		resp, err := client.Get(urlStr)
		if err == nil {
			_ = resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("Server failed to start at %s after %d retries", urlStr, retries)
}
