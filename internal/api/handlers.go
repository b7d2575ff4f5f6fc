package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"time"

	"netrax/internal/content"
	"netrax/internal/conversation"
	"netrax/internal/filestore"
	"netrax/internal/models"
	"netrax/internal/presence"
	"netrax/internal/sender"
	"netrax/internal/storage"
	"netrax/internal/upload"
	"netrax/internal/ws"

	"github.com/h2non/filetype"
	"go.uber.org/zap"
)

// sniffLength covers every signature filetype knows about.
const sniffLength = 261

type Deps struct {
	Auth           ws.Authenticator
	Hub            *ws.Hub
	Storage        *storage.BboltStorage
	Uploader       *upload.Uploader
	Sender         *sender.Sender
	LocalFiles     *filestore.LocalFileStore // nil when attachments live in object storage
	Objects        filestore.Presigner       // set when attachments live in object storage
	MaxUploadSize  int64
	VAPIDPublicKey string
	Logger         *zap.SugaredLogger
}

type API struct {
	Deps
}

func New(deps Deps) *API {
	return &API{Deps: deps}
}

// RequireAuth resolves the caller and stores it in the request context.
func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := a.Auth.Authenticate(r)
		if err != nil {
			if !errors.Is(err, ErrUnauthenticated) {
				a.Logger.Errorw("failed to authenticate request", "error", err)
			}
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(withParticipant(r.Context(), p)))
	}
}

// RequireSameOrigin rejects cross-site requests that carry an Origin header
// for another host.
func RequireSameOrigin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			u, err := url.Parse(origin)
			if err != nil || u.Host != r.Host {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
		}
		next(w, r)
	}
}

func (a *API) ParticipantsHandler(w http.ResponseWriter, r *http.Request) {
	participants, err := a.Storage.ListParticipants()
	if err != nil {
		a.Logger.Errorw("failed to list participants", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	views := make([]models.ParticipantView, 0, len(participants))
	for _, p := range participants {
		views = append(views, models.ParticipantView{Participant: p, Presence: a.Hub.Presence(p.Username)})
	}
	a.writeJSON(w, views)
}

func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	conv, ok := a.conversationWith(w, r)
	if !ok {
		return
	}

	messages, err := a.Storage.ListMessages(r.Context(), conv.ID())
	if err != nil {
		a.Logger.Errorw("failed to list messages", "conversation_id", conv.ID(), "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, content.RenderMessages(messages))
}

type UploadResponse struct {
	URL      string             `json:"url"`
	Path     string             `json:"path"`
	Type     models.MessageType `json:"type"`
	MimeType string             `json:"mimeType"`
	Size     int64              `json:"size"`
}

// UploadAttachmentHandler stores the raw request body and, once the object is
// stored, sends it to the peer as an attachment message. Progress is pushed
// to the uploader's websocket views.
func (a *API) UploadAttachmentHandler(w http.ResponseWriter, r *http.Request) {
	me := participantFrom(r)
	conv, ok := a.conversationWith(w, r)
	if !ok {
		return
	}
	peerName, _ := conv.Other(me.Username)
	peer, err := a.Storage.GetParticipant(peerName)
	if err != nil {
		http.Error(w, "Unknown participant", http.StatusNotFound)
		return
	}

	name := path.Base(r.URL.Query().Get("name"))
	if name == "" || name == "." || name == "/" {
		http.Error(w, "File name is required", http.StatusBadRequest)
		return
	}
	if r.ContentLength > a.MaxUploadSize {
		http.Error(w, "File too large", http.StatusRequestEntityTooLarge)
		return
	}

	body := http.MaxBytesReader(w, r.Body, a.MaxUploadSize)
	head := make([]byte, sniffLength)
	n, err := io.ReadFull(body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		a.uploadError(w, err)
		return
	}
	head = head[:n]

	mimeType := detectMIME(r.Header.Get("Content-Type"), head)
	counter := &countingReader{r: io.MultiReader(bytes.NewReader(head), body)}

	result, err := a.Uploader.Upload(r.Context(), conv.ID(), upload.File{
		Name:     name,
		Size:     max(r.ContentLength, 0),
		MimeType: mimeType,
		Body:     counter,
	}, upload.ProgressFunc(func(percent int) {
		a.Hub.Progress(me.Username, conv.ID(), name, percent)
	}))
	if err != nil {
		a.uploadError(w, err)
		return
	}

	msgType := models.MessageTypeForMIME(mimeType)
	if err := a.Storage.UpsertFileMetadata(storage.FileMetadata{
		Path:           result.Path,
		URL:            result.URL,
		Name:           name,
		MimeType:       mimeType,
		Size:           counter.n,
		CreatedAt:      time.Now().Unix(),
		Uploader:       me.Username,
		ConversationID: conv.ID(),
	}); err != nil {
		a.Logger.Errorw("failed to store file metadata", "path", result.Path, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if err := a.Sender.SendAttachment(r.Context(), me, peer, msgType, result.URL, name, counter.n); err != nil {
		a.Logger.Errorw("failed to send attachment", "conversation_id", conv.ID(), "error", err)
		http.Error(w, "Failed to send attachment", http.StatusInternalServerError)
		return
	}

	a.writeJSON(w, UploadResponse{
		URL:      result.URL,
		Path:     result.Path,
		Type:     msgType,
		MimeType: mimeType,
		Size:     counter.n,
	})
}

func (a *API) uploadError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		http.Error(w, "File too large", http.StatusRequestEntityTooLarge)
	case errors.Is(err, upload.ErrEmptyName):
		http.Error(w, "File name is required", http.StatusBadRequest)
	default:
		a.Logger.Warnw("upload failed", "error", err)
		http.Error(w, "Upload failed", http.StatusInternalServerError)
	}
}

// FileHandler serves attachments to the participants of the conversation
// they were sent in. Objects in object storage are reached through a freshly
// presigned redirect.
func (a *API) FileHandler(w http.ResponseWriter, r *http.Request) {
	objectPath := r.PathValue("path")
	meta, err := a.Storage.GetFileMetadata(objectPath)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	conv, err := conversation.Parse(meta.ConversationID)
	if err != nil || !conv.Has(participantFrom(r).Username) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	switch {
	case a.LocalFiles != nil:
		a.serveLocal(w, r, meta)
	case a.Objects != nil:
		link, err := a.Objects.PresignGet(r.Context(), objectPath)
		if err != nil {
			a.Logger.Errorw("failed to presign attachment", "path", objectPath, "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		http.Redirect(w, r, link, http.StatusFound)
	default:
		http.NotFound(w, r)
	}
}

func (a *API) serveLocal(w http.ResponseWriter, r *http.Request, meta storage.FileMetadata) {
	f, err := a.LocalFiles.Open(meta.Path)
	if err != nil {
		a.Logger.Warnw("attachment missing from file store", "path", meta.Path, "error", err)
		http.NotFound(w, r)
		return
	}
	defer func() { _ = f.Close() }()

	w.Header().Set("Content-Type", meta.MimeType)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "sandbox")
	if !servedInline(meta.MimeType) {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", meta.Name))
	}
	http.ServeContent(w, r, meta.Name, time.Unix(meta.CreatedAt, 0), f)
}

// servedInline reports whether a type can be shown in the browser. SVG is an
// image that can carry script, so it is always downloaded.
func servedInline(mimeType string) bool {
	if mimeType == "image/svg+xml" {
		return false
	}
	return models.MessageTypeForMIME(mimeType) != models.MessageTypeFile
}

type PresenceRequest struct {
	Status string `json:"status"`
}

func (a *API) PresenceHandler(w http.ResponseWriter, r *http.Request) {
	var req PresenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	me := participantFrom(r)
	if err := a.Hub.SetPresence(me.Username, req.Status); err != nil {
		if errors.Is(err, presence.ErrUnknownStatus) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, a.Hub.Presence(me.Username))
}

func (a *API) UnreadHandler(w http.ResponseWriter, r *http.Request) {
	counts, err := a.Hub.Unread(r.Context(), participantFrom(r).Username)
	if err != nil {
		a.Logger.Errorw("failed to load unread counts", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, counts)
}

// PushSubscriptionRequest is the JSON form of a browser PushSubscription.
type PushSubscriptionRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		Auth   string `json:"auth"`
		P256dh string `json:"p256dh"`
	} `json:"keys"`
}

func (a *API) PushSubscribeHandler(w http.ResponseWriter, r *http.Request) {
	var req PushSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if u, err := url.Parse(req.Endpoint); err != nil || u.Scheme != "https" {
		http.Error(w, "Invalid push endpoint", http.StatusBadRequest)
		return
	}

	if err := a.Storage.AddPushSubscription(storage.PushSubscription{
		Username: participantFrom(r).Username,
		Endpoint: req.Endpoint,
		Auth:     req.Keys.Auth,
		P256dh:   req.Keys.P256dh,
	}); err != nil {
		a.Logger.Errorw("failed to store push subscription", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, models.APIResponse{Success: true})
}

func (a *API) PushKeyHandler(w http.ResponseWriter, r *http.Request) {
	if a.VAPIDPublicKey == "" {
		http.NotFound(w, r)
		return
	}
	a.writeJSON(w, map[string]string{"publicKey": a.VAPIDPublicKey})
}

// conversationWith resolves the conversation between the caller and the
// {peer} path value, writing an error response when it is not valid.
func (a *API) conversationWith(w http.ResponseWriter, r *http.Request) (conversation.Conversation, bool) {
	me := participantFrom(r)
	peer := r.PathValue("peer")
	conv, err := conversation.New(me.Username, peer)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return conversation.Conversation{}, false
	}
	if _, err := a.Storage.GetParticipant(peer); err != nil {
		http.Error(w, "Unknown participant", http.StatusNotFound)
		return conversation.Conversation{}, false
	}
	return conv, true
}

func (a *API) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.Logger.Warnw("failed to encode response", "error", err)
	}
}

// detectMIME prefers the sniffed signature over the declared type.
func detectMIME(declared string, head []byte) string {
	if kind, err := filetype.Match(head); err == nil && kind != filetype.Unknown {
		return kind.MIME.Value
	}
	if mediaType, _, err := mime.ParseMediaType(declared); err == nil && mediaType != "application/octet-stream" {
		return mediaType
	}
	return "application/octet-stream"
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
