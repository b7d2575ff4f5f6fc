package http

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"netrax/internal/api"
	"netrax/internal/ws"

	"go.uber.org/zap"
)

type APIServer struct {
	server *http.Server
	logger *zap.SugaredLogger
	wg     sync.WaitGroup
}

// NewAPIServer routes the participant-facing API. Request contexts derive
// from ctx so open websockets end when it is cancelled.
func NewAPIServer(ctx context.Context, apiHandlers *api.API, wsServer *ws.Server, addr string, logger *zap.SugaredLogger) *APIServer {
	mux := http.NewServeMux()

	auth := apiHandlers.RequireAuth
	mux.HandleFunc("GET /api/participants", auth(apiHandlers.ParticipantsHandler))
	mux.HandleFunc("GET /api/conversations/{peer}/messages", auth(apiHandlers.MessagesHandler))
	mux.HandleFunc("POST /api/conversations/{peer}/attachments", api.RequireSameOrigin(auth(apiHandlers.UploadAttachmentHandler)))
	mux.HandleFunc("GET /api/files/{path...}", auth(apiHandlers.FileHandler))
	mux.HandleFunc("PUT /api/presence", api.RequireSameOrigin(auth(apiHandlers.PresenceHandler)))
	mux.HandleFunc("GET /api/unread", auth(apiHandlers.UnreadHandler))
	mux.HandleFunc("GET /api/push/key", apiHandlers.PushKeyHandler)
	mux.HandleFunc("POST /api/push/subscribe", api.RequireSameOrigin(auth(apiHandlers.PushSubscribeHandler)))

	// WebSocket endpoint
	mux.HandleFunc("GET /api/chat", wsServer.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		logger: logger,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		},
	}
}

func (s *APIServer) Start() error {
	s.logger.Infow("server started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
