package http

import (
	"context"
	"net/http"
	"sync"

	"netrax/internal/api"

	"go.uber.org/zap"
)

type AdminServer struct {
	server *http.Server
	logger *zap.SugaredLogger
	wg     sync.WaitGroup
}

func NewAdminServer(adminHandler *api.AdminHandler, addr string, logger *zap.SugaredLogger) *AdminServer {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/participants", adminHandler.AddParticipantHandler)
	mux.HandleFunc("GET /admin/participants", adminHandler.ListParticipantsHandler)

	if addr == "" {
		addr = "localhost:8081"
	}

	return &AdminServer{
		logger: logger,
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *AdminServer) Start() error {
	s.logger.Infow("admin API started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
