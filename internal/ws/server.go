package ws

import (
	"errors"
	"net/http"

	"netrax/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const maxClientMessageSize = 64 << 10

// Authenticator resolves the participant behind a request.
type Authenticator interface {
	Authenticate(r *http.Request) (models.Participant, error)
}

type Server struct {
	auth     Authenticator
	hub      *Hub
	upgrader *websocket.Upgrader
	logger   *zap.SugaredLogger
}

func NewServer(auth Authenticator, hub *Hub, logger *zap.SugaredLogger) *Server {
	return &Server{
		auth:   auth,
		hub:    hub,
		logger: logger,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	participant, err := s.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("error upgrading to websocket", "error", err)
		return
	}
	conn.SetReadLimit(maxClientMessageSize)

	c, err := NewConnection(s.hub, conn, participant.Username)
	if err != nil {
		s.logger.Warnw("rejecting websocket", "username", participant.Username, "error", err)
		_ = conn.WriteJSON(models.ServerMessage{Type: models.ServerMessageTypeError, Error: err.Error()})
		_ = conn.Close()
		return
	}

	if err := c.Handle(r.Context()); err != nil && !isCloseError(err) {
		s.logger.Infow("websocket closed with error", "username", participant.Username, "error", err)
	}
}

func isCloseError(err error) bool {
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr) || errors.Is(err, websocket.ErrCloseSent)
}
