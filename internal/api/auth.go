package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"netrax/internal/models"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Directory interface {
	GetParticipant(username string) (models.Participant, error)
}

// HeaderAuthenticator trusts the identity header set by an authenticating
// reverse proxy and resolves it against the participant directory.
type HeaderAuthenticator struct {
	header    string
	directory Directory
}

func NewHeaderAuthenticator(header string, directory Directory) *HeaderAuthenticator {
	return &HeaderAuthenticator{header: header, directory: directory}
}

func (a *HeaderAuthenticator) Authenticate(r *http.Request) (models.Participant, error) {
	username := r.Header.Get(a.header)
	if username == "" {
		return models.Participant{}, ErrUnauthenticated
	}
	p, err := a.directory.GetParticipant(username)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.Participant{}, fmt.Errorf("%w: unknown participant %s", ErrUnauthenticated, username)
		}
		return models.Participant{}, err
	}
	return p, nil
}

type participantKey struct{}

func withParticipant(ctx context.Context, p models.Participant) context.Context {
	return context.WithValue(ctx, participantKey{}, p)
}

func participantFrom(r *http.Request) models.Participant {
	p, _ := r.Context().Value(participantKey{}).(models.Participant)
	return p
}
