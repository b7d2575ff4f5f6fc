// Package presence keeps the current availability status of participants.
package presence

import (
	"errors"
	"fmt"
	"sync"

	"netrax/internal/models"

	"github.com/c-pro/geche"
)

type Status string

const (
	StatusActive       Status = "active"
	StatusAway         Status = "away"
	StatusInMeeting    Status = "in_meeting"
	StatusDoNotDisturb Status = "do_not_disturb"
	StatusOutOfOffice  Status = "out_of_office"
	StatusOffline      Status = "offline"
)

type Color string

const (
	ColorGreen   Color = "green"
	ColorAmber   Color = "amber"
	ColorPurple  Color = "purple"
	ColorRed     Color = "red"
	ColorNeutral Color = "neutral"
)

var ErrUnknownStatus = errors.New("unknown presence status")

var colors = map[Status]Color{
	StatusActive:       ColorGreen,
	StatusAway:         ColorAmber,
	StatusInMeeting:    ColorPurple,
	StatusDoNotDisturb: ColorRed,
}

func ParseStatus(s string) (Status, error) {
	switch status := Status(s); status {
	case StatusActive, StatusAway, StatusInMeeting, StatusDoNotDisturb, StatusOutOfOffice, StatusOffline:
		return status, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

// Color maps a status to its display classification.
func (s Status) Color() Color {
	if c, ok := colors[s]; ok {
		return c
	}
	return ColorNeutral
}

func (s Status) View() models.PresenceView {
	return models.PresenceView{Status: string(s), Color: string(s.Color())}
}

// Tracker holds the current status of every known participant.
// Any status may follow any other.
type Tracker struct {
	statuses geche.Geche[string, Status]

	// changeMu orders cache writes and their notifications.
	changeMu sync.Mutex

	mu        sync.Mutex
	subs      map[uint64]func(username string, status Status)
	seq       uint64
	publisher func(username string, status Status)
}

func NewTracker() *Tracker {
	return &Tracker{
		statuses: geche.NewMapCache[string, Status](),
		subs:     make(map[uint64]func(string, Status)),
	}
}

// Set records a local status change and forwards it to the publisher, if any.
func (t *Tracker) Set(username string, status Status) {
	t.Apply(username, status)

	t.mu.Lock()
	publish := t.publisher
	t.mu.Unlock()
	if publish != nil {
		publish(username, status)
	}
}

// Apply records a status change without forwarding it. Subscribers see
// changes in the order they reach the cache and must not change presence.
func (t *Tracker) Apply(username string, status Status) {
	t.changeMu.Lock()
	defer t.changeMu.Unlock()

	if prev, err := t.statuses.Get(username); err == nil && prev == status {
		return
	}
	t.statuses.Set(username, status)

	t.mu.Lock()
	subs := make([]func(string, Status), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	t.mu.Unlock()

	for _, fn := range subs {
		fn(username, status)
	}
}

// Get returns StatusOffline for unknown participants.
func (t *Tracker) Get(username string) Status {
	status, err := t.statuses.Get(username)
	if err != nil {
		return StatusOffline
	}
	return status
}

func (t *Tracker) Snapshot() map[string]Status {
	return t.statuses.Snapshot()
}

// Subscribe calls fn after every change. The returned function unsubscribes.
func (t *Tracker) Subscribe(fn func(username string, status Status)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	id := t.seq
	t.subs[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subs, id)
	}
}

func (t *Tracker) setPublisher(fn func(username string, status Status)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publisher = fn
}
