// Package push notifies receivers through web push when no view of theirs is
// connected.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"unicode/utf8"

	"netrax/internal/models"
	"netrax/internal/storage"

	"github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"
)

const previewLength = 120

type SubscriptionStore interface {
	ListPushSubscriptions(username string) ([]storage.PushSubscription, error)
	DeletePushSubscription(username, endpoint string) error
}

// Online reports whether a participant has at least one connected view.
type Online interface {
	IsConnected(username string) bool
}

type OnlineFunc func(username string) bool

func (f OnlineFunc) IsConnected(username string) bool { return f(username) }

type Keys struct {
	PublicKey  string
	PrivateKey string
	Subscriber string
}

type Notification struct {
	Title          string `json:"title"`
	Body           string `json:"body"`
	ConversationID string `json:"conversationId"`
}

type sendFunc func(ctx context.Context, payload []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)

type Notifier struct {
	store  SubscriptionStore
	online Online
	keys   Keys
	logger *zap.SugaredLogger
	send   sendFunc
}

func NewNotifier(store SubscriptionStore, online Online, keys Keys, logger *zap.SugaredLogger) *Notifier {
	return &Notifier{
		store:  store,
		online: online,
		keys:   keys,
		logger: logger,
		send:   webpush.SendNotificationWithContext,
	}
}

// MessageSent pushes a notification to every subscription of the receiver.
// Subscriptions the push service reports as gone are removed.
func (n *Notifier) MessageSent(ctx context.Context, msg models.Message) error {
	receiver := msg.Receiver.Username
	if n.online != nil && n.online.IsConnected(receiver) {
		return nil
	}

	subs, err := n.store.ListPushSubscriptions(receiver)
	if err != nil {
		return fmt.Errorf("failed to list push subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	payload, err := json.Marshal(NotificationFor(msg))
	if err != nil {
		return err
	}

	opts := &webpush.Options{
		Subscriber:      n.keys.Subscriber,
		VAPIDPublicKey:  n.keys.PublicKey,
		VAPIDPrivateKey: n.keys.PrivateKey,
		TTL:             60,
		Urgency:         webpush.UrgencyHigh,
	}

	for _, sub := range subs {
		resp, err := n.send(ctx, payload, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{Auth: sub.Auth, P256dh: sub.P256dh},
		}, opts)
		if err != nil {
			n.logger.Warnw("push delivery failed", "receiver", receiver, "endpoint", sub.Endpoint, "error", err)
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
			if err := n.store.DeletePushSubscription(receiver, sub.Endpoint); err != nil {
				n.logger.Warnw("failed to drop expired push subscription", "receiver", receiver, "error", err)
			}
		case resp.StatusCode >= 300:
			n.logger.Warnw("push service rejected notification", "receiver", receiver, "status", resp.StatusCode)
		}
	}
	return nil
}

// NotificationFor builds the notification shown for a message.
func NotificationFor(msg models.Message) Notification {
	title := msg.Sender.DisplayName
	if title == "" {
		title = msg.Sender.Username
	}

	var body string
	switch msg.Type {
	case models.MessageTypeText:
		body = msg.Content
		if utf8.RuneCountInString(body) > previewLength {
			body = string([]rune(body)[:previewLength]) + "…"
		}
	case models.MessageTypeImage:
		body = "sent an image"
	case models.MessageTypeAudio:
		body = "sent a voice message"
	default:
		body = "sent a file: " + msg.FileName
	}

	return Notification{Title: title, Body: body, ConversationID: msg.ConversationID}
}
