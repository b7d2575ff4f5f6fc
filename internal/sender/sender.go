// Package sender builds and persists direct messages.
package sender

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"netrax/internal/conversation"
	"netrax/internal/models"

	"go.uber.org/zap"
)

var ErrInvalidAttachment = errors.New("invalid attachment")

// observerTimeout bounds the notification of one message.
const observerTimeout = 30 * time.Second

// Store appends a message in one atomic write, assigning ID and Timestamp.
type Store interface {
	AppendMessage(ctx context.Context, message models.Message) (models.Message, error)
}

// Observer is notified after a message has been persisted. Observers run
// in the background and never delay the send.
type Observer interface {
	MessageSent(ctx context.Context, message models.Message) error
}

type Sender struct {
	store     Store
	observers []Observer
	logger    *zap.SugaredLogger
	wg        sync.WaitGroup
}

func New(store Store, logger *zap.SugaredLogger, observers ...Observer) *Sender {
	return &Sender{store: store, observers: observers, logger: logger}
}

// SendText persists a text message. Blank content is ignored without a write.
func (s *Sender) SendText(ctx context.Context, from, to models.Participant, content string) error {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	_, err := s.send(ctx, models.Message{
		Sender:   from,
		Receiver: to,
		Type:     models.MessageTypeText,
		Content:  content,
	})
	return err
}

// SendAttachment persists a message referencing an already uploaded payload.
func (s *Sender) SendAttachment(ctx context.Context, from, to models.Participant, msgType models.MessageType, contentRef, fileName string, fileSize int64) error {
	if msgType == models.MessageTypeText || !msgType.Valid() {
		return fmt.Errorf("%w: type %q", ErrInvalidAttachment, msgType)
	}
	if contentRef == "" {
		return fmt.Errorf("%w: empty reference", ErrInvalidAttachment)
	}
	_, err := s.send(ctx, models.Message{
		Sender:   from,
		Receiver: to,
		Type:     msgType,
		Content:  contentRef,
		FileName: fileName,
		FileSize: fileSize,
	})
	return err
}

func (s *Sender) send(ctx context.Context, msg models.Message) (models.Message, error) {
	conv, err := conversation.New(msg.Sender.Username, msg.Receiver.Username)
	if err != nil {
		return models.Message{}, err
	}
	msg.ConversationID = conv.ID()

	stored, err := s.store.AppendMessage(ctx, msg)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to store message: %w", err)
	}

	if len(s.observers) > 0 {
		notifyCtx := context.WithoutCancel(ctx)
		s.wg.Go(func() { s.notify(notifyCtx, stored) })
	}
	return stored, nil
}

func (s *Sender) notify(ctx context.Context, msg models.Message) {
	ctx, cancel := context.WithTimeout(ctx, observerTimeout)
	defer cancel()
	for _, o := range s.observers {
		if err := o.MessageSent(ctx, msg); err != nil {
			s.logger.Warnw("message observer failed",
				"conversation_id", msg.ConversationID, "message_id", msg.ID, "error", err)
		}
	}
}

// Wait blocks until pending observer notifications have finished.
func (s *Sender) Wait() {
	s.wg.Wait()
}
