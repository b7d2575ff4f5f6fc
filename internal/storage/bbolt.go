package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"netrax/internal/models"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketParticipants      = []byte("participants")
	bucketMessages          = []byte("messages")
	bucketMeta              = []byte("meta")
	bucketFiles             = []byte("files")
	bucketViewerState       = []byte("viewer_state")
	bucketPushSubscriptions = []byte("push_subscriptions")

	keyLastTimestamp = []byte("lastTimestamp")
)

type BboltStorage struct {
	db  *bbolt.DB
	now func() time.Time

	watchMu  sync.Mutex
	watchers map[string]map[uint64]chan struct{}
	watchSeq uint64

	stateMu   sync.Mutex
	stateSubs map[string]map[uint64]func(key string, value []byte)
	stateSeq  uint64
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketParticipants,
			bucketMessages,
			bucketMeta,
			bucketFiles,
			bucketViewerState,
			bucketPushSubscriptions,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{
		db:        db,
		now:       time.Now,
		watchers:  make(map[string]map[uint64]chan struct{}),
		stateSubs: make(map[string]map[uint64]func(string, []byte)),
	}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// UpsertParticipant stores a new or updated participant directory entry.
func (s *BboltStorage) UpsertParticipant(p models.Participant) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketParticipants)
		dbParticipant := &DBParticipant{
			Username:    p.Username,
			DisplayName: p.DisplayName,
			AvatarURL:   p.AvatarURL,
			CreatedAt:   s.now().Unix(),
		}
		if data := b.Get(dbParticipant.Key()); data != nil {
			var existing DBParticipant
			if err := existing.UnmarshalBinary(data); err == nil {
				dbParticipant.CreatedAt = existing.CreatedAt
			}
		}

		data, err := dbParticipant.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbParticipant.Key(), data)
	})
}

// GetParticipant returns models.ErrNotFound for unknown usernames.
func (s *BboltStorage) GetParticipant(username string) (models.Participant, error) {
	var p models.Participant
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketParticipants).Get([]byte(username))
		if data == nil {
			return fmt.Errorf("participant %s: %w", username, models.ErrNotFound)
		}
		var dbParticipant DBParticipant
		if err := dbParticipant.UnmarshalBinary(data); err != nil {
			return err
		}
		p = dbParticipant.toModel()
		return nil
	})
	return p, err
}

// ListParticipants returns all participants ordered by username.
func (s *BboltStorage) ListParticipants() ([]models.Participant, error) {
	var participants []models.Participant
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketParticipants)
		return b.ForEach(func(k, v []byte) error {
			var dbParticipant DBParticipant
			if err := dbParticipant.UnmarshalBinary(v); err != nil {
				return err
			}
			participants = append(participants, dbParticipant.toModel())
			return nil
		})
	})
	return participants, err
}

func (p *DBParticipant) toModel() models.Participant {
	return models.Participant{
		Username:    p.Username,
		DisplayName: p.DisplayName,
		AvatarURL:   p.AvatarURL,
	}
}

// AppendMessage inserts a message into its conversation in a single transaction.
// The store assigns ID and Timestamp; the timestamp is strictly greater than
// that of any previous write.
func (s *BboltStorage) AppendMessage(ctx context.Context, message models.Message) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	if message.ConversationID == "" {
		return models.Message{}, errors.New("message missing conversationID")
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		ts := s.now().UnixMilli()
		if last := meta.Get(keyLastTimestamp); len(last) == 8 {
			if prev := int64(binary.BigEndian.Uint64(last)); ts <= prev {
				ts = prev + 1
			}
		}

		conversationBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(message.ConversationID))
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}
		seq, err := conversationBucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}

		message.ID = uuid.NewString()
		message.Timestamp = ts

		dbMessage := fromModelMessage(message)
		dbMessage.Seq = seq
		data, err := dbMessage.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := conversationBucket.Put(dbMessage.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		tsKey := make([]byte, 8)
		binary.BigEndian.PutUint64(tsKey, uint64(ts))
		return meta.Put(keyLastTimestamp, tsKey)
	})
	if err != nil {
		return models.Message{}, err
	}

	s.notify(message.ConversationID)
	return message, nil
}

// ListMessages returns every message of a conversation in write order,
// which is also timestamp order.
func (s *BboltStorage) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	messages := []models.Message{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		conversationBucket := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if conversationBucket == nil {
			return nil // No messages for this conversation
		}
		return conversationBucket.ForEach(func(k, v []byte) error {
			var dbMessage DBMessage
			if err := dbMessage.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, dbMessage.toModel())
			return nil
		})
	})
	return messages, err
}

// Watch registers for change notifications on a conversation.
// Notifications coalesce: a pending signal is not duplicated.
func (s *BboltStorage) Watch(conversationID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	s.watchMu.Lock()
	s.watchSeq++
	id := s.watchSeq
	if s.watchers[conversationID] == nil {
		s.watchers[conversationID] = make(map[uint64]chan struct{})
	}
	s.watchers[conversationID][id] = ch
	s.watchMu.Unlock()

	return ch, func() {
		s.watchMu.Lock()
		defer s.watchMu.Unlock()
		delete(s.watchers[conversationID], id)
		if len(s.watchers[conversationID]) == 0 {
			delete(s.watchers, conversationID)
		}
	}
}

func (s *BboltStorage) notify(conversationID string) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for _, ch := range s.watchers[conversationID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func fromModelMessage(m models.Message) DBMessage {
	return DBMessage{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Sender: DBIdentity{
			Username:    m.Sender.Username,
			DisplayName: m.Sender.DisplayName,
			AvatarURL:   m.Sender.AvatarURL,
		},
		Receiver: DBIdentity{
			Username:    m.Receiver.Username,
			DisplayName: m.Receiver.DisplayName,
			AvatarURL:   m.Receiver.AvatarURL,
		},
		Type:      string(m.Type),
		Content:   m.Content,
		FileName:  m.FileName,
		FileSize:  m.FileSize,
		Timestamp: m.Timestamp,
	}
}

func (m *DBMessage) toModel() models.Message {
	return models.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Sender: models.Participant{
			Username:    m.Sender.Username,
			DisplayName: m.Sender.DisplayName,
			AvatarURL:   m.Sender.AvatarURL,
		},
		Receiver: models.Participant{
			Username:    m.Receiver.Username,
			DisplayName: m.Receiver.DisplayName,
			AvatarURL:   m.Receiver.AvatarURL,
		},
		Type:      models.MessageType(m.Type),
		Content:   m.Content,
		FileName:  m.FileName,
		FileSize:  m.FileSize,
		Timestamp: m.Timestamp,
	}
}

// AddPushSubscription stores a web-push endpoint for a participant.
func (s *BboltStorage) AddPushSubscription(sub PushSubscription) error {
	if sub.Username == "" || sub.Endpoint == "" {
		return errors.New("push subscription missing username or endpoint")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(bucketPushSubscriptions).CreateBucketIfNotExists([]byte(sub.Username))
		if err != nil {
			return err
		}
		data, err := sub.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(sub.Key(), data)
	})
}

func (s *BboltStorage) ListPushSubscriptions(username string) ([]PushSubscription, error) {
	var subs []PushSubscription
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPushSubscriptions).Bucket([]byte(username))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var sub PushSubscription
			if err := sub.UnmarshalBinary(v); err != nil {
				return err
			}
			subs = append(subs, sub)
			return nil
		})
	})
	return subs, err
}

func (s *BboltStorage) DeletePushSubscription(username, endpoint string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPushSubscriptions).Bucket([]byte(username))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(endpoint))
	})
}
