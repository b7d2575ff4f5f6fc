package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBParticipant struct {
	Username    string `msgpack:"username"`
	DisplayName string `msgpack:"displayName"`
	AvatarURL   string `msgpack:"avatarUrl"`
	CreatedAt   int64  `msgpack:"createdAt"`
}

func (p *DBParticipant) Key() []byte {
	return []byte(p.Username)
}

func (p *DBParticipant) MarshalBinary() (data []byte, err error) {
	type alias DBParticipant
	return msgpack.Marshal((*alias)(p))
}

func (p *DBParticipant) UnmarshalBinary(data []byte) error {
	type alias DBParticipant
	return msgpack.Unmarshal(data, (*alias)(p))
}

// DBIdentity is the participant snapshot embedded in a stored message.
type DBIdentity struct {
	Username    string `msgpack:"username"`
	DisplayName string `msgpack:"displayName"`
	AvatarURL   string `msgpack:"avatarUrl,omitempty"`
}

type DBMessage struct {
	Seq            uint64     `msgpack:"seq"`
	ID             string     `msgpack:"id"`
	ConversationID string     `msgpack:"conversationId"`
	Sender         DBIdentity `msgpack:"sender"`
	Receiver       DBIdentity `msgpack:"receiver"`
	Type           string     `msgpack:"type"`
	Content        string     `msgpack:"content"`
	FileName       string     `msgpack:"fileName,omitempty"`
	FileSize       int64      `msgpack:"fileSize,omitempty"`
	Timestamp      int64      `msgpack:"timestamp"`
}

func (m *DBMessage) Key() []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, m.Seq)
	return key
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

// PushSubscription is a browser web-push endpoint registered by a participant.
type PushSubscription struct {
	Username string `msgpack:"username" json:"-"`
	Endpoint string `msgpack:"endpoint" json:"endpoint"`
	Auth     string `msgpack:"auth" json:"auth"`
	P256dh   string `msgpack:"p256dh" json:"p256dh"`
}

func (p *PushSubscription) Key() []byte {
	return []byte(p.Endpoint)
}

func (p *PushSubscription) MarshalBinary() (data []byte, err error) {
	type alias PushSubscription
	return msgpack.Marshal((*alias)(p))
}

func (p *PushSubscription) UnmarshalBinary(data []byte) error {
	type alias PushSubscription
	return msgpack.Unmarshal(data, (*alias)(p))
}
