package storage

import (
	"bytes"

	"go.etcd.io/bbolt"
)

// ViewerState is a viewer's private key-value state persisted in bbolt.
// Every ViewerState of the same viewer shares change notifications.
type ViewerState struct {
	s      *BboltStorage
	viewer string
}

func (s *BboltStorage) ViewerState(viewer string) *ViewerState {
	return &ViewerState{s: s, viewer: viewer}
}

func (v *ViewerState) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := v.s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketViewerState).Bucket([]byte(v.viewer))
		if b == nil {
			return nil
		}
		if data := b.Get([]byte(key)); data != nil {
			value = bytes.Clone(data)
		}
		return nil
	})
	return value, value != nil, err
}

func (v *ViewerState) Set(key string, value []byte) error {
	err := v.s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(bucketViewerState).CreateBucketIfNotExists([]byte(v.viewer))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
	if err != nil {
		return err
	}

	v.s.stateMu.Lock()
	subs := make([]func(string, []byte), 0, len(v.s.stateSubs[v.viewer]))
	for _, fn := range v.s.stateSubs[v.viewer] {
		subs = append(subs, fn)
	}
	v.s.stateMu.Unlock()

	for _, fn := range subs {
		fn(key, bytes.Clone(value))
	}
	return nil
}

// Subscribe calls fn after every Set on this viewer's state, from any view.
func (v *ViewerState) Subscribe(fn func(key string, value []byte)) func() {
	v.s.stateMu.Lock()
	defer v.s.stateMu.Unlock()
	v.s.stateSeq++
	id := v.s.stateSeq
	if v.s.stateSubs[v.viewer] == nil {
		v.s.stateSubs[v.viewer] = make(map[uint64]func(string, []byte))
	}
	v.s.stateSubs[v.viewer][id] = fn

	return func() {
		v.s.stateMu.Lock()
		defer v.s.stateMu.Unlock()
		delete(v.s.stateSubs[v.viewer], id)
		if len(v.s.stateSubs[v.viewer]) == 0 {
			delete(v.s.stateSubs, v.viewer)
		}
	}
}
