package storage

import (
	"fmt"

	"github.com/hugolhafner/streamhost/producer"
	"github.com/hugolhafner/streamhost/serde"
	"github.com/hugolhafner/streamhost/system"
)

// Store is the object-level view a task works against. Keys and values are
// encoded with the store's configured codecs before they reach the engine;
// when a changelog is declared, every mutation is mirrored to the changelog
// partition matching the task's partition before the call returns.
type Store struct {
	name      string
	engine    Engine
	keySerde  serde.Serde
	msgSerde  serde.Serde
	changelog *system.StreamPartition
	sender    producer.Sender
	source    string
}

func (s *Store) Name() string {
	return s.name
}

func (s *Store) Get(key any) (any, bool, error) {
	kb, err := s.keySerde.Encode(key)
	if err != nil {
		return nil, false, fmt.Errorf("store %s: encode key: %w", s.name, err)
	}
	vb, found, err := s.engine.Get(kb)
	if err != nil || !found {
		return nil, false, err
	}
	v, err := s.msgSerde.Decode(vb)
	if err != nil {
		return nil, false, fmt.Errorf("store %s: decode value: %w", s.name, err)
	}
	return v, true, nil
}

func (s *Store) Put(key, value any) error {
	kb, err := s.keySerde.Encode(key)
	if err != nil {
		return fmt.Errorf("store %s: encode key: %w", s.name, err)
	}
	vb, err := s.msgSerde.Encode(value)
	if err != nil {
		return fmt.Errorf("store %s: encode value: %w", s.name, err)
	}
	if err := s.replicate(kb, vb); err != nil {
		return err
	}
	return s.engine.Put(kb, vb)
}

func (s *Store) Delete(key any) error {
	kb, err := s.keySerde.Encode(key)
	if err != nil {
		return fmt.Errorf("store %s: encode key: %w", s.name, err)
	}
	if err := s.replicate(kb, nil); err != nil {
		return err
	}
	return s.engine.Delete(kb)
}

// Range visits entries in encoded-key order with decoded keys and values.
// Nil bounds are open.
func (s *Store) Range(from, to any, fn func(key, value any) bool) error {
	var fb, tb []byte
	var err error
	if from != nil {
		if fb, err = s.keySerde.Encode(from); err != nil {
			return fmt.Errorf("store %s: encode range start: %w", s.name, err)
		}
	}
	if to != nil {
		if tb, err = s.keySerde.Encode(to); err != nil {
			return fmt.Errorf("store %s: encode range end: %w", s.name, err)
		}
	}

	var iterErr error
	err = s.engine.Range(fb, tb, func(kb, vb []byte) bool {
		k, err := s.keySerde.Decode(kb)
		if err != nil {
			iterErr = fmt.Errorf("store %s: decode key: %w", s.name, err)
			return false
		}
		v, err := s.msgSerde.Decode(vb)
		if err != nil {
			iterErr = fmt.Errorf("store %s: decode value: %w", s.name, err)
			return false
		}
		return fn(k, v)
	})
	if err != nil {
		return err
	}
	return iterErr
}

func (s *Store) Flush() error {
	return s.engine.Flush()
}

// replicate mirrors a mutation to the changelog before the engine write is
// acknowledged. The bytes already carry the store's codecs; the serde
// manager passes changelog streams through untouched.
func (s *Store) replicate(key, value []byte) error {
	if s.changelog == nil {
		return nil
	}
	env := system.OutgoingEnvelope{
		Stream:    s.changelog.Stream,
		Partition: s.changelog.Partition,
		Key:       key,
		Value:     value,
	}
	if err := s.sender.Send(s.source, env); err != nil {
		return fmt.Errorf("store %s: changelog write: %w", s.name, err)
	}
	return nil
}
