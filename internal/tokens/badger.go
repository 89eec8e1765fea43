package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	badgerTokenPrefix = "token:"
	badgerIndexPrefix = "tokidx:"
)

// BadgerStore persists tokens in badger. Entries carry a native TTL matching
// the token lifetime, so badger drops them on compaction even without sweeps.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore returns a token store backed by db.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

var _ Store = (*BadgerStore)(nil)

func (s *BadgerStore) Put(_ context.Context, rec Record) error {
	ttl := rec.Lifetime()
	if ttl <= 0 {
		return ErrInvalidRecord
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.SetEntry(badger.NewEntry(tokenKey(rec.Token), data).WithTTL(ttl)); err != nil {
			return err
		}
		return txn.SetEntry(badger.NewEntry(indexKey(rec.Key(), rec.Token), nil).WithTTL(ttl))
	})
}

func (s *BadgerStore) Get(_ context.Context, token string) (Record, error) {
	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		return readRecord(txn, token, &rec)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *BadgerStore) UpdateByKey(_ context.Context, key string, patch Patch, now time.Time) (int, error) {
	updated := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		prefix := []byte(badgerIndexPrefix + key + ":")
		var tokens []string
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		for it.Rewind(); it.Valid(); it.Next() {
			tokens = append(tokens, strings.TrimPrefix(string(it.Item().Key()), string(prefix)))
		}
		it.Close()

		for _, token := range tokens {
			var rec Record
			err := readRecord(txn, token, &rec)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if rec.Expired(now) {
				continue
			}
			ttl := rec.ExpiresAt.Sub(now)
			rec.Descriptor = patch.Apply(rec.Descriptor)
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := txn.SetEntry(badger.NewEntry(tokenKey(token), data).WithTTL(ttl)); err != nil {
				return err
			}
			updated++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

func (s *BadgerStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	var expired []Record
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(badgerTokenPrefix), PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			if rec.Expired(now) {
				expired = append(expired, rec)
			}
		}
		return nil
	})
	if err != nil || len(expired) == 0 {
		return 0, err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, rec := range expired {
		if err := wb.Delete(tokenKey(rec.Token)); err != nil {
			return 0, err
		}
		if err := wb.Delete(indexKey(rec.Key(), rec.Token)); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return len(expired), nil
}

func readRecord(txn *badger.Txn, token string, rec *Record) error {
	item, err := txn.Get(tokenKey(token))
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, rec)
	})
}

func tokenKey(token string) []byte {
	return []byte(badgerTokenPrefix + token)
}

func indexKey(key, token string) []byte {
	return []byte(badgerIndexPrefix + key + ":" + token)
}
