package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/dgraph-io/badger/v4"
)

const (
	userIDPrefix   = "user:id:"
	userNamePrefix = "user:name:"
	messagePrefix  = "msg:"
	messageIDIndex = "msgid:"
)

// OpenBadger opens the badger database backing every durable store. An empty
// path opens an in-memory database.
func OpenBadger(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", path, err)
	}
	return db, nil
}

// BadgerCredentials stores credentials under "user:id:{id}" with a
// "user:name:{name}" index enforcing name uniqueness.
type BadgerCredentials struct {
	db *badger.DB
}

// NewBadgerCredentials returns a credential store backed by db.
func NewBadgerCredentials(db *badger.DB) *BadgerCredentials {
	return &BadgerCredentials{db: db}
}

var _ CredentialStore = (*BadgerCredentials)(nil)

func (s *BadgerCredentials) FindByName(_ context.Context, name string) (Credential, error) {
	var cred Credential
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(userNamePrefix + name))
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return readCredential(txn, string(id), &cred)
	})
	if err != nil {
		return Credential{}, mapBadgerErr(err)
	}
	return cred, nil
}

func (s *BadgerCredentials) FindByID(_ context.Context, id string) (Credential, error) {
	var cred Credential
	err := s.db.View(func(txn *badger.Txn) error {
		return readCredential(txn, id, &cred)
	})
	if err != nil {
		return Credential{}, mapBadgerErr(err)
	}
	return cred, nil
}

// Create persists a new credential. Two concurrent creates of the same name
// conflict at commit; the loser gets ErrAlreadyExists.
func (s *BadgerCredentials) Create(_ context.Context, cred Credential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		nameKey := []byte(userNamePrefix + cred.Name)
		if _, err := txn.Get(nameKey); err == nil {
			return ErrAlreadyExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(nameKey, []byte(cred.ID)); err != nil {
			return err
		}
		return txn.Set([]byte(userIDPrefix+cred.ID), data)
	})
	if errors.Is(err, badger.ErrConflict) {
		return ErrAlreadyExists
	}
	return err
}

func (s *BadgerCredentials) SetMuted(_ context.Context, id string, muted bool) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		var cred Credential
		if err := readCredential(txn, id, &cred); err != nil {
			return err
		}
		cred.Muted = muted
		data, err := json.Marshal(cred)
		if err != nil {
			return err
		}
		return txn.Set([]byte(userIDPrefix+id), data)
	})
	return mapBadgerErr(err)
}

func readCredential(txn *badger.Txn, id string, cred *Credential) error {
	item, err := txn.Get([]byte(userIDPrefix + id))
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, cred)
	})
}

// BadgerMessages keeps messages under "msg:{sent_at_padded}:{id}" so a key
// scan is chronological, plus a "msgid:{id}" index for delete-by-id.
type BadgerMessages struct {
	db *badger.DB
}

// NewBadgerMessages returns a message store backed by db.
func NewBadgerMessages(db *badger.DB) *BadgerMessages {
	return &BadgerMessages{db: db}
}

var _ MessageStore = (*BadgerMessages)(nil)

func (s *BadgerMessages) Append(_ context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	key := messageKey(msg)
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set([]byte(messageIDIndex+msg.ID), key)
	})
}

// Latest walks the log backwards from the newest key and returns the result
// in chronological order. A non-positive limit returns everything.
func (s *BadgerMessages) Latest(_ context.Context, limit int) ([]Message, error) {
	var messages []Message
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(messagePrefix)
		// '~' sorts after every digit and ':' so the seek lands past the newest key.
		for it.Seek(append([]byte(messagePrefix), '~')); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(messages) == limit {
				break
			}
			var msg Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}
			messages = append(messages, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(messages)
	return messages, nil
}

func (s *BadgerMessages) Delete(_ context.Context, id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		indexKey := []byte(messageIDIndex + id)
		item, err := txn.Get(indexKey)
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Delete(indexKey)
	})
	return mapBadgerErr(err)
}

// DeleteAll drops the log and its id index in one call.
func (s *BadgerMessages) DeleteAll(_ context.Context) error {
	return s.db.DropPrefix([]byte(messagePrefix), []byte(messageIDIndex))
}

func messageKey(msg Message) []byte {
	return fmt.Appendf(nil, "%s%019d:%s", messagePrefix, msg.SentAt.UnixNano(), msg.ID)
}

func mapBadgerErr(err error) error {
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	return err
}
