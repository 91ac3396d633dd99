// Package storage persists per-resource state records and the user/role
// assignments in an embedded badger database. A successful PutState has been
// fsynced and survives crash and power loss.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/abergmeier/fabaccess-server/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrSchema means the store was written by a newer layout than this
	// binary understands. Treated as corruption at the process level.
	ErrSchema = errors.New("unsupported store schema")
)

// SchemaVersion is the persisted layout tag.
const SchemaVersion = 1

// Store is the durable store contract consumed by the state machines.
type Store interface {
	GetState(resource models.ResourceID) (*models.StateRecord, error)
	PutState(record *models.StateRecord) error
	Snapshot() ([]*models.StateRecord, error)
	UserRoles(user models.UserID) ([]string, bool)
	PutUser(user models.UserID, roles []string) error
	LoadSeed(path string) (int, error)
	Sync() error
	Close() error
}

// BadgerStore implements Store on badger with synchronous writes.
type BadgerStore struct {
	db  *badger.DB
	log *zap.Logger
}

func stateKey(id models.ResourceID) []byte { return []byte("state:" + id) }
func userKey(id models.UserID) []byte      { return []byte("user:" + id) }

var schemaKey = []byte("schema:version")

// Open opens (or creates) the store at path and checks the schema tag.
func Open(path string, log *zap.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil
	opts = opts.WithSyncWrites(true).WithValueLogFileSize(1 << 20)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	s := &BadgerStore{db: db, log: log.Named("storage")}
	if err := s.checkSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BadgerStore) checkSchema() error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(schemaKey)
		if err == badger.ErrKeyNotFound {
			return txn.Set(schemaKey, []byte(strconv.Itoa(SchemaVersion)))
		}
		if err != nil {
			return err
		}
		var raw []byte
		if raw, err = item.ValueCopy(nil); err != nil {
			return err
		}
		v, err := strconv.Atoi(string(raw))
		if err != nil || v > SchemaVersion {
			return fmt.Errorf("%w: have %q, support %d", ErrSchema, raw, SchemaVersion)
		}
		return nil
	})
}

func (s *BadgerStore) Close() error { return s.db.Close() }

// Sync forces the value log to stable storage. Called once more during
// shutdown; individual puts are already synchronous.
func (s *BadgerStore) Sync() error { return s.db.Sync() }

// GetState returns the persisted record for resource, or ErrNotFound.
func (s *BadgerStore) GetState(resource models.ResourceID) (*models.StateRecord, error) {
	var out models.StateRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey(resource))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &out)
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// PutState atomically overwrites the record for record.Resource. The write
// is durable when this returns nil.
func (s *BadgerStore) PutState(record *models.StateRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("storage: encode %s: %w", record.Resource, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(stateKey(record.Resource), data)
	})
	if err != nil {
		return fmt.Errorf("storage: put %s: %w", record.Resource, err)
	}
	return nil
}

// Snapshot enumerates every persisted state record in key order.
func (s *BadgerStore) Snapshot() ([]*models.StateRecord, error) {
	var out []*models.StateRecord
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("state:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec models.StateRecord
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			})
			if err != nil {
				return err
			}
			out = append(out, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: snapshot: %w", err)
	}
	return out, nil
}

// UserRoles implements policy.UserSource.
func (s *BadgerStore) UserRoles(user models.UserID) ([]string, bool) {
	var roles []string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(userKey(user))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &roles)
		})
	})
	if err != nil {
		return nil, false
	}
	return roles, true
}

// PutUser stores or replaces a user's role assignment.
func (s *BadgerStore) PutUser(user models.UserID, roles []string) error {
	data, err := json.Marshal(roles)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(userKey(user), data)
	})
	if err != nil {
		return fmt.Errorf("storage: put user %s: %w", user, err)
	}
	return nil
}
