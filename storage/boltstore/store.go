// Package boltstore is a durable fitsync.Store backed by bbolt. Each cache
// namespace is a top-level bucket; entries are JSON-encoded.
package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	fitsync "github.com/IamNotATuringMachine/fitness-sub002"
	"github.com/jmgilman/go/errors"
	"go.etcd.io/bbolt"
)

// Store provides a BoltDB-backed cache store.
type Store struct {
	db *bbolt.DB
}

var _ fitsync.Store = (*Store)(nil)

// Open opens a BoltDB-backed store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New(errors.CodeInvalidConfig, "storage path is required")
	}

	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "open cache db")
	}
	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return errors.New(errors.CodeDatabase, "storage is not configured")
	}
	return nil
}

// Get fetches the entry stored under key.
func (s *Store) Get(ctx context.Context, namespace, key string) (*fitsync.Entry, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	var entry fitsync.Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(namespace))
		if bucket == nil {
			return fitsync.ErrNotFound
		}
		payload := bucket.Get([]byte(key))
		if payload == nil {
			return fitsync.ErrNotFound
		}
		if err := json.Unmarshal(payload, &entry); err != nil {
			return fmt.Errorf("unmarshal entry: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, fitsync.ErrNotFound) {
			return nil, err
		}
		return nil, errors.Wrapf(err, errors.CodeDatabase, "get %s", namespace)
	}
	return &entry, nil
}

// Put persists entry under key, creating the namespace if needed.
func (s *Store) Put(ctx context.Context, namespace, key string, entry fitsync.Entry) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if namespace == "" || key == "" {
		return errors.New(errors.CodeInvalidInput, "namespace and key are required")
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "marshal entry")
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return fmt.Errorf("create namespace bucket: %w", err)
		}
		return bucket.Put([]byte(key), payload)
	})
	if err != nil {
		return errors.Wrapf(err, errors.CodeDatabase, "put %s", namespace)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(namespace))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
	if err != nil {
		return errors.Wrapf(err, errors.CodeDatabase, "delete from %s", namespace)
	}
	return nil
}

// Keys lists entry metadata, oldest first.
func (s *Store) Keys(ctx context.Context, namespace string) ([]fitsync.EntryInfo, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	var infos []fitsync.EntryInfo
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(namespace))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var meta struct {
				StoredAt time.Time `json:"storedAt"`
			}
			if err := json.Unmarshal(v, &meta); err != nil {
				return fmt.Errorf("unmarshal entry %q: %w", k, err)
			}
			infos = append(infos, fitsync.EntryInfo{Key: string(k), StoredAt: meta.StoredAt})
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeDatabase, "list %s", namespace)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].StoredAt.Before(infos[j].StoredAt) })
	return infos, nil
}

// Namespaces lists every namespace bucket.
func (s *Store) Namespaces(ctx context.Context) ([]string, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	var names []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "list namespaces")
	}
	sort.Strings(names)
	return names, nil
}

// DeleteNamespace drops a namespace bucket and every entry in it.
func (s *Store) DeleteNamespace(ctx context.Context, name string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.DeleteBucket([]byte(name))
	})
	if err != nil {
		if errors.Is(err, bbolt.ErrBucketNotFound) {
			return fitsync.ErrNamespaceNotFound
		}
		return errors.Wrapf(err, errors.CodeDatabase, "delete namespace %s", name)
	}
	return nil
}
