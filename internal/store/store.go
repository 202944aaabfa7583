// Package store persists what the node provides and which groups it has
// joined, so both survive a restart.
// CRC: crc-ProvideStore.md
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/boltdb/bolt"

	"github.com/zot/p2p-share/internal/directory"
	"github.com/zot/p2p-share/internal/registry"
)

// FileName is the database file created in the node's data directory.
const FileName = "p2p-share.db"

var (
	filesBucket  = []byte("provided")
	groupsBucket = []byte("groups")
)

// fileRecord keeps the local path, which FileDescriptor leaves off the wire.
type fileRecord struct {
	directory.FileDescriptor
	Path string `json:"path"`
}

// GroupRecord is a remembered group and whether the node was subscribed.
type GroupRecord struct {
	Info       registry.GroupInfo `json:"info"`
	Subscribed bool               `json:"subscribed"`
}

// Store is a bolt database with one bucket per record type.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{filesBucket, groupsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutFile records a provided file, replacing any record with the same key.
func (s *Store) PutFile(fd directory.FileDescriptor) error {
	data, err := json.Marshal(fileRecord{FileDescriptor: fd, Path: fd.Path})
	if err != nil {
		return fmt.Errorf("failed to marshal file record: %w", err)
	}
	return s.put(filesBucket, fd.Key, data)
}

// DeleteFile forgets a provided file. Unknown keys are ignored.
func (s *Store) DeleteFile(key string) error {
	return s.delete(filesBucket, key)
}

// Files returns every recorded file ordered by key.
func (s *Store) Files() ([]directory.FileDescriptor, error) {
	var out []directory.FileDescriptor
	err := s.each(filesBucket, func(k, v []byte) error {
		var rec fileRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal file record %s: %w", k, err)
		}
		fd := rec.FileDescriptor
		fd.Path = rec.Path
		out = append(out, fd)
		return nil
	})
	return out, err
}

// PutGroup records a group the node created or subscribed to.
func (s *Store) PutGroup(rec GroupRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal group: %w", err)
	}
	return s.put(groupsBucket, rec.Info.ID, data)
}

// Groups returns every recorded group ordered by creation time.
func (s *Store) Groups() ([]GroupRecord, error) {
	var out []GroupRecord
	err := s.each(groupsBucket, func(k, v []byte) error {
		var rec GroupRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal group %s: %w", k, err)
		}
		out = append(out, rec)
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].Info.CreatedAt.Before(out[j].Info.CreatedAt) })
	return out, err
}

func (s *Store) put(bucket []byte, key string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *Store) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

func (s *Store) each(bucket []byte, fn func(k, v []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(fn)
	})
}
