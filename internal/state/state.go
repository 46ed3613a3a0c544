// Package state persists daemon state in a bbolt database: the sealed
// session token and the normalized notification feed.
package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/alexjbarnes/uspacy-notify/internal/models"
)

const (
	// stateDirPerm is the permission mode for the state directory. The
	// database holds session tokens, so nothing world-readable.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm keeps the database file owner-only for the same reason.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database
	// lock, so a second daemon instance fails fast instead of hanging.
	stateOpenTimeout = 5 * time.Second

	// dbFileName is the database file name under the data directory.
	dbFileName = "state.db"
)

var (
	appBucket           = []byte("app")
	notificationsBucket = []byte("notifications")

	sealedTokenKey = []byte("sealed_token")
)

// Store wraps a bbolt database holding all persistent daemon state.
type Store struct {
	db *bolt.DB
}

// Load opens the state database under the given data directory,
// creating directory and file as needed.
func Load(dataDir string) (*Store, error) {
	return LoadAt(filepath.Join(dataDir, dbFileName))
}

// LoadAt opens the database at an explicit path. Tests use it to point
// each store at its own temp file.
func LoadAt(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(notificationsBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database and its file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

// SealedToken returns the cached sealed token blob, or nil when none is
// stored. The blob is opaque here; see Seal and Unseal.
func (s *Store) SealedToken() []byte {
	var blob []byte

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(sealedTokenKey)
		if v != nil {
			blob = make([]byte, len(v))
			copy(blob, v)
		}

		return nil
	})

	return blob
}

// SetSealedToken persists the sealed token blob.
func (s *Store) SetSealedToken(blob []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(sealedTokenKey, blob)
	})
}

// DeleteSealedToken drops the cached token, for when it no longer
// unseals or the backend rejected it.
func (s *Store) DeleteSealedToken() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Delete(sealedTokenKey)
	})
}

// PutNotification upserts one record under its key.
func (s *Store) PutNotification(n models.Notification) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(n)
		if err != nil {
			return err
		}

		return tx.Bucket(notificationsBucket).Put([]byte(n.Key()), data)
	})
}

// ReplaceNotifications replaces all stored records with the given feed
// in one transaction.
func (s *Store) ReplaceNotifications(items []models.Notification) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(notificationsBucket); err != nil {
			return err
		}

		b, err := tx.CreateBucket(notificationsBucket)
		if err != nil {
			return err
		}

		for _, n := range items {
			data, err := json.Marshal(n)
			if err != nil {
				return err
			}

			if err := b.Put([]byte(n.Key()), data); err != nil {
				return err
			}
		}

		return nil
	})
}

// Notifications returns all stored records, in no particular order.
// Callers sort by timestamp themselves.
func (s *Store) Notifications() ([]models.Notification, error) {
	var items []models.Notification

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(notificationsBucket).ForEach(func(_, v []byte) error {
			var n models.Notification
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}

			items = append(items, n)

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading notifications: %w", err)
	}

	return items, nil
}
