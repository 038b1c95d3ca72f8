package universe

import (
	"encoding/json"
	"time"

	"github.com/alecthomas/errors"
	"go.etcd.io/bbolt"
)

var (
	universesBucketName = []byte("universes")
	registryBucketName  = []byte("registry")
)

const activeSlugKey = "active_slug"

// Store is the durable registry backing the Manager: one bbolt bucket
// keyed by slug for Universe records, and a small registry bucket holding
// the single active-slug pointer. Modeled on authstore.Store's single-
// bucket bbolt idiom, split into two buckets here since the active
// pointer has a different lifecycle than the universes it names.
type Store struct {
	db *bbolt.DB
}

// OpenStore opens (creating if necessary) the bbolt database at path.
func OpenStore(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Errorf("failed to open bbolt database: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(universesBucketName); err != nil {
			return errors.WithStack(err)
		}
		_, err := tx.CreateBucketIfNotExists(registryBucketName)
		return errors.WithStack(err)
	}); err != nil {
		return nil, errors.Join(errors.Errorf("failed to create universe buckets: %w", err), db.Close())
	}
	return &Store{db: db}, nil
}

// Put persists u, keyed by its slug.
func (s *Store) Put(u Universe) error {
	data, err := json.Marshal(u)
	if err != nil {
		return errors.Errorf("failed to encode universe: %w", err)
	}
	return errors.WithStack(s.db.Update(func(tx *bbolt.Tx) error {
		return errors.WithStack(tx.Bucket(universesBucketName).Put([]byte(u.Slug), data))
	}))
}

// Get loads the Universe stored under slug.
func (s *Store) Get(slug string) (Universe, bool, error) {
	var u Universe
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(universesBucketName).Get([]byte(slug))
		if raw == nil {
			return nil
		}
		found = true
		return errors.WithStack(json.Unmarshal(raw, &u))
	})
	return u, found, errors.WithStack(err)
}

// Delete removes the Universe stored under slug.
func (s *Store) Delete(slug string) error {
	return errors.WithStack(s.db.Update(func(tx *bbolt.Tx) error {
		return errors.WithStack(tx.Bucket(universesBucketName).Delete([]byte(slug)))
	}))
}

// List returns every persisted Universe, in no particular order.
func (s *Store) List() ([]Universe, error) {
	var out []Universe
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(universesBucketName).ForEach(func(_, v []byte) error {
			var u Universe
			if err := json.Unmarshal(v, &u); err != nil {
				return errors.WithStack(err)
			}
			out = append(out, u)
			return nil
		})
	})
	return out, errors.WithStack(err)
}

// GetActiveSlug returns the currently active universe's slug, if any has
// been set.
func (s *Store) GetActiveSlug() (string, bool, error) {
	var slug string
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(registryBucketName).Get([]byte(activeSlugKey))
		if raw == nil {
			return nil
		}
		found = true
		slug = string(raw)
		return nil
	})
	return slug, found, errors.WithStack(err)
}

// SetActiveSlug records slug as the active universe.
func (s *Store) SetActiveSlug(slug string) error {
	return errors.WithStack(s.db.Update(func(tx *bbolt.Tx) error {
		return errors.WithStack(tx.Bucket(registryBucketName).Put([]byte(activeSlugKey), []byte(slug)))
	}))
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return errors.Errorf("failed to close bbolt database: %w", err)
	}
	return nil
}
