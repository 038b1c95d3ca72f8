// Package authstore is the durable credential store behind Persistent Auth:
// one "credentials" bbolt bucket holding one JSON-encoded record per
// credential modality.
package authstore

import (
	"encoding/json"
	"time"

	"github.com/alecthomas/errors"
	"go.etcd.io/bbolt"
)

var credentialsBucketName = []byte("credentials")

// OAuth is the persisted record for the user-OAuth modality.
type OAuth struct {
	AccessToken  string     `json:"accessToken"`
	RefreshToken string     `json:"refreshToken,omitempty"`
	Scopes       []string   `json:"scopes"`
	UserLogin    string     `json:"userLogin"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
}

// AppInstallation is the persisted record for the installation-app
// modality. The access token itself is never persisted; only the identity
// needed to mint one on demand.
type AppInstallation struct {
	InstallationID int64      `json:"installationId"`
	Account        string     `json:"account"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	Repositories   []string   `json:"repositories,omitempty"`
}

const (
	keyOAuth           = "auth.oauth"
	keyAppInstallation = "auth.app_installation"
)

// Store is a small bbolt wrapper: one bucket, composite string keys,
// db.View/db.Update everywhere.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the bbolt database at path and ensures
// the credentials bucket exists.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Errorf("failed to open bbolt database: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(credentialsBucketName)
		return errors.WithStack(err)
	}); err != nil {
		return nil, errors.Join(errors.Errorf("failed to create credentials bucket: %w", err), db.Close())
	}
	return &Store{db: db}, nil
}

func (s *Store) put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Errorf("failed to encode credential: %w", err)
	}
	return errors.WithStack(s.db.Update(func(tx *bbolt.Tx) error {
		return errors.WithStack(tx.Bucket(credentialsBucketName).Put([]byte(key), data))
	}))
}

func (s *Store) get(key string, v any) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(credentialsBucketName).Get([]byte(key))
		if raw == nil {
			return nil
		}
		found = true
		return errors.WithStack(json.Unmarshal(raw, v))
	})
	return found, errors.WithStack(err)
}

func (s *Store) delete(key string) error {
	return errors.WithStack(s.db.Update(func(tx *bbolt.Tx) error {
		return errors.WithStack(tx.Bucket(credentialsBucketName).Delete([]byte(key)))
	}))
}

// PutOAuth persists an OAuth credential.
func (s *Store) PutOAuth(c OAuth) error { return s.put(keyOAuth, c) }

// GetOAuth loads the OAuth credential, if any is stored.
func (s *Store) GetOAuth() (OAuth, bool, error) {
	var c OAuth
	found, err := s.get(keyOAuth, &c)
	return c, found, err
}

// DeleteOAuth removes the stored OAuth credential.
func (s *Store) DeleteOAuth() error { return s.delete(keyOAuth) }

// PutAppInstallation persists an AppInstallation credential identity.
func (s *Store) PutAppInstallation(c AppInstallation) error { return s.put(keyAppInstallation, c) }

// GetAppInstallation loads the AppInstallation identity, if any is stored.
func (s *Store) GetAppInstallation() (AppInstallation, bool, error) {
	var c AppInstallation
	found, err := s.get(keyAppInstallation, &c)
	return c, found, err
}

// DeleteAppInstallation removes the stored AppInstallation identity.
func (s *Store) DeleteAppInstallation() error { return s.delete(keyAppInstallation) }

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return errors.Errorf("failed to close bbolt database: %w", err)
	}
	return nil
}
