package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	badger "github.com/dgraph-io/badger/v3"
)

// ErrNotFound is returned when no credentials exist for the user.
var ErrNotFound = errors.New("keystore: credentials not found")

// Credentials are one user's venue API keys.
type Credentials struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
}

// Store keeps venue credentials encrypted at rest. Values are sealed with
// AES-GCM under a key derived from the operator-supplied master secret; the
// random nonce is prepended to each ciphertext.
type Store struct {
	db   *badger.DB
	aead cipher.AEAD
}

// Open opens the store at path. masterSecret must be non-empty; losing it
// makes every stored credential unreadable.
func Open(path, masterSecret string) (*Store, error) {
	if masterSecret == "" {
		return nil, errors.New("keystore: master secret must not be empty")
	}

	key := sha256.Sum256([]byte(masterSecret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("keystore: failed to open %s: %w", path, err)
	}

	return &Store{db: db, aead: aead}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func credKey(userID string) []byte {
	return []byte("creds:" + userID)
}

// Put seals and stores the user's credentials, replacing any previous entry.
func (s *Store) Put(userID string, creds Credentials) error {
	plain, err := json.Marshal(creds)
	if err != nil {
		return err
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return err
	}
	sealed := s.aead.Seal(nonce, nonce, plain, credKey(userID))

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(credKey(userID), sealed)
	})
}

// Get opens and returns the user's credentials.
func (s *Store) Get(userID string) (Credentials, error) {
	var sealed []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(credKey(userID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		sealed, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return Credentials{}, err
	}

	nonceSize := s.aead.NonceSize()
	if len(sealed) < nonceSize {
		return Credentials{}, errors.New("keystore: corrupt entry")
	}
	plain, err := s.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], credKey(userID))
	if err != nil {
		return Credentials{}, fmt.Errorf("keystore: failed to unseal credentials: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return Credentials{}, err
	}
	return creds, nil
}

// Delete removes the user's credentials, if any.
func (s *Store) Delete(userID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(credKey(userID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}
