package acme

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	"golang.org/x/crypto/acme"
)

var accountBucket = []byte("account")

const (
	accountKeyField = "key"
	accountURLField = "url"
)

// AccountStore persists the ACME account key and registration URL so
// restarts reuse the same account instead of registering a new one.
type AccountStore struct {
	db *bbolt.DB
}

// OpenAccountStore opens (or creates) the account database under the
// certificate directory.
func OpenAccountStore(certDir string) (*AccountStore, error) {
	path := filepath.Join(certDir, "acme.db")
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open account store %s: %v", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(accountBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create account bucket: %v", err)
	}
	return &AccountStore{db: db}, nil
}

// Close closes the underlying database.
func (a *AccountStore) Close() error {
	return a.db.Close()
}

// Key returns the stored account key, generating and persisting a new
// one on first use.
func (a *AccountStore) Key() (*ecdsa.PrivateKey, error) {
	var stored []byte
	a.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(accountBucket).Get([]byte(accountKeyField)); v != nil {
			stored = append([]byte(nil), v...)
		}
		return nil
	})
	if stored != nil {
		block, _ := pem.Decode(stored)
		if block == nil {
			return nil, fmt.Errorf("stored account key is not PEM")
		}
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse account key: %v", err)
		}
		return key, nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate account key: %v", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal account key: %v", err)
	}
	encoded := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	err = a.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(accountBucket).Put([]byte(accountKeyField), encoded)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist account key: %v", err)
	}
	return key, nil
}

// AccountURL returns the stored registration URL, empty when the
// account has not been registered yet.
func (a *AccountStore) AccountURL() string {
	var url string
	a.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(accountBucket).Get([]byte(accountURLField)); v != nil {
			url = string(v)
		}
		return nil
	})
	return url
}

// SetAccountURL persists the registration URL after a successful
// registration.
func (a *AccountStore) SetAccountURL(url string) error {
	return a.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(accountBucket).Put([]byte(accountURLField), []byte(url))
	})
}

// register ensures the account exists at the directory, accepting the
// terms of service on first registration.
func register(ctx context.Context, client *acme.Client, accounts *AccountStore, email string) error {
	if accounts.AccountURL() != "" {
		return nil
	}
	acct := &acme.Account{Contact: []string{"mailto:" + email}}
	created, err := client.Register(ctx, acct, acme.AcceptTOS)
	if err != nil {
		if err == acme.ErrAccountAlreadyExists {
			existing, gerr := client.GetReg(ctx, "")
			if gerr != nil {
				return fmt.Errorf("failed to fetch existing account: %v", gerr)
			}
			return accounts.SetAccountURL(existing.URI)
		}
		return fmt.Errorf("failed to register account: %v", err)
	}
	return accounts.SetAccountURL(created.URI)
}
