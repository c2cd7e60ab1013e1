package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/deviant-guru/reliw/pkg/types"
)

// User returns one record of a host's user table.
func (s *Store) User(ctx context.Context, host, name string) (*types.User, error) {
	data, err := s.rdb.HGet(ctx, s.keyUsers(host), name).Result()
	if err != nil {
		if nerr := notFound(err); nerr == ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read user %s@%s: %v", name, host, err)
	}

	var u types.User
	if err := json.Unmarshal([]byte(data), &u); err != nil {
		return nil, fmt.Errorf("failed to decode user %s@%s: %v", name, host, err)
	}
	return &u, nil
}

// PutUser writes one user record. Provisioning only.
func (s *Store) PutUser(ctx context.Context, host, name string, u *types.User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to encode user: %v", err)
	}
	if err := s.rdb.HSet(ctx, s.keyUsers(host), name, data).Err(); err != nil {
		return fmt.Errorf("failed to write user %s@%s: %v", name, host, err)
	}
	return nil
}

// DeleteUser removes a user. Sessions pointing at a removed user stop
// authenticating immediately even before their TTL expires.
func (s *Store) DeleteUser(ctx context.Context, host, name string) error {
	if err := s.rdb.HDel(ctx, s.keyUsers(host), name).Err(); err != nil {
		return fmt.Errorf("failed to delete user %s@%s: %v", name, host, err)
	}
	return nil
}

// Session resolves a token to its username. ErrNotFound covers both
// never-issued and expired tokens.
func (s *Store) Session(ctx context.Context, host, token string) (string, error) {
	user, err := s.rdb.Get(ctx, s.keySession(host, token)).Result()
	if err != nil {
		if nerr := notFound(err); nerr == ErrNotFound {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to read session for %s: %v", host, err)
	}
	return user, nil
}

// StartSession stores token -> user with the requested TTL.
func (s *Store) StartSession(ctx context.Context, host, token, user string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, s.keySession(host, token), user, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store session for %s@%s: %v", user, host, err)
	}
	return nil
}

// DeleteSession destroys a session explicitly (logout).
func (s *Store) DeleteSession(ctx context.Context, host, token string) error {
	if err := s.rdb.Del(ctx, s.keySession(host, token)).Err(); err != nil {
		return fmt.Errorf("failed to delete session for %s: %v", host, err)
	}
	return nil
}
