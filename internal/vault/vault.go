// Package vault manages per-user tracker credentials: encrypted at rest via
// the cryptox cipher, one live record per user, with single-writer semantics
// per user.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/chastnik/mm-bot-jira2excel/internal/common"
	"github.com/chastnik/mm-bot-jira2excel/internal/cryptox"
	"github.com/chastnik/mm-bot-jira2excel/internal/logging"
)

// Credential is the transient decrypted form. Callers must not retain it
// beyond the operation it serves and must never log it.
type Credential struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

const (
	ioRetries   = 2
	ioRetryBase = 100 * time.Millisecond
)

// Service is the credential vault. Operations for the same user are mutually
// exclusive; different users proceed in parallel. The per-user lock is held
// only around storage access, never across tracker network calls.
type Service struct {
	repo   Repository
	cipher *cryptox.Cipher
	log    logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

func NewService(repo Repository, cipher *cryptox.Cipher, log logging.Logger) *Service {
	return &Service{
		repo:   repo,
		cipher: cipher,
		log:    log,
		locks:  map[string]*sync.Mutex{},
		now:    time.Now,
	}
}

// userLock returns the mutex serializing this user's vault operations.
// Entries are never reclaimed; the map is bounded by the number of distinct
// users the process has seen.
func (s *Service) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	return l
}

// withIORetry retries transient storage failures a small bounded number of
// times before giving up. Anything other than ErrVaultUnavailable fails fast.
func (s *Service) withIORetry(ctx context.Context, op func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(ioRetries, retry.NewExponential(ioRetryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := op(ctx)
		if err != nil && errors.Is(err, common.ErrVaultUnavailable) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// Put encrypts the username/password pair and upserts the user's record.
// The previous record, if any, is fully replaced.
func (s *Service) Put(ctx context.Context, userID, username, password string) error {
	plaintext, err := json.Marshal(Credential{Username: username, Password: password})
	if err != nil {
		return err
	}
	defer common.WipeByteArray(plaintext)

	ciphertext, nonce, err := s.cipher.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("credential encrypt: %w", err)
	}

	rec := &Record{
		UserID:     userID,
		Ciphertext: ciphertext,
		Nonce:      nonce,
		UpdatedAt:  s.now().UTC(),
	}

	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	if err := s.withIORetry(ctx, func(ctx context.Context) error {
		return s.repo.Upsert(ctx, rec)
	}); err != nil {
		return err
	}

	s.log.Info(ctx, "credential stored", "user_id", userID)
	return nil
}

// Get decrypts and returns the user's credential. common.ErrNotFound when the
// user is not enrolled; common.ErrCredentialCorrupted when the stored record
// fails its integrity check (the caller treats that as "not enrolled" and
// asks the user to re-run enrollment).
func (s *Service) Get(ctx context.Context, userID string) (*Credential, error) {
	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	var rec *Record
	err := s.withIORetry(ctx, func(ctx context.Context) error {
		var err error
		rec, err = s.repo.Get(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}

	plaintext, err := s.cipher.Decrypt(rec.Ciphertext, rec.Nonce)
	if err != nil {
		if errors.Is(err, common.ErrIntegrity) {
			s.log.Error(ctx, "credential record failed integrity check", "user_id", userID)
			return nil, fmt.Errorf("%w: %v", common.ErrCredentialCorrupted, err)
		}
		return nil, err
	}
	defer common.WipeByteArray(plaintext)

	cred := &Credential{}
	if err := json.Unmarshal(plaintext, cred); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrCredentialCorrupted, err)
	}

	return cred, nil
}

// Delete removes the user's record. Idempotent.
func (s *Service) Delete(ctx context.Context, userID string) error {
	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	if err := s.withIORetry(ctx, func(ctx context.Context) error {
		return s.repo.Delete(ctx, userID)
	}); err != nil {
		return err
	}

	s.log.Info(ctx, "credential removed", "user_id", userID)
	return nil
}

// Has reports whether the user has a stored credential.
func (s *Service) Has(ctx context.Context, userID string) (bool, error) {
	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	var exists bool
	err := s.withIORetry(ctx, func(ctx context.Context) error {
		var err error
		exists, err = s.repo.Exists(ctx, userID)
		return err
	})
	return exists, err
}
