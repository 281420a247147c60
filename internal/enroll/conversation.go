// Package enroll drives the per-user enrollment dialog: collect a Jira
// username, then a password, validate the pair against the tracker, and on
// success commit it to the credential vault.
//
// State lives in memory only. A restart of the process drops in-flight
// dialogs; the user simply starts over.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chastnik/mm-bot-jira2excel/internal/common"
	"github.com/chastnik/mm-bot-jira2excel/internal/jira"
	"github.com/chastnik/mm-bot-jira2excel/internal/logging"
)

// Stage is the position of an active dialog.
type Stage int

const (
	StageAwaitingUsername Stage = iota
	StageAwaitingPassword
	StageValidating
)

// Validator checks a credential pair against the tracker and returns the
// tracker-side display name.
type Validator interface {
	Validate(ctx context.Context, creds jira.Credentials) (string, error)
}

// Vault is the credential sink for committed enrollments.
type Vault interface {
	Put(ctx context.Context, userID, username, password string) error
}

// state is one user's active dialog. The id ties an in-flight validation to
// the dialog that started it: a restart or timeout issues a new id, making
// any late validation result a no-op.
type state struct {
	id       uuid.UUID
	stage    Stage
	username string
	started  time.Time
	lastSeen time.Time
}

// Conversation holds every active enrollment dialog, one per user at most.
type Conversation struct {
	validator Validator
	vault     Vault
	log       logging.Logger
	timeout   time.Duration

	mu     sync.Mutex
	active map[string]*state

	now func() time.Time
}

func New(validator Validator, vault Vault, log logging.Logger, timeout time.Duration) *Conversation {
	return &Conversation{
		validator: validator,
		vault:     vault,
		log:       log,
		timeout:   timeout,
		active:    map[string]*state{},
		now:       time.Now,
	}
}

const (
	promptUsername = "Let's connect your Jira account. Enter your Jira username:"
	promptPassword = "Now enter your Jira password. It will be stored encrypted and used only for your own requests."
)

// Start begins enrollment for a user and returns the first prompt.
// If a dialog is already active, restart wins: the old state is discarded.
func (c *Conversation) Start(ctx context.Context, userID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.active[userID]; ok {
		c.log.Info(ctx, "enrollment restarted", "user_id", userID, "prev_stage", old.stage)
	}
	now := c.now()
	c.active[userID] = &state{
		id:       uuid.New(),
		stage:    StageAwaitingUsername,
		started:  now,
		lastSeen: now,
	}
	return promptUsername
}

// Stage returns the user's current dialog stage. ok is false when there is
// no live dialog; an expired dialog is discarded on the way.
func (c *Conversation) Stage(userID string) (Stage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.liveStateLocked(userID)
	if st == nil {
		return 0, false
	}
	return st.stage, true
}

// liveStateLocked returns the user's dialog state, discarding it first when
// the inactivity window has elapsed. Expiry is checked on every access
// instead of with timers, so a password typed long after the prompt starts
// a fresh flow rather than completing a stale one.
func (c *Conversation) liveStateLocked(userID string) *state {
	st, ok := c.active[userID]
	if !ok {
		return nil
	}
	if c.now().Sub(st.lastSeen) > c.timeout {
		delete(c.active, userID)
		return nil
	}
	return st
}

// Submit consumes the next inbound message for the user's active dialog and
// returns the reply to post. ok is false when no dialog is active (the
// caller routes the message elsewhere). The message text is taken verbatim
// at every stage, even when it looks like a command.
func (c *Conversation) Submit(ctx context.Context, userID, text string) (reply string, ok bool) {
	c.mu.Lock()
	st := c.liveStateLocked(userID)
	if st == nil {
		c.mu.Unlock()
		return "", false
	}
	st.lastSeen = c.now()

	switch st.stage {
	case StageAwaitingUsername:
		st.username = text
		st.stage = StageAwaitingPassword
		c.mu.Unlock()
		return promptPassword, true

	case StageAwaitingPassword:
		st.stage = StageValidating
		username := st.username
		id := st.id
		c.mu.Unlock()
		// the network round-trip happens outside the lock
		return c.validateAndCommit(ctx, userID, id, username, text), true

	default:
		// a message while validation is in flight; tell the user to wait
		c.mu.Unlock()
		return "One moment, checking your credentials…", true
	}
}

// validateAndCommit runs the Validating stage: check the pair against the
// tracker and, still under the same dialog id, commit it to the vault.
// The plaintext password exists only in this frame and is never logged.
func (c *Conversation) validateAndCommit(ctx context.Context, userID string, id uuid.UUID, username, password string) string {
	displayName, err := c.validator.Validate(ctx, jira.Credentials{Username: username, Password: password})

	if !c.finish(userID, id) {
		// dialog restarted or timed out while we were validating;
		// the result is ignored rather than committing stale credentials
		c.log.Warn(ctx, "discarding stale validation result", "user_id", userID)
		return ""
	}

	if err != nil {
		switch {
		case errors.Is(err, common.ErrInvalidCredentials):
			c.log.Info(ctx, "enrollment rejected by tracker", "user_id", userID)
			return "❌ Jira rejected these credentials. Check your username and password, then run `setup` to try again."
		case errors.Is(err, common.ErrTrackerUnreachable):
			c.log.Warn(ctx, "tracker unreachable during enrollment", "user_id", userID)
			return "⚠️ Jira is unreachable right now. Run `setup` to try again in a few minutes."
		default:
			c.log.Error(ctx, "enrollment validation failed", "user_id", userID, "error", err)
			return "❌ Something went wrong while validating your credentials. Run `setup` to try again."
		}
	}

	if err := c.vault.Put(ctx, userID, username, password); err != nil {
		c.log.Error(ctx, "credential commit failed", "user_id", userID, "error", err)
		return "⚠️ Your credentials were validated but could not be saved. Run `setup` to try again."
	}

	c.log.Info(ctx, "enrollment committed", "user_id", userID)
	return fmt.Sprintf("✅ Connected to Jira as **%s**. Your credentials are stored encrypted.", displayName)
}

// finish removes the dialog if and only if it is still the same one that
// started the validation. Reports whether the caller's result is current.
func (c *Conversation) finish(userID string, id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.active[userID]
	if !ok || st.id != id {
		return false
	}
	delete(c.active, userID)
	return true
}
