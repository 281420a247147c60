// Package report turns a user's stored credentials plus a project/period
// selection into aggregated worklog totals, an Excel workbook, and an
// optional archived copy of that workbook.
package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/chastnik/mm-bot-jira2excel/internal/common"
	"github.com/chastnik/mm-bot-jira2excel/internal/jira"
	"github.com/chastnik/mm-bot-jira2excel/internal/logging"
	"github.com/chastnik/mm-bot-jira2excel/internal/vault"
)

const (
	fetchRetries   = 2
	fetchRetryBase = 200 * time.Millisecond
)

// Fetcher is the tracker side of report generation.
type Fetcher interface {
	FetchWorklogs(ctx context.Context, creds jira.Credentials, projectKeys []string, start, end time.Time) ([]jira.WorklogEntry, error)
	Projects(ctx context.Context, creds jira.Credentials) ([]jira.Project, error)
}

// CredentialSource is the subset of the vault the aggregator needs.
type CredentialSource interface {
	Get(ctx context.Context, userID string) (*vault.Credential, error)
	Delete(ctx context.Context, userID string) error
}

// Cache holds raw fetch results for a short TTL. Implementations must treat
// every failure as a miss.
type Cache interface {
	Get(ctx context.Context, key string) ([]jira.WorklogEntry, bool)
	Put(ctx context.Context, key string, entries []jira.WorklogEntry)
}

// Result is one aggregated report. Durations are in seconds; every entry is
// counted in exactly one issue bucket and one project bucket.
type Result struct {
	Entries         []jira.WorklogEntry
	TotalsByProject map[string]int64
	TotalsByIssue   map[string]int64
	GrandTotal      int64
	Start, End      time.Time
}

// Aggregator fetches and reduces worklogs on behalf of an enrolled user.
type Aggregator struct {
	creds   CredentialSource
	fetcher Fetcher
	cache   Cache
	log     logging.Logger
}

// NewAggregator builds an Aggregator. cache may be nil when no cache is
// configured.
func NewAggregator(creds CredentialSource, fetcher Fetcher, cache Cache, log logging.Logger) *Aggregator {
	return &Aggregator{creds: creds, fetcher: fetcher, cache: cache, log: log}
}

// Aggregate resolves the user's credentials, fetches the worklogs for the
// given projects and period, and reduces them to totals. An empty fetch is a
// valid zero-total result.
//
// A credential the tracker rejects is deleted from the vault before the
// error is returned, so the user's next interaction starts from a clean
// not-enrolled state.
func (a *Aggregator) Aggregate(ctx context.Context, userID string, projectKeys []string, start, end time.Time) (*Result, error) {
	cred, err := a.creds.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) || errors.Is(err, common.ErrCredentialCorrupted) {
			return nil, fmt.Errorf("%w: user %s", common.ErrNotEnrolled, userID)
		}
		return nil, err
	}
	jc := jira.Credentials{Username: cred.Username, Password: cred.Password}

	entries, err := a.fetch(ctx, userID, jc, projectKeys, start, end)
	if err != nil {
		if errors.Is(err, common.ErrInvalidCredentials) {
			a.revoke(ctx, userID)
		}
		return nil, err
	}

	return reduce(entries, start, end), nil
}

// Projects lists the tracker projects visible to the user, for validating a
// report request before any fetch happens.
func (a *Aggregator) Projects(ctx context.Context, userID string) ([]jira.Project, error) {
	cred, err := a.creds.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) || errors.Is(err, common.ErrCredentialCorrupted) {
			return nil, fmt.Errorf("%w: user %s", common.ErrNotEnrolled, userID)
		}
		return nil, err
	}
	jc := jira.Credentials{Username: cred.Username, Password: cred.Password}

	projects, err := a.fetcher.Projects(ctx, jc)
	if err != nil {
		if errors.Is(err, common.ErrInvalidCredentials) {
			a.revoke(ctx, userID)
		}
		return nil, err
	}
	return projects, nil
}

// fetch consults the cache first and falls back to the tracker, retrying
// transient unreachability with exponential backoff.
func (a *Aggregator) fetch(ctx context.Context, userID string, creds jira.Credentials, projectKeys []string, start, end time.Time) ([]jira.WorklogEntry, error) {
	key := cacheKey(userID, projectKeys, start, end)
	if a.cache != nil {
		if entries, ok := a.cache.Get(ctx, key); ok {
			a.log.Debug(ctx, "report served from cache", "user_id", userID, "entries", len(entries))
			return entries, nil
		}
	}

	var entries []jira.WorklogEntry
	backoff := retry.WithMaxRetries(fetchRetries, retry.NewExponential(fetchRetryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		entries, err = a.fetcher.FetchWorklogs(ctx, creds, projectKeys, start, end)
		if errors.Is(err, common.ErrTrackerUnreachable) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	if a.cache != nil {
		a.cache.Put(ctx, key, entries)
	}
	return entries, nil
}

func (a *Aggregator) revoke(ctx context.Context, userID string) {
	if err := a.creds.Delete(ctx, userID); err != nil {
		a.log.Error(ctx, "failed to drop rejected credential", "user_id", userID, "error", err)
		return
	}
	a.log.Info(ctx, "dropped credential rejected by tracker", "user_id", userID)
}

func reduce(entries []jira.WorklogEntry, start, end time.Time) *Result {
	r := &Result{
		Entries:         entries,
		TotalsByProject: map[string]int64{},
		TotalsByIssue:   map[string]int64{},
		Start:           start,
		End:             end,
	}
	for _, e := range entries {
		r.TotalsByProject[e.ProjectKey] += e.DurationSeconds
		r.TotalsByIssue[e.IssueKey] += e.DurationSeconds
		r.GrandTotal += e.DurationSeconds
	}
	return r
}

// Hours renders a duration in seconds as decimal hours with two digits.
func Hours(seconds int64) string {
	return fmt.Sprintf("%.2f", float64(seconds)/3600)
}
