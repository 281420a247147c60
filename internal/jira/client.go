// Package jira is a thin authenticated client for the Jira REST API.
// Every request carries Basic auth built from transient credentials; the
// client itself holds no secrets. All reads are idempotent, so a failed
// fetch can simply be restarted from the beginning.
package jira

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/chastnik/mm-bot-jira2excel/internal/common"
	"github.com/chastnik/mm-bot-jira2excel/internal/logging"
)

const (
	defaultTimeout = 30 * time.Second
	searchPageSize = 50

	// startedLayout is Jira's worklog timestamp format.
	startedLayout = "2006-01-02T15:04:05.000-0700"
	// worklogDateLayout is the day format used in JQL worklogDate clauses.
	worklogDateLayout = "2006-01-02"
)

type Client struct {
	baseURL string
	httpc   *http.Client
	log     logging.Logger
}

func NewClient(baseURL string, log logging.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: defaultTimeout},
		log:     log,
	}
}

// classifyStatus maps an HTTP status to the adapter error taxonomy.
// 401/403 mean the credentials are bad; 429 and 5xx are transient; anything
// else unexpected is a protocol fault and not worth retrying.
func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return common.ErrInvalidCredentials
	case resp.StatusCode == http.StatusTooManyRequests:
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				return fmt.Errorf("%w: rate limited, retry after %ds", common.ErrTrackerUnreachable, secs)
			}
		}
		return fmt.Errorf("%w: rate limited", common.ErrTrackerUnreachable)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", common.ErrTrackerUnreachable, resp.StatusCode)
	default:
		return fmt.Errorf("%w: status %d", common.ErrProtocol, resp.StatusCode)
	}
}

// getJSON performs an authenticated GET and decodes the JSON body into out.
func (c *Client) getJSON(ctx context.Context, creds Credentials, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(creds.Username, creds.Password)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %v", common.ErrTrackerUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classifyStatus(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: bad response body: %v", common.ErrProtocol, err)
	}
	return nil
}

// Validate issues a minimal "who am I" request to check the credential pair.
// Returns the tracker-side display name on success.
func (c *Client) Validate(ctx context.Context, creds Credentials) (string, error) {
	var me myselfResponse
	if err := c.getJSON(ctx, creds, "/rest/api/2/myself", nil, &me); err != nil {
		return "", err
	}
	if me.DisplayName != "" {
		return me.DisplayName, nil
	}
	return me.Name, nil
}

// Projects lists the projects visible to the authenticated user.
func (c *Client) Projects(ctx context.Context, creds Credentials) ([]Project, error) {
	var raw []projectResponse
	if err := c.getJSON(ctx, creds, "/rest/api/2/project", nil, &raw); err != nil {
		return nil, err
	}
	projects := make([]Project, 0, len(raw))
	for _, p := range raw {
		projects = append(projects, Project{Key: p.Key, Name: p.Name})
	}
	return projects, nil
}

// FetchWorklogs returns every worklog entry logged in the given projects
// whose start date falls inside [start, end] (whole days, inclusive).
// The fetch is read-only: a transient failure mid-pagination is safe to
// retry from the beginning.
func (c *Client) FetchWorklogs(ctx context.Context, creds Credentials, projectKeys []string, start, end time.Time) ([]WorklogEntry, error) {
	issues, err := c.searchIssues(ctx, creds, projectKeys, start, end)
	if err != nil {
		return nil, err
	}

	var entries []WorklogEntry
	for _, issue := range issues {
		logs, err := c.issueWorklogs(ctx, creds, issue.Key)
		if err != nil {
			return nil, err
		}
		for _, wl := range logs {
			started, err := time.Parse(startedLayout, wl.Started)
			if err != nil {
				return nil, fmt.Errorf("%w: bad worklog timestamp %q", common.ErrProtocol, wl.Started)
			}
			if !inRange(started, start, end) {
				// the JQL clause matches issues, not individual worklogs
				continue
			}
			entries = append(entries, WorklogEntry{
				IssueKey:        issue.Key,
				IssueSummary:    issue.Fields.Summary,
				ProjectKey:      issue.Fields.Project.Key,
				ProjectName:     issue.Fields.Project.Name,
				Author:          authorName(wl.Author),
				Date:            started,
				DurationSeconds: wl.TimeSpentSeconds,
				Comment:         wl.Comment,
			})
		}
	}

	c.log.Debug(ctx, "worklogs fetched",
		"projects", strings.Join(projectKeys, ","), "issues", len(issues), "entries", len(entries))
	return entries, nil
}

// searchIssues pages through the JQL search for issues with worklogs in range.
func (c *Client) searchIssues(ctx context.Context, creds Credentials, projectKeys []string, start, end time.Time) ([]issueItem, error) {
	quoted := make([]string, len(projectKeys))
	for i, k := range projectKeys {
		quoted[i] = `"` + k + `"`
	}
	jql := fmt.Sprintf(`project in (%s) AND worklogDate >= "%s" AND worklogDate <= "%s"`,
		strings.Join(quoted, ", "),
		start.Format(worklogDateLayout),
		end.Format(worklogDateLayout))

	var issues []issueItem
	for startAt := 0; ; {
		query := url.Values{}
		query.Set("jql", jql)
		query.Set("fields", "summary,project")
		query.Set("startAt", strconv.Itoa(startAt))
		query.Set("maxResults", strconv.Itoa(searchPageSize))

		var page searchResponse
		if err := c.getJSON(ctx, creds, "/rest/api/2/search", query, &page); err != nil {
			return nil, err
		}

		issues = append(issues, page.Issues...)
		startAt += len(page.Issues)
		if startAt >= page.Total || len(page.Issues) == 0 {
			return issues, nil
		}
	}
}

// issueWorklogs pages through one issue's worklog list.
func (c *Client) issueWorklogs(ctx context.Context, creds Credentials, issueKey string) ([]worklogItem, error) {
	var logs []worklogItem
	for startAt := 0; ; {
		query := url.Values{}
		query.Set("startAt", strconv.Itoa(startAt))
		query.Set("maxResults", strconv.Itoa(searchPageSize))

		var page worklogListResponse
		path := "/rest/api/2/issue/" + url.PathEscape(issueKey) + "/worklog"
		if err := c.getJSON(ctx, creds, path, query, &page); err != nil {
			return nil, err
		}

		logs = append(logs, page.Worklogs...)
		startAt += len(page.Worklogs)
		if startAt >= page.Total || len(page.Worklogs) == 0 {
			return logs, nil
		}
	}
}

// inRange compares calendar days, matching the worklogDate JQL semantics.
func inRange(ts, start, end time.Time) bool {
	day := ts.Format(worklogDateLayout)
	return day >= start.Format(worklogDateLayout) && day <= end.Format(worklogDateLayout)
}

func authorName(a worklogAuthor) string {
	email := a.EmailAddress
	if email == "" {
		email = a.Name
	}
	if i := strings.IndexByte(email, '@'); i > 0 {
		return email[:i]
	}
	return email
}
