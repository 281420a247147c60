package jira

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chastnik/mm-bot-jira2excel/internal/common"
	"github.com/chastnik/mm-bot-jira2excel/internal/logging"
)

var testCreds = Credentials{Username: "alice", Password: "secret"}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, logging.NewJSONLogger("error"))
}

func requireBasicAuth(t *testing.T, r *http.Request) {
	t.Helper()
	user, pass, ok := r.BasicAuth()
	require.True(t, ok, "missing basic auth")
	require.Equal(t, "alice", user)
	require.Equal(t, "secret", pass)
}

func TestValidate_Success(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requireBasicAuth(t, r)
		require.Equal(t, "/rest/api/2/myself", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"name": "alice", "displayName": "Alice A."})
	}))

	name, err := c.Validate(context.Background(), testCreds)
	require.NoError(t, err)
	assert.Equal(t, "Alice A.", name)
}

func TestValidate_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, common.ErrInvalidCredentials},
		{http.StatusForbidden, common.ErrInvalidCredentials},
		{http.StatusTooManyRequests, common.ErrTrackerUnreachable},
		{http.StatusInternalServerError, common.ErrTrackerUnreachable},
		{http.StatusBadGateway, common.ErrTrackerUnreachable},
		{http.StatusBadRequest, common.ErrProtocol},
	}

	for _, tc := range tests {
		t.Run(strconv.Itoa(tc.status), func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			_, err := c.Validate(context.Background(), testCreds)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestValidate_RateLimitKeepsRetryAfter(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := c.Validate(context.Background(), testCreds)
	require.ErrorIs(t, err, common.ErrTrackerUnreachable)
	assert.Contains(t, err.Error(), "7s")
}

func TestValidate_MalformedBodyIsProtocolError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>not json</html>")
	}))

	_, err := c.Validate(context.Background(), testCreds)
	assert.ErrorIs(t, err, common.ErrProtocol)
}

func TestValidate_ConnectionRefusedIsUnreachable(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", logging.NewJSONLogger("error"))
	_, err := c.Validate(context.Background(), testCreds)
	assert.ErrorIs(t, err, common.ErrTrackerUnreachable)
}

func TestProjects(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requireBasicAuth(t, r)
		require.Equal(t, "/rest/api/2/project", r.URL.Path)
		json.NewEncoder(w).Encode([]map[string]string{
			{"key": "PROJ", "name": "Project One"},
			{"key": "OPS", "name": "Operations"},
		})
	}))

	projects, err := c.Projects(context.Background(), testCreds)
	require.NoError(t, err)
	require.Len(t, projects, 2)
	assert.Equal(t, Project{Key: "PROJ", Name: "Project One"}, projects[0])
}

// worklogServer serves a paginated search result and per-issue worklogs.
type worklogServer struct {
	t        *testing.T
	issues   []issueItem
	worklogs map[string][]worklogItem
	pageSize int

	searchCalls int
}

func (s *worklogServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requireBasicAuth(s.t, r)
	startAt, _ := strconv.Atoi(r.URL.Query().Get("startAt"))

	switch {
	case r.URL.Path == "/rest/api/2/search":
		s.searchCalls++
		assert.Contains(s.t, r.URL.Query().Get("jql"), "worklogDate")
		end := min(startAt+s.pageSize, len(s.issues))
		json.NewEncoder(w).Encode(searchResponse{
			StartAt: startAt,
			Total:   len(s.issues),
			Issues:  s.issues[startAt:end],
		})
	default:
		// /rest/api/2/issue/{key}/worklog
		var key string
		_, err := fmt.Sscanf(r.URL.Path, "/rest/api/2/issue/%s", &key)
		require.NoError(s.t, err)
		key = key[:len(key)-len("/worklog")]
		logs := s.worklogs[key]
		end := min(startAt+s.pageSize, len(logs))
		json.NewEncoder(w).Encode(worklogListResponse{
			StartAt:  startAt,
			Total:    len(logs),
			Worklogs: logs[startAt:end],
		})
	}
}

func wl(author, started string, secs int64) worklogItem {
	return worklogItem{
		Author:           worklogAuthor{EmailAddress: author + "@example.com"},
		Started:          started,
		TimeSpentSeconds: secs,
	}
}

func TestFetchWorklogs_PaginatesAndFilters(t *testing.T) {
	issues := []issueItem{
		{Key: "A-1", Fields: issueFields{Summary: "first", Project: projectResponse{Key: "A", Name: "Alpha"}}},
		{Key: "A-2", Fields: issueFields{Summary: "second", Project: projectResponse{Key: "A", Name: "Alpha"}}},
		{Key: "B-1", Fields: issueFields{Summary: "third", Project: projectResponse{Key: "B", Name: "Beta"}}},
	}
	srv := &worklogServer{
		t:        t,
		issues:   issues,
		pageSize: 2, // forces a second search page
		worklogs: map[string][]worklogItem{
			"A-1": {
				wl("alice", "2024-01-15T10:00:00.000+0000", 3600),
				wl("alice", "2023-12-31T10:00:00.000+0000", 7200), // outside the range
			},
			"A-2": {wl("bob", "2024-01-16T09:30:00.000+0000", 1800)},
			"B-1": {wl("alice", "2024-01-17T12:00:00.000+0000", 900)},
		},
	}
	c := newTestClient(t, srv)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)

	entries, err := c.FetchWorklogs(context.Background(), testCreds, []string{"A", "B"}, start, end)
	require.NoError(t, err)

	require.Len(t, entries, 3)
	assert.Equal(t, 2, srv.searchCalls, "expected paginated search")

	byIssue := map[string]int64{}
	for _, e := range entries {
		byIssue[e.IssueKey] += e.DurationSeconds
	}
	assert.Equal(t, map[string]int64{"A-1": 3600, "A-2": 1800, "B-1": 900}, byIssue)

	assert.Equal(t, "alice", entries[0].Author, "author derived from email local part")
	assert.Equal(t, "Alpha", entries[0].ProjectName)
}

func TestFetchWorklogs_EmptyResultIsNotAnError(t *testing.T) {
	srv := &worklogServer{t: t, issues: nil, pageSize: 50, worklogs: map[string][]worklogItem{}}
	c := newTestClient(t, srv)

	entries, err := c.FetchWorklogs(context.Background(), testCreds, []string{"A"},
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFetchWorklogs_BadTimestampIsProtocolError(t *testing.T) {
	srv := &worklogServer{
		t:        t,
		issues:   []issueItem{{Key: "A-1", Fields: issueFields{Project: projectResponse{Key: "A"}}}},
		pageSize: 50,
		worklogs: map[string][]worklogItem{"A-1": {wl("alice", "15/01/2024", 60)}},
	}
	c := newTestClient(t, srv)

	_, err := c.FetchWorklogs(context.Background(), testCreds, []string{"A"},
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC))
	assert.ErrorIs(t, err, common.ErrProtocol)
}
