package jira

import "time"

// Credentials is a transient Jira credential pair, constructed per call from
// the vault and discarded afterwards. Never stored on the client.
type Credentials struct {
	Username string
	Password string
}

// Project is a Jira project visible to the authenticated user.
type Project struct {
	Key  string
	Name string
}

// WorklogEntry is a single unit of time logged against an issue.
// Read-only, sourced from the tracker.
type WorklogEntry struct {
	IssueKey        string
	IssueSummary    string
	ProjectKey      string
	ProjectName     string
	Author          string
	Date            time.Time
	DurationSeconds int64
	Comment         string
}

// wire DTOs

type myselfResponse struct {
	Name         string `json:"name"`
	EmailAddress string `json:"emailAddress"`
	DisplayName  string `json:"displayName"`
}

type projectResponse struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

type searchResponse struct {
	StartAt    int         `json:"startAt"`
	MaxResults int         `json:"maxResults"`
	Total      int         `json:"total"`
	Issues     []issueItem `json:"issues"`
}

type issueItem struct {
	Key    string      `json:"key"`
	Fields issueFields `json:"fields"`
}

type issueFields struct {
	Summary string          `json:"summary"`
	Project projectResponse `json:"project"`
}

type worklogListResponse struct {
	StartAt    int           `json:"startAt"`
	MaxResults int           `json:"maxResults"`
	Total      int           `json:"total"`
	Worklogs   []worklogItem `json:"worklogs"`
}

type worklogItem struct {
	Author           worklogAuthor `json:"author"`
	Comment          string        `json:"comment"`
	Started          string        `json:"started"`
	TimeSpentSeconds int64         `json:"timeSpentSeconds"`
}

type worklogAuthor struct {
	Name         string `json:"name"`
	EmailAddress string `json:"emailAddress"`
	DisplayName  string `json:"displayName"`
}
