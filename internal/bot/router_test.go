package bot

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/chastnik/mm-bot-jira2excel/internal/common"
	"github.com/chastnik/mm-bot-jira2excel/internal/enroll"
	"github.com/chastnik/mm-bot-jira2excel/internal/jira"
	"github.com/chastnik/mm-bot-jira2excel/internal/logging"
	"github.com/chastnik/mm-bot-jira2excel/internal/report"
)

type fakeReporter struct {
	projects     []jira.Project
	projectsErr  error
	result       *report.Result
	aggregateErr error

	aggCalls [][]string
	aggStart time.Time
	aggEnd   time.Time
}

func (f *fakeReporter) Aggregate(ctx context.Context, userID string, projectKeys []string, start, end time.Time) (*report.Result, error) {
	f.aggCalls = append(f.aggCalls, projectKeys)
	f.aggStart, f.aggEnd = start, end
	if f.aggregateErr != nil {
		return nil, f.aggregateErr
	}
	return f.result, nil
}

func (f *fakeReporter) Projects(ctx context.Context, userID string) ([]jira.Project, error) {
	if f.projectsErr != nil {
		return nil, f.projectsErr
	}
	return f.projects, nil
}

type fakeEnroller struct {
	stage     enroll.Stage
	active    bool
	starts    int
	submitted []string
	reply     string
}

func (f *fakeEnroller) Start(ctx context.Context, userID string) string {
	f.starts++
	f.active = true
	f.stage = enroll.StageAwaitingUsername
	return "enter username"
}

func (f *fakeEnroller) Stage(userID string) (enroll.Stage, bool) {
	return f.stage, f.active
}

func (f *fakeEnroller) Submit(ctx context.Context, userID, text string) (string, bool) {
	if !f.active {
		return "", false
	}
	f.submitted = append(f.submitted, text)
	return f.reply, true
}

type fakeStore struct {
	has     bool
	hasErr  error
	deleted []string
}

func (f *fakeStore) Has(ctx context.Context, userID string) (bool, error) {
	return f.has, f.hasErr
}

func (f *fakeStore) Delete(ctx context.Context, userID string) error {
	f.deleted = append(f.deleted, userID)
	return nil
}

type fakeArchiver struct {
	uploads int
	err     error
}

func (f *fakeArchiver) Upload(ctx context.Context, workbook []byte) (string, error) {
	f.uploads++
	if f.err != nil {
		return "", f.err
	}
	return "reports/2024/05/key.xlsx", nil
}

type routerFixture struct {
	router   *Router
	reporter *fakeReporter
	enroller *fakeEnroller
	store    *fakeStore
	archiver *fakeArchiver
}

func newFixture() *routerFixture {
	f := &routerFixture{
		reporter: &fakeReporter{},
		enroller: &fakeEnroller{},
		store:    &fakeStore{has: true},
		archiver: &fakeArchiver{},
	}
	f.router = NewRouter(f.reporter, f.enroller, f.store, f.archiver, logging.NewJSONLogger("error"), 10*time.Minute)
	return f
}

func sampleResult() *report.Result {
	start := time.Date(2024, 5, 13, 0, 0, 0, 0, time.UTC)
	day := start
	return &report.Result{
		Entries: []jira.WorklogEntry{
			{IssueKey: "ABC-1", ProjectKey: "ABC", ProjectName: "Alpha", Author: "alice", Date: day, DurationSeconds: 5400, Comment: "dev"},
		},
		TotalsByProject: map[string]int64{"ABC": 5400},
		TotalsByIssue:   map[string]int64{"ABC-1": 5400},
		GrandTotal:      5400,
		Start:           start,
		End:             start.AddDate(0, 0, 6),
	}
}

func TestHandle_HelpAndUnknown(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	replies := f.router.Handle(ctx, "u-1", "help")
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Text, "`report`")

	replies = f.router.Handle(ctx, "u-1", "frobnicate")
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Text, "didn't understand")
}

func TestHandle_SetupStartsEnrollment(t *testing.T) {
	f := newFixture()

	replies := f.router.Handle(context.Background(), "u-1", "SETUP")
	require.Len(t, replies, 1)
	assert.Equal(t, "enter username", replies[0].Text)
	assert.Equal(t, 1, f.enroller.starts)
}

func TestHandle_ActiveEnrollmentConsumesCommandLikeText(t *testing.T) {
	f := newFixture()
	f.enroller.active = true
	f.enroller.stage = enroll.StageAwaitingPassword
	f.enroller.reply = "checking"

	replies := f.router.Handle(context.Background(), "u-1", "report last week")
	require.Len(t, replies, 1)
	assert.Equal(t, "checking", replies[0].Text)
	assert.Equal(t, []string{"report last week"}, f.enroller.submitted)
	assert.Empty(t, f.reporter.aggCalls, "no report started from a password")
}

func TestHandle_SetupRestartsOnlyBeforeUsername(t *testing.T) {
	f := newFixture()
	f.enroller.active = true
	f.enroller.stage = enroll.StageAwaitingUsername
	f.enroller.reply = "consumed"

	replies := f.router.Handle(context.Background(), "u-1", "setup")
	require.Len(t, replies, 1)
	assert.Equal(t, "enter username", replies[0].Text)
	assert.Equal(t, 1, f.enroller.starts)
	assert.Empty(t, f.enroller.submitted)

	// past the username stage a literal "setup" is dialog input
	f.enroller.stage = enroll.StageAwaitingPassword
	replies = f.router.Handle(context.Background(), "u-1", "setup")
	require.Len(t, replies, 1)
	assert.Equal(t, "consumed", replies[0].Text)
	assert.Equal(t, []string{"setup"}, f.enroller.submitted)
}

func TestHandle_EmptyEnrollReplyProducesNoPost(t *testing.T) {
	f := newFixture()
	f.enroller.active = true
	f.enroller.stage = enroll.StageValidating
	f.enroller.reply = ""

	replies := f.router.Handle(context.Background(), "u-1", "anything")
	assert.Empty(t, replies)
}

func TestHandle_Forget(t *testing.T) {
	f := newFixture()

	replies := f.router.Handle(context.Background(), "u-1", "forget")
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Text, "removed")
	assert.Equal(t, []string{"u-1"}, f.store.deleted)
}

func TestHandle_ProjectsList(t *testing.T) {
	f := newFixture()
	f.reporter.projects = []jira.Project{{Key: "ABC", Name: "Alpha"}, {Key: "XYZ", Name: "Zeta"}}

	replies := f.router.Handle(context.Background(), "u-1", "projects")
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Text, "`ABC` Alpha")
	assert.Contains(t, replies[0].Text, "`XYZ` Zeta")
}

func TestHandle_ProjectsNotEnrolled(t *testing.T) {
	f := newFixture()
	f.reporter.projectsErr = fmt.Errorf("%w: user u-1", common.ErrNotEnrolled)

	replies := f.router.Handle(context.Background(), "u-1", "projects")
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Text, "`setup`")
}

func TestHandle_ReportRequiresEnrollment(t *testing.T) {
	f := newFixture()
	f.store.has = false

	replies := f.router.Handle(context.Background(), "u-1", "report")
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Text, "`setup`")
}

func TestHandle_ReportFullDialog(t *testing.T) {
	f := newFixture()
	f.reporter.projects = []jira.Project{{Key: "ABC", Name: "Alpha"}}
	f.reporter.result = sampleResult()
	ctx := context.Background()

	replies := f.router.Handle(ctx, "u-1", "report")
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Text, "project key")

	// keys are case-insensitive and deduplicated
	replies = f.router.Handle(ctx, "u-1", "abc, ABC")
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Text, "period")

	replies = f.router.Handle(ctx, "u-1", "2024-05-13 2024-05-19")
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Text, "Total: 1.50 h")

	require.NotNil(t, replies[0].File)
	assert.Equal(t, "timesheet_ABC_2024-05-13_2024-05-19.xlsx", replies[0].File.Name)
	_, err := excelize.OpenReader(bytes.NewReader(replies[0].File.Data))
	assert.NoError(t, err, "attachment is a readable workbook")

	require.Equal(t, [][]string{{"ABC"}}, f.reporter.aggCalls)
	assert.Equal(t, time.Date(2024, 5, 13, 0, 0, 0, 0, time.UTC), f.reporter.aggStart)
	assert.Equal(t, 1, f.archiver.uploads)

	// dialog is finished
	replies = f.router.Handle(ctx, "u-1", "2024-05-13")
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Text, "didn't understand")
}

func TestHandle_ReportUnknownProjectKeys(t *testing.T) {
	f := newFixture()
	f.reporter.projects = []jira.Project{{Key: "ABC", Name: "Alpha"}}
	ctx := context.Background()

	f.router.Handle(ctx, "u-1", "report")
	replies := f.router.Handle(ctx, "u-1", "abc, nope")
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Text, "Unknown project key(s): NOPE")

	// the session is still waiting for projects
	replies = f.router.Handle(ctx, "u-1", "abc")
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Text, "period")
}

func TestHandle_ReportBadPeriods(t *testing.T) {
	f := newFixture()
	f.reporter.projects = []jira.Project{{Key: "ABC", Name: "Alpha"}}
	f.reporter.result = sampleResult()
	ctx := context.Background()

	f.router.Handle(ctx, "u-1", "report")
	f.router.Handle(ctx, "u-1", "abc")

	replies := f.router.Handle(ctx, "u-1", "2024-05-19 2024-05-13")
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Text, "end date is before")

	replies = f.router.Handle(ctx, "u-1", "whenever")
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Text, "couldn't understand that period")

	// the session survives bad input
	replies = f.router.Handle(ctx, "u-1", "2024-05-13 2024-05-19")
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Text, "Total")
}

func TestHandle_ReportCancel(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.router.Handle(ctx, "u-1", "report")
	replies := f.router.Handle(ctx, "u-1", "cancel")
	require.Len(t, replies, 1)
	assert.Equal(t, "Report cancelled.", replies[0].Text)

	replies = f.router.Handle(ctx, "u-1", "cancel")
	assert.Equal(t, "Nothing to cancel.", replies[0].Text)
}

func TestHandle_ReportEmptyResultHasNoAttachment(t *testing.T) {
	f := newFixture()
	f.reporter.projects = []jira.Project{{Key: "ABC", Name: "Alpha"}}
	start := time.Date(2024, 5, 13, 0, 0, 0, 0, time.UTC)
	f.reporter.result = &report.Result{
		TotalsByProject: map[string]int64{},
		TotalsByIssue:   map[string]int64{},
		Start:           start,
		End:             start,
	}
	ctx := context.Background()

	f.router.Handle(ctx, "u-1", "report")
	f.router.Handle(ctx, "u-1", "abc")
	replies := f.router.Handle(ctx, "u-1", "2024-05-13")
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Text, "No worklogs found")
	assert.Nil(t, replies[0].File)
	assert.Zero(t, f.archiver.uploads)
}

func TestHandle_ReportRejectedCredentials(t *testing.T) {
	f := newFixture()
	f.reporter.projects = []jira.Project{{Key: "ABC", Name: "Alpha"}}
	f.reporter.aggregateErr = common.ErrInvalidCredentials
	ctx := context.Background()

	f.router.Handle(ctx, "u-1", "report")
	f.router.Handle(ctx, "u-1", "abc")
	replies := f.router.Handle(ctx, "u-1", "yesterday")
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Text, "rejected your stored credentials")
}

func TestHandle_ReportSessionExpires(t *testing.T) {
	f := newFixture()
	current := time.Date(2024, 5, 15, 12, 0, 0, 0, time.UTC)
	f.router.now = func() time.Time { return current }
	ctx := context.Background()

	f.router.Handle(ctx, "u-1", "report")
	current = current.Add(11 * time.Minute)

	replies := f.router.Handle(ctx, "u-1", "abc")
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Text, "didn't understand")
}

func TestRenderSummary_MultiProjectTotals(t *testing.T) {
	r := sampleResult()
	r.TotalsByProject["XYZ"] = 900
	r.GrandTotal += 900
	r.Entries = append(r.Entries, jira.WorklogEntry{IssueKey: "XYZ-1", ProjectKey: "XYZ", DurationSeconds: 900})

	out := renderSummary(r, []string{"ABC", "XYZ"}, "last week (2024-05-06 – 2024-05-12)")
	assert.Contains(t, out, "`ABC`: 1.50 h")
	assert.Contains(t, out, "`XYZ`: 0.25 h")
	assert.Contains(t, out, "Total: 1.75 h")
}

func TestSplitKeys(t *testing.T) {
	assert.Equal(t, []string{"ABC"}, splitKeys("abc"))
	assert.Equal(t, []string{"ABC", "XYZ"}, splitKeys(" abc , xyz "))
	assert.Equal(t, []string{"ABC"}, splitKeys("abc, ABC"))
	assert.Empty(t, splitKeys("  ,  "))
}
