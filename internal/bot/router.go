// Package bot routes inbound direct messages to the right handler: the
// closed command set, the enrollment dialog, or the report dialog. It also
// owns per-user dispatch and the top-level application wiring.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chastnik/mm-bot-jira2excel/internal/common"
	"github.com/chastnik/mm-bot-jira2excel/internal/dates"
	"github.com/chastnik/mm-bot-jira2excel/internal/enroll"
	"github.com/chastnik/mm-bot-jira2excel/internal/jira"
	"github.com/chastnik/mm-bot-jira2excel/internal/logging"
	"github.com/chastnik/mm-bot-jira2excel/internal/report"
)

// Reporter produces aggregated worklog data for an enrolled user.
type Reporter interface {
	Aggregate(ctx context.Context, userID string, projectKeys []string, start, end time.Time) (*report.Result, error)
	Projects(ctx context.Context, userID string) ([]jira.Project, error)
}

// Enroller is the enrollment dialog surface.
type Enroller interface {
	Start(ctx context.Context, userID string) string
	Stage(userID string) (enroll.Stage, bool)
	Submit(ctx context.Context, userID, text string) (string, bool)
}

// CredentialStore is the subset of the vault the router needs directly.
type CredentialStore interface {
	Has(ctx context.Context, userID string) (bool, error)
	Delete(ctx context.Context, userID string) error
}

// Archiver keeps a copy of generated workbooks. Optional.
type Archiver interface {
	Upload(ctx context.Context, workbook []byte) (string, error)
}

// File is a workbook attachment to deliver alongside a reply.
type File struct {
	Name string
	Data []byte
}

// Reply is one outbound message.
type Reply struct {
	Text string
	File *File
}

type reportStage int

const (
	reportAwaitingProjects reportStage = iota
	reportAwaitingPeriod
)

type reportSession struct {
	stage    reportStage
	projects []string
	lastSeen time.Time
}

// Router resolves each inbound message to replies. One instance serves all
// users; per-user report sessions live in memory, expiring after the same
// inactivity window as enrollment dialogs.
type Router struct {
	reporter Reporter
	enroller Enroller
	creds    CredentialStore
	archiver Archiver
	log      logging.Logger
	timeout  time.Duration

	mu       sync.Mutex
	sessions map[string]*reportSession

	now func() time.Time
}

func NewRouter(reporter Reporter, enroller Enroller, creds CredentialStore, archiver Archiver, log logging.Logger, timeout time.Duration) *Router {
	return &Router{
		reporter: reporter,
		enroller: enroller,
		creds:    creds,
		archiver: archiver,
		log:      log,
		timeout:  timeout,
		sessions: map[string]*reportSession{},
		now:      time.Now,
	}
}

const helpText = "**Jira timesheet bot**\n\n" +
	"• `help` shows this message\n" +
	"• `setup` connects your Jira account\n" +
	"• `forget` removes your stored credentials\n" +
	"• `projects` lists the Jira projects you can report on\n" +
	"• `report` builds a worklog report: pick projects, then a period\n" +
	"• `cancel` abandons the current report dialog\n\n" +
	"Periods can be explicit (`2024-05-01 2024-05-15`), a single day, or a " +
	"phrase like `today`, `last week`, `this month`, `last quarter`, " +
	"`last 7 days`."

// Handle processes one inbound direct message.
//
// Precedence: an enrollment dialog past the username stage consumes every
// message verbatim, so a password that looks like a command is still a
// password. `setup` restarts enrollment only before a username was given.
func (r *Router) Handle(ctx context.Context, userID, msg string) []Reply {
	trimmed := strings.TrimSpace(msg)
	command := strings.ToLower(trimmed)

	if stage, active := r.enroller.Stage(userID); active {
		if stage == enroll.StageAwaitingUsername && command == "setup" {
			return []Reply{{Text: r.enroller.Start(ctx, userID)}}
		}
		if reply, ok := r.enroller.Submit(ctx, userID, trimmed); ok {
			if reply == "" {
				return nil
			}
			return []Reply{{Text: reply}}
		}
	}

	if s := r.liveSession(userID); s != nil {
		if command == "cancel" {
			r.endSession(userID)
			return []Reply{{Text: "Report cancelled."}}
		}
		return r.continueReport(ctx, userID, s, trimmed)
	}

	switch command {
	case "help", "commands", "start":
		return []Reply{{Text: helpText}}
	case "setup":
		return []Reply{{Text: r.enroller.Start(ctx, userID)}}
	case "forget":
		return r.forget(ctx, userID)
	case "projects":
		return r.listProjects(ctx, userID)
	case "report":
		return r.startReport(ctx, userID)
	case "cancel":
		return []Reply{{Text: "Nothing to cancel."}}
	default:
		return []Reply{{Text: "I didn't understand that. Type `help` for the list of commands."}}
	}
}

func (r *Router) forget(ctx context.Context, userID string) []Reply {
	if err := r.creds.Delete(ctx, userID); err != nil {
		r.log.Error(ctx, "forget failed", "user_id", userID, "error", err)
		return []Reply{{Text: "⚠️ Could not remove your credentials right now. Try again later."}}
	}
	return []Reply{{Text: "Your stored credentials have been removed. Run `setup` to connect again."}}
}

func (r *Router) listProjects(ctx context.Context, userID string) []Reply {
	projects, err := r.reporter.Projects(ctx, userID)
	if err != nil {
		return []Reply{r.describeError(ctx, userID, err)}
	}
	if len(projects) == 0 {
		return []Reply{{Text: "No Jira projects are visible to your account."}}
	}

	var b strings.Builder
	b.WriteString("**Your Jira projects:**\n")
	for _, p := range projects {
		fmt.Fprintf(&b, "• `%s` %s\n", p.Key, p.Name)
	}
	return []Reply{{Text: b.String()}}
}

func (r *Router) startReport(ctx context.Context, userID string) []Reply {
	enrolled, err := r.creds.Has(ctx, userID)
	if err != nil {
		r.log.Error(ctx, "enrollment check failed", "user_id", userID, "error", err)
		return []Reply{{Text: "⚠️ Something went wrong. Try again later."}}
	}
	if !enrolled {
		return []Reply{{Text: "You are not connected to Jira yet. Run `setup` first."}}
	}

	r.mu.Lock()
	r.sessions[userID] = &reportSession{stage: reportAwaitingProjects, lastSeen: r.now()}
	r.mu.Unlock()

	return []Reply{{Text: "📋 **Worklog report**\n\nEnter the project key(s), comma-separated (for example `ABC` or `ABC, XYZ`). Type `projects` first if you need the list, or `cancel` to stop."}}
}

func (r *Router) continueReport(ctx context.Context, userID string, s *reportSession, input string) []Reply {
	switch s.stage {
	case reportAwaitingProjects:
		return r.reportSelectProjects(ctx, userID, s, input)
	default:
		return r.reportSelectPeriod(ctx, userID, s, input)
	}
}

func (r *Router) reportSelectProjects(ctx context.Context, userID string, s *reportSession, input string) []Reply {
	keys := splitKeys(input)
	if len(keys) == 0 {
		return []Reply{{Text: "Enter at least one project key, comma-separated."}}
	}

	available, err := r.reporter.Projects(ctx, userID)
	if err != nil {
		r.endSession(userID)
		return []Reply{r.describeError(ctx, userID, err)}
	}
	known := make(map[string]bool, len(available))
	for _, p := range available {
		known[strings.ToUpper(p.Key)] = true
	}

	var unknown []string
	for _, k := range keys {
		if !known[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		return []Reply{{Text: fmt.Sprintf("Unknown project key(s): %s. Type `projects` for the list, or `cancel` to stop.",
			strings.Join(unknown, ", "))}}
	}

	r.mu.Lock()
	s.projects = keys
	s.stage = reportAwaitingPeriod
	s.lastSeen = r.now()
	r.mu.Unlock()

	return []Reply{{Text: "Now enter the period: two dates (`2024-05-01 2024-05-15`), a single day, or a phrase like `last week` or `this month`."}}
}

func (r *Router) reportSelectPeriod(ctx context.Context, userID string, s *reportSession, input string) []Reply {
	period, err := dates.Parse(input, r.now())
	switch {
	case errors.Is(err, dates.ErrReversedRange):
		return []Reply{{Text: "The end date is before the start date. Enter the period again."}}
	case err != nil:
		return []Reply{{Text: "I couldn't understand that period. Try `2024-05-01 2024-05-15`, `last week`, or `last 30 days`."}}
	}

	projects := s.projects
	r.endSession(userID)

	result, err := r.reporter.Aggregate(ctx, userID, projects, period.Start, period.End)
	if err != nil {
		return []Reply{r.describeError(ctx, userID, err)}
	}

	summary := renderSummary(result, projects, period.Label)
	if len(result.Entries) == 0 {
		return []Reply{{Text: summary}}
	}

	workbook, err := report.Workbook(result, projects)
	if err != nil {
		r.log.Error(ctx, "workbook rendering failed", "user_id", userID, "error", err)
		return []Reply{{Text: summary}, {Text: "⚠️ The Excel file could not be generated."}}
	}

	if r.archiver != nil {
		if key, err := r.archiver.Upload(ctx, workbook); err != nil {
			r.log.Warn(ctx, "workbook archive failed", "user_id", userID, "error", err)
		} else {
			r.log.Info(ctx, "workbook archived", "user_id", userID, "key", key)
		}
	}

	return []Reply{{
		Text: summary,
		File: &File{Name: report.Filename(projects, result), Data: workbook},
	}}
}

func renderSummary(r *report.Result, projects []string, periodLabel string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Worklog report for %s, %s**\n\n", strings.Join(projects, ", "), periodLabel)
	if len(r.Entries) == 0 {
		b.WriteString("No worklogs found for this period.")
		return b.String()
	}

	if len(projects) > 1 {
		keys := make([]string, 0, len(r.TotalsByProject))
		for k := range r.TotalsByProject {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "• `%s`: %s h\n", k, report.Hours(r.TotalsByProject[k]))
		}
	}
	fmt.Fprintf(&b, "**Total: %s h** across %d worklog(s).", report.Hours(r.GrandTotal), len(r.Entries))
	return b.String()
}

func (r *Router) describeError(ctx context.Context, userID string, err error) Reply {
	switch {
	case errors.Is(err, common.ErrNotEnrolled):
		return Reply{Text: "You are not connected to Jira yet. Run `setup` first."}
	case errors.Is(err, common.ErrInvalidCredentials):
		return Reply{Text: "❌ Jira rejected your stored credentials, so they have been removed. Run `setup` to reconnect."}
	case errors.Is(err, common.ErrTrackerUnreachable):
		return Reply{Text: "⚠️ Jira is unreachable right now. Try again in a few minutes."}
	default:
		r.log.Error(ctx, "request failed", "user_id", userID, "error", err)
		return Reply{Text: "⚠️ Something went wrong. Try again later."}
	}
}

// liveSession returns the user's report session, discarding it when the
// inactivity window has elapsed.
func (r *Router) liveSession(userID string) *reportSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userID]
	if !ok {
		return nil
	}
	if r.now().Sub(s.lastSeen) > r.timeout {
		delete(r.sessions, userID)
		return nil
	}
	s.lastSeen = r.now()
	return s
}

func (r *Router) endSession(userID string) {
	r.mu.Lock()
	delete(r.sessions, userID)
	r.mu.Unlock()
}

func splitKeys(input string) []string {
	parts := strings.FieldsFunc(input, func(c rune) bool { return c == ',' || c == ' ' })
	keys := make([]string, 0, len(parts))
	seen := map[string]bool{}
	for _, p := range parts {
		k := strings.ToUpper(strings.TrimSpace(p))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	return keys
}
