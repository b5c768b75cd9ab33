// Package coding delegates repository work to a coding agent living in
// the sandbox. The runner prepares the repo, drives an engine session,
// and gates completion on committed, pushed work.
package coding

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/everydev1618/outie/engine"
	"github.com/everydev1618/outie/sandbox"
	"github.com/everydev1618/outie/store"
)

const (
	// stalenessWindow is how long a previous task on the same repo stays a
	// continuation candidate.
	stalenessWindow = 24 * time.Hour

	branchPrefix = "outie/"
	maxSlugLen   = 24

	// commitGateRounds caps how often we nudge the agent to commit.
	commitGateRounds = 3
)

// ErrSandboxNotReady is returned when the sandbox cannot be brought up.
var ErrSandboxNotReady = errors.New("sandbox not ready for coding task")

// Sandbox is the container surface the runner needs.
type Sandbox interface {
	Wake(ctx context.Context) (string, error)
	WaitReady(ctx context.Context) error
	Exec(ctx context.Context, command []string, workDir string) (*sandbox.ExecResult, error)
	InstallEnv(vars map[string]string)
}

// Engine is the session surface the runner needs.
type Engine interface {
	CreateSession(ctx context.Context) (engine.Session, error)
	GetSession(ctx context.Context, id string) (engine.Session, error)
	Prompt(ctx context.Context, id, system, prompt string) error
	WaitIdle(ctx context.Context, id string) (engine.Session, error)
}

// TokenSource supplies repository credentials. Nil means anonymous.
type TokenSource interface {
	InstallationToken(ctx context.Context) (string, error)
}

// Classifier decides whether a new task continues the previous one.
// Implementations consult a fast model; any failure means "new".
type Classifier interface {
	Classify(ctx context.Context, prevTask, newTask string) (string, error)
}

// Runner orchestrates one coding task at a time.
type Runner struct {
	store      store.Store
	sandbox    Sandbox
	engine     Engine
	tokens     TokenSource
	classifier Classifier
	now        func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithTokenSource wires repository credentials.
func WithTokenSource(ts TokenSource) Option {
	return func(r *Runner) {
		r.tokens = ts
	}
}

// WithClassifier wires the continue-vs-new decision.
func WithClassifier(c Classifier) Option {
	return func(r *Runner) {
		r.classifier = c
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
	}
}

// NewRunner creates a Runner.
func NewRunner(st store.Store, sb Sandbox, eng Engine, opts ...Option) *Runner {
	r := &Runner{
		store:   st,
		sandbox: sb,
		engine:  eng,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one coding task and returns a human-readable report.
func (r *Runner) Run(ctx context.Context, repoURL, task string) (string, error) {
	if _, err := r.sandbox.Wake(ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSandboxNotReady, err)
	}
	if err := r.sandbox.WaitReady(ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSandboxNotReady, err)
	}

	cloneURL := repoURL
	if r.tokens != nil {
		token, err := r.tokens.InstallationToken(ctx)
		if err != nil {
			return "", fmt.Errorf("repository credentials: %w", err)
		}
		r.sandbox.InstallEnv(map[string]string{"GIT_TOKEN": token})
		cloneURL = authedURL(repoURL, token)
	}

	prev, cont := r.continuation(ctx, repoURL, task)

	branch := prev.Branch
	sessionID := prev.SessionID
	if !cont {
		branch = newBranchName(task)
		sessionID = ""
	}

	repoDir := repoDirName(repoURL)
	if err := r.prepareRepo(ctx, cloneURL, repoDir, branch, cont); err != nil {
		return "", err
	}

	session, err := r.session(ctx, sessionID)
	if err != nil {
		return "", err
	}

	report, err := r.drive(ctx, session.ID, repoDir, branch, task)
	if err != nil {
		return "", err
	}

	state := store.CodingTaskState{
		RepoURL:       repoURL,
		Branch:        branch,
		SessionID:     session.ID,
		LastTask:      task,
		LastTimestamp: r.now().UnixMilli(),
	}
	if err := r.store.SaveCodingTaskState(state); err != nil {
		slog.Warn("coding: persist task state failed", "repo", repoURL, "error", err)
	}
	return report, nil
}

// continuation decides whether this task picks up the previous session
// on the same repo. A stale or missing record, or any classifier
// hesitation, means a fresh start.
func (r *Runner) continuation(ctx context.Context, repoURL, task string) (store.CodingTaskState, bool) {
	prev, err := r.store.GetCodingTaskState(repoURL)
	if err != nil {
		return store.CodingTaskState{}, false
	}
	age := r.now().Sub(time.UnixMilli(prev.LastTimestamp))
	if age > stalenessWindow {
		return store.CodingTaskState{}, false
	}
	if r.classifier == nil {
		return store.CodingTaskState{}, false
	}
	verdict, err := r.classifier.Classify(ctx, prev.LastTask, task)
	if err != nil || verdict != "continue" {
		return store.CodingTaskState{}, false
	}
	return prev, true
}

func (r *Runner) prepareRepo(ctx context.Context, cloneURL, repoDir, branch string, cont bool) error {
	res, err := r.sandbox.Exec(ctx, []string{"test", "-d", repoDir + "/.git"}, "")
	if err != nil {
		return fmt.Errorf("probe repo dir: %w", err)
	}
	if res.ExitCode != 0 {
		res, err = r.sandbox.Exec(ctx, []string{"git", "clone", "--depth", "1", cloneURL, repoDir}, "")
		if err != nil {
			return fmt.Errorf("clone: %w", err)
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("clone failed: %s", res.Stderr)
		}
	} else {
		if res, err = r.sandbox.Exec(ctx, []string{"git", "fetch", "--depth", "1", "origin"}, repoDir); err != nil {
			return fmt.Errorf("fetch: %w", err)
		} else if res.ExitCode != 0 {
			return fmt.Errorf("fetch failed: %s", res.Stderr)
		}
	}

	checkout := []string{"git", "checkout", "-B", branch}
	if cont {
		checkout = []string{"git", "checkout", branch}
	}
	res, err = r.sandbox.Exec(ctx, checkout, repoDir)
	if err != nil {
		return fmt.Errorf("checkout: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("checkout %s failed: %s", branch, res.Stderr)
	}
	return nil
}

// session reuses a prior engine session when it still exists, otherwise
// creates one.
func (r *Runner) session(ctx context.Context, id string) (engine.Session, error) {
	if id != "" {
		s, err := r.engine.GetSession(ctx, id)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, engine.ErrSessionMissing) {
			return engine.Session{}, err
		}
		slog.Info("coding: previous session gone, starting fresh", "session", id)
	}
	s, err := r.engine.CreateSession(ctx)
	if err != nil {
		return engine.Session{}, fmt.Errorf("create coding session: %w", err)
	}
	return s, nil
}

// drive prompts the agent and gates completion on a clean, pushed tree.
// The gate re-prompts at most commitGateRounds times, and stops early if
// a round changes nothing.
func (r *Runner) drive(ctx context.Context, sessionID, repoDir, branch, task string) (string, error) {
	system := "You are a coding agent working in /workspace. Commit your work with clear messages and push the branch you are on when done."
	prompt := fmt.Sprintf("Repository: %s\nBranch: %s\n\nTask:\n%s", repoDir, branch, task)

	if err := r.engine.Prompt(ctx, sessionID, system, prompt); err != nil {
		return "", fmt.Errorf("prompt coding session: %w", err)
	}
	session, err := r.engine.WaitIdle(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if session.State == engine.StateFailed {
		return "", fmt.Errorf("coding session failed: %s", session.LastMessage)
	}

	lastHash := ""
	for round := 0; round < commitGateRounds; round++ {
		clean, hash, err := r.treeState(ctx, repoDir)
		if err != nil {
			return "", err
		}
		if clean {
			break
		}
		if hash == lastHash {
			slog.Warn("coding: commit gate made no progress, stopping", "repo", repoDir)
			break
		}
		lastHash = hash

		if err := r.engine.Prompt(ctx, sessionID, system,
			"There are uncommitted changes in the working tree. Commit everything that belongs to the task and push the branch."); err != nil {
			return "", fmt.Errorf("commit gate prompt: %w", err)
		}
		if session, err = r.engine.WaitIdle(ctx, sessionID); err != nil {
			return "", err
		}
	}

	// Push is idempotent; run it ourselves in case the agent forgot.
	res, err := r.sandbox.Exec(ctx, []string{"git", "push", "-u", "origin", branch}, repoDir)
	if err != nil {
		return "", fmt.Errorf("push: %w", err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("push %s failed: %s", branch, res.Stderr)
	}

	return fmt.Sprintf("Branch %s pushed.\n\n%s", branch, session.LastMessage), nil
}

// treeState reports whether the working tree is clean, plus a hash of
// status and HEAD for cycle detection.
func (r *Runner) treeState(ctx context.Context, repoDir string) (bool, string, error) {
	status, err := r.sandbox.Exec(ctx, []string{"git", "status", "--porcelain"}, repoDir)
	if err != nil {
		return false, "", fmt.Errorf("git status: %w", err)
	}
	head, err := r.sandbox.Exec(ctx, []string{"git", "rev-parse", "HEAD"}, repoDir)
	if err != nil {
		return false, "", fmt.Errorf("git rev-parse: %w", err)
	}
	sum := sha256.Sum256([]byte(status.Stdout + "\n" + head.Stdout))
	return strings.TrimSpace(status.Stdout) == "", hex.EncodeToString(sum[:8]), nil
}

// newBranchName derives a branch like outie/fix-login-flow-a1b2c3.
func newBranchName(task string) string {
	slug := slugify(task)
	suffix := make([]byte, 3)
	rand.Read(suffix)
	return branchPrefix + slug + "-" + hex.EncodeToString(suffix)
}

func slugify(s string) string {
	var sb strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				sb.WriteByte('-')
				lastDash = true
			}
		}
		if sb.Len() >= maxSlugLen {
			break
		}
	}
	slug := strings.Trim(sb.String(), "-")
	if slug == "" {
		slug = "task"
	}
	return slug
}

// repoDirName maps a clone URL to a stable workspace directory.
func repoDirName(repoURL string) string {
	name := repoURL
	if u, err := url.Parse(repoURL); err == nil && u.Path != "" {
		name = strings.TrimSuffix(strings.Trim(u.Path, "/"), ".git")
		name = strings.ReplaceAll(name, "/", "-")
	}
	return "/workspace/" + slugify(name)
}

// authedURL embeds an installation token into an HTTPS clone URL.
func authedURL(repoURL, token string) string {
	u, err := url.Parse(repoURL)
	if err != nil || u.Scheme != "https" {
		return repoURL
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String()
}

// EngineClassifier asks a fast engine session for a strict-JSON verdict.
type EngineClassifier struct {
	Engine Engine
}

// Classify returns "continue" or "new". Anything unparseable is "new".
func (c *EngineClassifier) Classify(ctx context.Context, prevTask, newTask string) (string, error) {
	session, err := c.Engine.CreateSession(ctx)
	if err != nil {
		return "new", err
	}
	system := `You classify coding tasks. Answer with strict JSON: {"verdict":"continue"} if the new task is a follow-up to the previous one on the same work, {"verdict":"new"} otherwise. No other text.`
	prompt := fmt.Sprintf("Previous task:\n%s\n\nNew task:\n%s", prevTask, newTask)
	if err := c.Engine.Prompt(ctx, session.ID, system, prompt); err != nil {
		return "new", err
	}
	done, err := c.Engine.WaitIdle(ctx, session.ID)
	if err != nil {
		return "new", err
	}
	var out struct {
		Verdict string `json:"verdict"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(done.LastMessage)), &out); err != nil {
		return "new", nil
	}
	if out.Verdict != "continue" {
		return "new", nil
	}
	return "continue", nil
}
