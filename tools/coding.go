package tools

import (
	"context"
	"errors"
)

// CodingRunner executes a delegated coding task against a repository and
// returns a human-readable outcome report.
type CodingRunner interface {
	Run(ctx context.Context, repoURL, task string) (string, error)
}

// CodingTools registers the coding delegation tool.
type CodingTools struct {
	Runner CodingRunner
}

// Register adds run_coding_task to the registry.
func (c *CodingTools) Register(r *Registry) {
	r.MustRegister(Tool{
		Name:        "run_coding_task",
		Description: "Delegate a coding task to a sandboxed coding agent working on a git repository. Long running; returns a summary of what was done and the branch it was pushed to.",
		InputSchema: objectSchema(map[string]any{
			"repo_url": map[string]any{"type": "string", "description": "HTTPS clone URL of the repository."},
			"task":     map[string]any{"type": "string", "description": "What to build, fix, or change."},
		}, "repo_url", "task"),
		Handler: c.run,
	})
}

func (c *CodingTools) run(ctx context.Context, args map[string]any) (string, error) {
	if c.Runner == nil {
		return "", errors.New("coding delegation is not configured")
	}
	repoURL := argString(args, "repo_url")
	task := argString(args, "task")
	if repoURL == "" || task == "" {
		return "", errors.New("repo_url and task must not be empty")
	}
	return c.Runner.Run(ctx, repoURL, task)
}
