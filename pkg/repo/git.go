package repo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/polemarch/pkg/engine"
)

// GitOptions configures the git backend.
type GitOptions struct {
	// Binary is the git executable. Defaults to "git" on PATH.
	Binary string

	// Env is appended to the process environment of every git command.
	Env []string
}

// GitBackend keeps a workspace as a git checkout.
type GitBackend struct {
	opts GitOptions
}

// NewGitBackend returns the git backend.
func NewGitBackend(opts GitOptions) *GitBackend {
	if opts.Binary == "" {
		opts.Binary = "git"
	}
	return &GitBackend{opts: opts}
}

// Kind implements Backend.
func (*GitBackend) Kind() engine.BackendKind {
	return engine.BackendGit
}

// LatestRevision follows the remote HEAD, like an empty revision.
const LatestRevision = "latest"

// Sync clones on first use and fetches afterwards. The project revision may
// be a branch, a tag or a commit; empty or "latest" follows the remote
// default branch.
func (g *GitBackend) Sync(ctx context.Context, project *engine.Project, dir string) (string, error) {
	if project.Source == "" {
		return "", engine.NewSyncContentError("git project has no source", nil)
	}

	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		if err := g.update(ctx, project, dir); err != nil {
			return "", err
		}
	} else if err := g.clone(ctx, project, dir); err != nil {
		return "", err
	}

	rev, err := g.run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return rev, nil
}

// clone checks the repository out into a staging directory and renames it
// into place, so a failed clone leaves no partial tree behind.
func (g *GitBackend) clone(ctx context.Context, project *engine.Project, dir string) error {
	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return engine.NewSyncContentError("failed to prepare workspace parent", err)
	}
	staging, err := os.MkdirTemp(parent, "."+filepath.Base(dir)+".clone-")
	if err != nil {
		return engine.NewSyncContentError("failed to create staging directory", err)
	}
	defer os.RemoveAll(staging)

	log.Debug().Str("project_id", project.ID).Str("source", project.Source).Msg("Cloning repository")
	if _, err := g.run(ctx, parent, "clone", "--quiet", "--", project.Source, staging); err != nil {
		return err
	}
	if !followsHead(project.Revision) {
		if err := g.checkout(ctx, staging, project.Revision); err != nil {
			return err
		}
	}
	if err := os.Chmod(staging, 0o755); err != nil {
		return engine.NewSyncContentError("failed to prepare checkout", err)
	}

	if err := swapDir(staging, dir); err != nil {
		return engine.NewSyncContentError("failed to install checkout", err)
	}
	return nil
}

func (g *GitBackend) update(ctx context.Context, project *engine.Project, dir string) error {
	if _, err := g.run(ctx, dir, "remote", "set-url", "origin", project.Source); err != nil {
		return err
	}
	if _, err := g.run(ctx, dir, "fetch", "--prune", "--tags", "--force", "origin"); err != nil {
		return err
	}

	rev := project.Revision
	if followsHead(rev) {
		var err error
		if rev, err = g.defaultBranch(ctx, dir); err != nil {
			return err
		}
	}
	return g.checkout(ctx, dir, rev)
}

func followsHead(rev string) bool {
	return rev == "" || rev == LatestRevision
}

// checkout moves the work tree to rev. Branches are reset to the fetched
// remote head, tags and commits are checked out detached.
func (g *GitBackend) checkout(ctx context.Context, dir, rev string) error {
	if _, err := g.run(ctx, dir, "checkout", "--quiet", "--force", rev); err != nil {
		return err
	}
	if _, err := g.run(ctx, dir, "show-ref", "--verify", "--quiet", "refs/remotes/origin/"+rev); err == nil {
		if _, err := g.run(ctx, dir, "reset", "--quiet", "--hard", "origin/"+rev); err != nil {
			return err
		}
	}
	return nil
}

// defaultBranch asks the remote which branch HEAD points to.
func (g *GitBackend) defaultBranch(ctx context.Context, dir string) (string, error) {
	out, err := g.run(ctx, dir, "ls-remote", "--symref", "origin", "HEAD")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(out, "\n") {
		if ref, ok := strings.CutPrefix(line, "ref: refs/heads/"); ok {
			if branch, _, found := strings.Cut(ref, "\t"); found {
				return branch, nil
			}
		}
	}
	return "", engine.NewSyncContentError("remote has no default branch", nil)
}

func (g *GitBackend) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, g.opts.Binary, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")
	cmd.Env = append(cmd.Env, g.opts.Env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", classifyGit(ctx, args[0], strings.TrimSpace(stderr.String()), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Markers git prints when the remote cannot be reached.
var gitNetworkMarkers = []string{
	"could not resolve host",
	"unable to access",
	"connection refused",
	"connection timed out",
	"could not read from remote repository",
	"the remote end hung up",
	"early eof",
	"network is unreachable",
	"operation timed out",
	"ssl_connect",
	"gnutls",
}

func classifyGit(ctx context.Context, subcommand, stderr string, err error) error {
	msg := fmt.Sprintf("git %s failed", subcommand)
	if stderr != "" {
		msg += ": " + stderr
	}

	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return engine.NewSyncContentError("git executable not available", err)
	}
	if ctx.Err() != nil {
		return engine.NewSyncNetworkError(msg, ctx.Err())
	}

	lower := strings.ToLower(stderr)
	for _, marker := range gitNetworkMarkers {
		if strings.Contains(lower, marker) {
			return engine.NewSyncNetworkError(msg, err)
		}
	}
	return engine.NewSyncContentError(msg, err)
}
