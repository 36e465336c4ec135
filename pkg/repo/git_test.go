package repo

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/polemarch/pkg/engine"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

// gitRepo is an upstream repository the tests commit into.
type gitRepo struct {
	t   *testing.T
	dir string
}

func newGitRepo(t *testing.T) *gitRepo {
	t.Helper()
	r := &gitRepo{t: t, dir: filepath.Join(t.TempDir(), "upstream")}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		t.Fatal(err)
	}
	r.git("init", "--quiet", "--initial-branch=main")
	r.git("config", "user.email", "ci@example.com")
	r.git("config", "user.name", "ci")
	return r
}

func (r *gitRepo) git(args ...string) string {
	r.t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = r.dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		r.t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

func (r *gitRepo) commit(file, content string) string {
	r.t.Helper()
	if err := os.WriteFile(filepath.Join(r.dir, file), []byte(content), 0o644); err != nil {
		r.t.Fatal(err)
	}
	r.git("add", file)
	r.git("commit", "--quiet", "-m", "update "+file)
	return r.git("rev-parse", "HEAD")
}

func TestGitBackend_CloneThenFetch(t *testing.T) {
	requireGit(t)
	upstream := newGitRepo(t)
	first := upstream.commit("site.yml", "v1")

	backend := NewGitBackend(GitOptions{})
	project := &engine.Project{ID: "web", Backend: engine.BackendGit, Source: upstream.dir}
	dir := filepath.Join(t.TempDir(), "web")
	ctx := context.Background()

	rev, err := backend.Sync(ctx, project, dir)
	if err != nil {
		t.Fatalf("clone failed: %v", err)
	}
	if rev != first {
		t.Errorf("revision = %s, want %s", rev, first)
	}

	second := upstream.commit("site.yml", "v2")
	rev, err = backend.Sync(ctx, project, dir)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if rev != second {
		t.Errorf("revision after update = %s, want %s", rev, second)
	}
	if got := readFile(t, filepath.Join(dir, "site.yml")); got != "v2" {
		t.Errorf("site.yml = %q, want v2", got)
	}
}

func TestGitBackend_PinnedRevisionAndTags(t *testing.T) {
	requireGit(t)
	upstream := newGitRepo(t)
	first := upstream.commit("site.yml", "v1")
	upstream.git("tag", "release-1")
	upstream.commit("site.yml", "v2")

	backend := NewGitBackend(GitOptions{})
	dir := filepath.Join(t.TempDir(), "web")

	rev, err := backend.Sync(context.Background(),
		&engine.Project{ID: "web", Source: upstream.dir, Revision: "release-1"}, dir)
	if err != nil {
		t.Fatal(err)
	}
	if rev != first {
		t.Errorf("tag checkout = %s, want %s", rev, first)
	}

	rev, err = backend.Sync(context.Background(),
		&engine.Project{ID: "web", Source: upstream.dir, Revision: first[:12]}, dir)
	if err != nil || rev != first {
		t.Errorf("commit checkout = %s, %v", rev, err)
	}
}

func TestGitBackend_LatestFollowsRemoteHead(t *testing.T) {
	requireGit(t)
	upstream := newGitRepo(t)
	upstream.commit("site.yml", "v1")

	backend := NewGitBackend(GitOptions{})
	project := &engine.Project{ID: "web", Source: upstream.dir, Revision: LatestRevision}
	dir := filepath.Join(t.TempDir(), "web")
	ctx := context.Background()

	if _, err := backend.Sync(ctx, project, dir); err != nil {
		t.Fatalf("clone at latest failed: %v", err)
	}

	head := upstream.commit("site.yml", "v2")
	rev, err := backend.Sync(ctx, project, dir)
	if err != nil {
		t.Fatalf("fetch at latest failed: %v", err)
	}
	if rev != head {
		t.Errorf("revision = %s, want remote HEAD %s", rev, head)
	}
	if got := readFile(t, filepath.Join(dir, "site.yml")); got != "v2" {
		t.Errorf("site.yml = %q, want v2", got)
	}
}

func TestGitBackend_BadRevisionKeepsCheckout(t *testing.T) {
	requireGit(t)
	upstream := newGitRepo(t)
	good := upstream.commit("site.yml", "v1")

	backend := NewGitBackend(GitOptions{})
	dir := filepath.Join(t.TempDir(), "web")
	project := &engine.Project{ID: "web", Source: upstream.dir}

	if _, err := backend.Sync(context.Background(), project, dir); err != nil {
		t.Fatal(err)
	}

	project.Revision = "no-such-branch"
	_, err := backend.Sync(context.Background(), project, dir)
	if !engine.HasCode(err, engine.ErrCodeSyncContent) {
		t.Fatalf("expected SYNC_CONTENT, got %v", err)
	}

	head, err := backend.run(context.Background(), dir, "rev-parse", "HEAD")
	if err != nil || head != good {
		t.Errorf("checkout moved after failed sync: %s, %v", head, err)
	}
}

func TestGitBackend_FailedCloneLeavesNoTree(t *testing.T) {
	requireGit(t)
	dir := filepath.Join(t.TempDir(), "web")

	_, err := NewGitBackend(GitOptions{}).Sync(context.Background(),
		&engine.Project{ID: "web", Source: filepath.Join(t.TempDir(), "missing")}, dir)
	if !engine.HasCode(err, engine.ErrCodeSyncContent) {
		t.Fatalf("expected SYNC_CONTENT, got %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("failed clone left a workspace behind")
	}
	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(dir), ".web.clone-*"))
	if len(leftovers) != 0 {
		t.Errorf("staging directories left: %v", leftovers)
	}
}

func TestGitBackend_MissingBinary(t *testing.T) {
	backend := NewGitBackend(GitOptions{Binary: filepath.Join(t.TempDir(), "no-git")})
	_, err := backend.Sync(context.Background(),
		&engine.Project{ID: "web", Source: "https://example.com/web.git"}, filepath.Join(t.TempDir(), "web"))
	if !engine.HasCode(err, engine.ErrCodeSyncContent) {
		t.Errorf("expected SYNC_CONTENT, got %v", err)
	}
}

func TestClassifyGit(t *testing.T) {
	ctx := context.Background()
	exitErr := errors.New("exit status 128")

	network := []string{
		"fatal: unable to access 'https://example.com/x.git/': Could not resolve host: example.com",
		"ssh: connect to host example.com port 22: Connection refused\nfatal: Could not read from remote repository.",
		"fatal: the remote end hung up unexpectedly",
	}
	for _, stderr := range network {
		if err := classifyGit(ctx, "fetch", stderr, exitErr); !engine.HasCode(err, engine.ErrCodeSyncNetwork) {
			t.Errorf("%q classified as %v", stderr, err)
		}
	}

	content := []string{
		"error: pathspec 'nope' did not match any file(s) known to git",
		"fatal: repository '/srv/missing' does not exist",
	}
	for _, stderr := range content {
		if err := classifyGit(ctx, "checkout", stderr, exitErr); !engine.HasCode(err, engine.ErrCodeSyncContent) {
			t.Errorf("%q classified as %v", stderr, err)
		}
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := classifyGit(cancelled, "fetch", "", exitErr); !engine.HasCode(err, engine.ErrCodeSyncNetwork) {
		t.Errorf("cancelled fetch classified as %v", err)
	}
}
