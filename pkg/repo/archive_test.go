package repo

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/openfroyo/polemarch/pkg/engine"
)

type entry struct {
	name string
	body string
	link string
	dir  bool
}

func buildTar(t *testing.T, entries []entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0o644, Size: int64(len(e.body)), Typeflag: tar.TypeReg}
		switch {
		case e.dir:
			hdr = &tar.Header{Name: e.name, Mode: 0o755, Typeflag: tar.TypeDir}
		case e.link != "":
			hdr = &tar.Header{Name: e.name, Linkname: e.link, Typeflag: tar.TypeSymlink}
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(e.body)); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func zstdBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil)
}

func buildZip(t *testing.T, entries []entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(e.body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func writeArchive(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

var siteEntries = []entry{
	{name: "site.yml", body: "- hosts: all\n"},
	{name: "roles/", dir: true},
	{name: "roles/web/tasks/main.yml", body: "- ping:\n"},
}

func TestArchiveBackend_Formats(t *testing.T) {
	plain := buildTar(t, siteEntries)
	tests := []struct {
		name string
		data []byte
	}{
		{"tar", plain},
		{"tar.gz", gzipBytes(t, plain)},
		{"tar.zst", zstdBytes(t, plain)},
		{"zip", buildZip(t, []entry{
			{name: "site.yml", body: "- hosts: all\n"},
			{name: "roles/web/tasks/main.yml", body: "- ping:\n"},
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			archive := writeArchive(t, "project."+tt.name, tt.data)
			dir := filepath.Join(t.TempDir(), "web")

			rev, err := NewArchiveBackend(ArchiveOptions{}).Sync(context.Background(),
				&engine.Project{ID: "web", Backend: engine.BackendTar, Source: archive}, dir)
			if err != nil {
				t.Fatalf("Sync failed: %v", err)
			}
			if rev != digest(tt.data) {
				t.Errorf("revision = %s, want blake3 of archive", rev)
			}
			if got := readFile(t, filepath.Join(dir, "roles/web/tasks/main.yml")); got != "- ping:\n" {
				t.Errorf("unexpected task file: %q", got)
			}
		})
	}
}

func TestArchiveBackend_FileURLAndFlattening(t *testing.T) {
	data := gzipBytes(t, buildTar(t, []entry{
		{name: "web-1.0/", dir: true},
		{name: "web-1.0/site.yml", body: "play"},
		{name: "web-1.0/docs/readme", body: "docs"},
	}))
	archive := writeArchive(t, "web-1.0.tar.gz", data)
	dir := filepath.Join(t.TempDir(), "web")

	_, err := NewArchiveBackend(ArchiveOptions{}).Sync(context.Background(),
		&engine.Project{ID: "web", Source: "file://" + archive}, dir)
	if err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, filepath.Join(dir, "site.yml")); got != "play" {
		t.Errorf("single top-level directory was not hoisted, site.yml = %q", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "web-1.0")); !os.IsNotExist(err) {
		t.Error("wrapper directory should be gone")
	}
}

func TestArchiveBackend_ReplacesPreviousTree(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "web")
	backend := NewArchiveBackend(ArchiveOptions{})
	project := &engine.Project{ID: "web"}

	project.Source = writeArchive(t, "v1.tar", buildTar(t, []entry{{name: "old.yml", body: "v1"}, {name: "site.yml", body: "v1"}}))
	if _, err := backend.Sync(context.Background(), project, dir); err != nil {
		t.Fatal(err)
	}

	project.Source = writeArchive(t, "v2.tar", buildTar(t, []entry{{name: "site.yml", body: "v2"}, {name: "new.yml", body: "v2"}}))
	if _, err := backend.Sync(context.Background(), project, dir); err != nil {
		t.Fatal(err)
	}

	if got := readFile(t, filepath.Join(dir, "site.yml")); got != "v2" {
		t.Errorf("site.yml = %q, want v2", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "old.yml")); !os.IsNotExist(err) {
		t.Error("files absent from the new archive must disappear")
	}

	siblings, _ := os.ReadDir(filepath.Dir(dir))
	if len(siblings) != 1 {
		names := make([]string, 0, len(siblings))
		for _, s := range siblings {
			names = append(names, s.Name())
		}
		t.Errorf("staging or backup leftovers: %v", names)
	}
}

func TestArchiveBackend_FailuresLeaveRootUntouched(t *testing.T) {
	bad := map[string][]byte{
		"traversal": buildTar(t, []entry{{name: "ok.yml", body: "x"}, {name: "../../evil", body: "x"}}),
		"absolute":  buildTar(t, []entry{{name: "/etc/evil", body: "x"}}),
		"symlink":   buildTar(t, []entry{{name: "link", link: "../../../etc/passwd"}}),
		"corrupt":   append([]byte{0x1f, 0x8b}, bytes.Repeat([]byte{0xff}, 64)...),
		"unknown":   []byte("just some text, not an archive"),
	}

	for name, data := range bad {
		t.Run(name, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "web")
			backend := NewArchiveBackend(ArchiveOptions{})
			project := &engine.Project{ID: "web", Source: writeArchive(t, "good.tar", buildTar(t, siteEntries))}
			if _, err := backend.Sync(context.Background(), project, dir); err != nil {
				t.Fatal(err)
			}

			project.Source = writeArchive(t, "bad", data)
			_, err := backend.Sync(context.Background(), project, dir)
			if !engine.HasCode(err, engine.ErrCodeSyncContent) {
				t.Fatalf("expected SYNC_CONTENT, got %v", err)
			}

			if got := readFile(t, filepath.Join(dir, "site.yml")); got != "- hosts: all\n" {
				t.Errorf("previous tree modified: site.yml = %q", got)
			}
			if _, err := os.Stat(filepath.Join(dir, "ok.yml")); !os.IsNotExist(err) {
				t.Error("partial extraction leaked into the workspace")
			}
		})
	}
}

func TestArchiveBackend_HTTP(t *testing.T) {
	data := gzipBytes(t, buildTar(t, siteEntries))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/site.tar.gz":
			_, _ = w.Write(data)
		case "/flaky":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	backend := NewArchiveBackend(ArchiveOptions{HTTPClient: srv.Client()})
	ctx := context.Background()

	dir := filepath.Join(t.TempDir(), "web")
	rev, err := backend.Sync(ctx, &engine.Project{ID: "web", Source: srv.URL + "/site.tar.gz"}, dir)
	if err != nil || rev != digest(data) {
		t.Fatalf("Sync = %s, %v", rev, err)
	}

	_, err = backend.Sync(ctx, &engine.Project{ID: "web", Source: srv.URL + "/flaky"}, dir)
	if !engine.HasCode(err, engine.ErrCodeSyncNetwork) {
		t.Errorf("503 should be a network error, got %v", err)
	}

	_, err = backend.Sync(ctx, &engine.Project{ID: "web", Source: srv.URL + "/missing"}, dir)
	if !engine.HasCode(err, engine.ErrCodeSyncContent) {
		t.Errorf("404 should be a content error, got %v", err)
	}
}

func TestArchiveBackend_SizeLimit(t *testing.T) {
	data := buildTar(t, []entry{{name: "big", body: strings.Repeat("x", 64*1024)}})
	backend := NewArchiveBackend(ArchiveOptions{MaxBytes: 1024})

	_, err := backend.Sync(context.Background(),
		&engine.Project{ID: "web", Source: writeArchive(t, "big.tar", data)}, filepath.Join(t.TempDir(), "web"))
	if !engine.HasCode(err, engine.ErrCodeSyncContent) {
		t.Errorf("expected SYNC_CONTENT for oversized archive, got %v", err)
	}
}

func TestArchiveBackend_UnsupportedScheme(t *testing.T) {
	_, err := NewArchiveBackend(ArchiveOptions{}).Sync(context.Background(),
		&engine.Project{ID: "web", Source: "ftp://example.com/a.tar"}, filepath.Join(t.TempDir(), "web"))
	if !engine.HasCode(err, engine.ErrCodeSyncContent) {
		t.Errorf("expected SYNC_CONTENT, got %v", err)
	}
}

func TestSafeJoin(t *testing.T) {
	dest := "/w"
	cases := map[string]bool{
		"a/b.yml":        true,
		"./a":            true,
		"a/../b":         true,
		"../a":           false,
		"a/../../b":      false,
		"/abs":           false,
		`..\windows`:     false,
		"roles/x/../../": true,
	}
	for name, ok := range cases {
		_, err := safeJoin(dest, name)
		if (err == nil) != ok {
			t.Errorf("safeJoin(%q) err = %v, want ok=%v", name, err, ok)
		}
	}
}
