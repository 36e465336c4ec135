package repo

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
	"github.com/zeebo/blake3"

	"github.com/openfroyo/polemarch/pkg/engine"
	"github.com/openfroyo/polemarch/pkg/transports/ssh"
)

// Archive formats recognized by content sniffing.
const (
	FormatTar     = "tar"
	FormatTarGzip = "tar.gz"
	FormatTarZstd = "tar.zst"
	FormatZip     = "zip"
)

// ArchiveOptions configures the archive backend.
type ArchiveOptions struct {
	// HTTPClient fetches http(s) locators. Defaults to a client with a 5 minute timeout.
	HTTPClient *http.Client

	// SSH is the base connection config for sftp locators.
	SSH *ssh.Config

	// MaxBytes caps the downloaded archive size; 0 means unlimited.
	MaxBytes int64
}

// ArchiveBackend replaces a workspace with the contents of an archive.
// Extraction happens in a staging directory and is swapped in with renames,
// so a failed sync leaves the previous tree untouched.
type ArchiveBackend struct {
	opts ArchiveOptions
}

// NewArchiveBackend returns the tar backend.
func NewArchiveBackend(opts ArchiveOptions) *ArchiveBackend {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &ArchiveBackend{opts: opts}
}

// Kind implements Backend.
func (*ArchiveBackend) Kind() engine.BackendKind {
	return engine.BackendTar
}

// Sync downloads, verifies and extracts the archive, returning its BLAKE3 digest.
func (b *ArchiveBackend) Sync(ctx context.Context, project *engine.Project, dir string) (string, error) {
	if project.Source == "" {
		return "", engine.NewSyncContentError("archive project has no source", nil)
	}

	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", engine.NewSyncContentError("failed to prepare workspace parent", err)
	}

	tmp, err := os.CreateTemp(parent, "."+filepath.Base(dir)+".download-*")
	if err != nil {
		return "", engine.NewSyncContentError("failed to create download file", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	hasher := blake3.New()
	size, err := b.fetch(ctx, project.Source, io.MultiWriter(tmp, hasher))
	if err != nil {
		return "", err
	}
	revision := hex.EncodeToString(hasher.Sum(nil))

	staging, err := os.MkdirTemp(parent, "."+filepath.Base(dir)+".staging-")
	if err != nil {
		return "", engine.NewSyncContentError("failed to create staging directory", err)
	}
	defer os.RemoveAll(staging)
	if err := os.Chmod(staging, 0o755); err != nil {
		return "", engine.NewSyncContentError("failed to prepare staging directory", err)
	}

	format, err := extractArchive(tmp, size, staging)
	if err != nil {
		return "", err
	}
	if err := flattenSingleRoot(staging); err != nil {
		return "", engine.NewSyncContentError("failed to normalize archive layout", err)
	}
	if err := swapDir(staging, dir); err != nil {
		return "", engine.NewSyncContentError("failed to install workspace", err)
	}

	log.Debug().
		Str("project_id", project.ID).
		Str("format", format).
		Int64("bytes", size).
		Str("revision", revision).
		Msg("Archive extracted")
	return revision, nil
}

// fetch copies the archive named by locator into w.
func (b *ArchiveBackend) fetch(ctx context.Context, locator string, w io.Writer) (int64, error) {
	if b.opts.MaxBytes > 0 {
		w = &limitWriter{w: w, remaining: b.opts.MaxBytes}
	}

	u, err := url.Parse(locator)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Plain paths, including Windows drive letters.
		return copyFile(locator, w)
	}

	switch u.Scheme {
	case "file":
		return copyFile(u.Path, w)
	case "http", "https":
		return b.fetchHTTP(ctx, locator, w)
	case "sftp":
		n, err := ssh.FetchLocator(ctx, locator, b.opts.SSH, w)
		if err != nil {
			return n, classifyTransport(err)
		}
		return n, nil
	default:
		return 0, engine.NewSyncContentError(fmt.Sprintf("unsupported archive locator scheme %q", u.Scheme), nil)
	}
}

func (b *ArchiveBackend) fetchHTTP(ctx context.Context, locator string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return 0, engine.NewSyncContentError("invalid archive url", err)
	}
	req.Header.Set("User-Agent", "polemarch")

	resp, err := b.opts.HTTPClient.Do(req)
	if err != nil {
		return 0, engine.NewSyncNetworkError("failed to download archive", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return 0, engine.NewSyncNetworkError("archive server unavailable", nil).
			WithDetail("status", resp.StatusCode)
	case resp.StatusCode >= 400:
		return 0, engine.NewSyncContentError("archive download rejected", nil).
			WithDetail("status", resp.StatusCode)
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		if errors.Is(err, errArchiveTooLarge) {
			return n, engine.NewSyncContentError("archive exceeds size limit", err)
		}
		return n, engine.NewSyncNetworkError("archive download interrupted", err)
	}
	return n, nil
}

func copyFile(path string, w io.Writer) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, engine.NewSyncContentError("failed to open archive", err)
	}
	defer f.Close()

	n, err := io.Copy(w, f)
	if err != nil {
		return n, engine.NewSyncContentError("failed to read archive", err)
	}
	return n, nil
}

func classifyTransport(err error) error {
	var terr *ssh.TransportError
	if errors.As(err, &terr) && !terr.Temporary() {
		return engine.NewSyncContentError("failed to fetch archive over sftp", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || (errors.As(err, &terr) && terr.Temporary()) {
		return engine.NewSyncNetworkError("failed to fetch archive over sftp", err)
	}
	return engine.NewSyncContentError("failed to fetch archive over sftp", err)
}

var errArchiveTooLarge = errors.New("archive too large")

type limitWriter struct {
	w         io.Writer
	remaining int64
}

func (l *limitWriter) Write(p []byte) (int, error) {
	if int64(len(p)) > l.remaining {
		return 0, errArchiveTooLarge
	}
	n, err := l.w.Write(p)
	l.remaining -= int64(n)
	return n, err
}

// sniffFormat identifies the archive by its leading bytes.
func sniffFormat(head []byte) (string, bool) {
	switch {
	case bytes.HasPrefix(head, []byte{0x1f, 0x8b}):
		return FormatTarGzip, true
	case bytes.HasPrefix(head, []byte{0x28, 0xb5, 0x2f, 0xfd}):
		return FormatTarZstd, true
	case bytes.HasPrefix(head, []byte("PK\x03\x04")), bytes.HasPrefix(head, []byte("PK\x05\x06")):
		return FormatZip, true
	case len(head) >= 262 && string(head[257:262]) == "ustar":
		return FormatTar, true
	}
	return "", false
}

func extractArchive(f *os.File, size int64, dest string) (string, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", engine.NewSyncContentError("failed to rewind archive", err)
	}
	br := bufio.NewReaderSize(f, 64*1024)
	head, _ := br.Peek(512)

	format, ok := sniffFormat(head)
	if !ok {
		return "", engine.NewSyncContentError("unsupported archive format", nil)
	}

	var err error
	switch format {
	case FormatTar:
		err = extractTar(br, dest)
	case FormatTarGzip:
		var zr *gzip.Reader
		if zr, err = gzip.NewReader(br); err == nil {
			err = extractTar(zr, dest)
			zr.Close()
		}
	case FormatTarZstd:
		var dec *zstd.Decoder
		if dec, err = zstd.NewReader(br); err == nil {
			err = extractTar(dec, dest)
			dec.Close()
		}
	case FormatZip:
		err = extractZip(f, size, dest)
	}
	if err != nil {
		var engErr *engine.EngineError
		if errors.As(err, &engErr) {
			return format, err
		}
		return format, engine.NewSyncContentError("corrupt "+format+" archive", err)
	}
	return format, nil
}

func extractTar(r io.Reader, dest string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}
		if target == "" {
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			err = os.MkdirAll(target, 0o755)
		case tar.TypeReg:
			err = writeFile(target, tr, fs.FileMode(hdr.Mode).Perm())
		case tar.TypeSymlink:
			err = makeSymlink(dest, target, hdr.Linkname)
		default:
			log.Debug().Str("entry", hdr.Name).Msg("Skipping unsupported tar entry")
		}
		if err != nil {
			return err
		}
	}
}

func extractZip(f *os.File, size int64, dest string) error {
	zr, err := zip.NewReader(f, size)
	if err != nil {
		return err
	}

	for _, entry := range zr.File {
		target, err := safeJoin(dest, entry.Name)
		if err != nil {
			return err
		}
		if target == "" {
			continue
		}

		mode := entry.Mode()
		switch {
		case mode.IsDir():
			err = os.MkdirAll(target, 0o755)
		case mode&fs.ModeSymlink != 0:
			err = extractZipSymlink(entry, dest, target)
		case mode.IsRegular():
			err = extractZipFile(entry, target)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func extractZipFile(entry *zip.File, target string) error {
	rc, err := entry.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	return writeFile(target, rc, entry.Mode().Perm())
}

func extractZipSymlink(entry *zip.File, dest, target string) error {
	rc, err := entry.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	link, err := io.ReadAll(io.LimitReader(rc, 4096))
	if err != nil {
		return err
	}
	return makeSymlink(dest, target, string(link))
}

// safeJoin maps an archive entry name into dest. It returns "" for the
// archive root and an error for names that would escape dest.
func safeJoin(dest, name string) (string, error) {
	name = strings.ReplaceAll(name, `\`, "/")
	if path.IsAbs(name) || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", engine.NewSyncContentError("archive entry has an absolute path", nil).WithDetail("entry", name)
	}
	clean := path.Clean(name)
	if clean == "." {
		return "", nil
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", engine.NewSyncContentError("archive entry escapes the workspace", nil).WithDetail("entry", name)
	}
	return filepath.Join(dest, filepath.FromSlash(clean)), nil
}

func makeSymlink(dest, target, link string) error {
	resolved := link
	if !filepath.IsAbs(link) {
		resolved = filepath.Join(filepath.Dir(target), link)
	}
	rel, err := filepath.Rel(dest, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(link) {
		return engine.NewSyncContentError("archive symlink escapes the workspace", nil).WithDetail("link", link)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return os.Symlink(link, target)
}

func writeFile(target string, r io.Reader, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if perm == 0 {
		perm = 0o644
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0o200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// flattenSingleRoot hoists the contents of a lone top-level directory, the
// layout produced by most release tarballs.
func flattenSingleRoot(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	if len(entries) != 1 || !entries[0].IsDir() {
		return nil
	}

	inner := filepath.Join(dir, entries[0].Name())
	hoisted := filepath.Join(dir, ".root-"+strconv.FormatInt(time.Now().UnixNano(), 36))
	if err := os.Rename(inner, hoisted); err != nil {
		return err
	}
	children, err := os.ReadDir(hoisted)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := os.Rename(filepath.Join(hoisted, child.Name()), filepath.Join(dir, child.Name())); err != nil {
			return err
		}
	}
	return os.Remove(hoisted)
}

// swapDir installs staging at dir. The previous dir is moved aside first and
// restored if the second rename fails.
func swapDir(staging, dir string) error {
	backup := ""
	if _, err := os.Lstat(dir); err == nil {
		backup = dir + ".bak-" + strconv.FormatInt(time.Now().UnixNano(), 36)
		if err := os.Rename(dir, backup); err != nil {
			return fmt.Errorf("failed to move previous workspace aside: %w", err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	if err := os.Rename(staging, dir); err != nil {
		if backup != "" {
			if rerr := os.Rename(backup, dir); rerr != nil {
				return errors.Join(err, fmt.Errorf("failed to restore previous workspace: %w", rerr))
			}
		}
		return err
	}

	if backup != "" {
		if err := os.RemoveAll(backup); err != nil {
			log.Warn().Err(err).Str("path", backup).Msg("Failed to remove previous workspace")
		}
	}
	return nil
}
