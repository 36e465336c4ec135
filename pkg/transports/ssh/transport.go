// Package ssh fetches repository archives from remote hosts over SFTP.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "open", "copy")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the operation may succeed when retried.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// Client is a single SSH connection with an SFTP session on top.
type Client struct {
	config *Config
	conn   *ssh.Client
	sftp   *sftp.Client
	closer func() error
}

// Dial connects to the host in cfg and opens an SFTP session.
func Dial(ctx context.Context, cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &TransportError{Op: "connect", Err: fmt.Errorf("invalid config: %w", err)}
	}

	clientConfig, closer, err := cfg.BuildSSHClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := cfg.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	dialer := net.Dialer{Timeout: cfg.ConnectionTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		_ = closer()
		return nil, &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}

	// The handshake itself is not context aware; bound it by the deadline.
	if deadline, ok := ctx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, address, clientConfig)
	if err != nil {
		_ = netConn.Close()
		_ = closer()
		return nil, &TransportError{Op: "handshake", Err: err, IsTemporary: !isAuthFailure(err), IsAuthError: isAuthFailure(err)}
	}
	_ = netConn.SetDeadline(time.Time{})

	conn := ssh.NewClient(sshConn, chans, reqs)
	sftpClient, err := sftp.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		_ = closer()
		return nil, &TransportError{Op: "sftp", Err: err, IsTemporary: true}
	}

	log.Info().Str("address", address).Str("user", cfg.User).Msg("SFTP session established")
	return &Client{config: cfg, conn: conn, sftp: sftpClient, closer: closer}, nil
}

// Fetch copies the remote file into w and returns the number of bytes copied.
// A missing or unreadable remote file is reported as a permanent error.
func (c *Client) Fetch(ctx context.Context, remotePath string, w io.Writer) (int64, error) {
	startTime := time.Now()

	remoteFile, err := c.sftp.Open(remotePath)
	if err != nil {
		return 0, &TransportError{
			Op:          "open",
			Err:         fmt.Errorf("failed to open remote file %s: %w", remotePath, err),
			IsTemporary: !isMissing(err),
		}
	}
	defer remoteFile.Close()

	info, err := remoteFile.Stat()
	if err != nil {
		return 0, &TransportError{Op: "stat", Err: err, IsTemporary: true}
	}
	if info.IsDir() {
		return 0, &TransportError{Op: "open", Err: fmt.Errorf("%s is a directory", remotePath)}
	}

	written, err := copyWithContext(ctx, w, remoteFile)
	if err != nil {
		return written, &TransportError{
			Op:          "copy",
			Err:         fmt.Errorf("failed to copy %s: %w", remotePath, err),
			IsTemporary: true,
		}
	}

	log.Debug().
		Str("remote", remotePath).
		Int64("bytes", written).
		Dur("duration", time.Since(startTime)).
		Msg("remote file fetched")
	return written, nil
}

// Close tears down the SFTP session and the SSH connection.
func (c *Client) Close() error {
	return errors.Join(c.sftp.Close(), c.conn.Close(), c.closer())
}

// FetchLocator dials the host named by an sftp:// locator, copies the file
// into w and disconnects.
func FetchLocator(ctx context.Context, locator string, base *Config, w io.Writer) (int64, error) {
	cfg, remotePath, err := ParseLocator(locator, base)
	if err != nil {
		return 0, &TransportError{Op: "parse", Err: err}
	}
	client, err := Dial(ctx, cfg)
	if err != nil {
		return 0, err
	}
	defer client.Close()
	return client.Fetch(ctx, remotePath, w)
}

// copyWithContext copies data from src to dst while respecting context cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

func isMissing(err error) bool {
	// The sftp client maps status codes onto os errors.
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission)
}

func isAuthFailure(err error) bool {
	return err != nil && strings.Contains(err.Error(), "unable to authenticate")
}
