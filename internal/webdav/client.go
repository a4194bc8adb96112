// Package webdav adapts a WebDAV server to the resource client the
// reconciliation engine talks to.
package webdav

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"time"

	"github.com/alexjbarnes/davsync/internal/models"
	"github.com/alexjbarnes/davsync/internal/paths"
	"github.com/studio-b12/gowebdav"
)

const (
	// DefaultTimeout bounds a single WebDAV request when none is set.
	DefaultTimeout = 60 * time.Second

	dirMode = os.FileMode(0o755)
)

// Options configures a Client.
type Options struct {
	URL      string
	Username string
	Password string
	Timeout  time.Duration

	// SafeUpload writes to a temporary sibling and moves it over the
	// target, so readers never see a half-written resource.
	SafeUpload bool
}

// Client is a WebDAV resource client. Paths are remote paths relative to
// the server URL and are sent as given; only slashes are tidied.
type Client struct {
	dav        *gowebdav.Client
	safeUpload bool
	logger     *slog.Logger
}

// New creates a client for the server at opts.URL.
func New(opts Options, logger *slog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	dav := gowebdav.NewClient(opts.URL, opts.Username, opts.Password)
	dav.SetTimeout(timeout)

	return &Client{
		dav:        dav,
		safeUpload: opts.SafeUpload,
		logger:     logger,
	}
}

// Ping checks that the server is reachable and the credentials work.
func (c *Client) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := c.dav.Connect(); err != nil {
		return fmt.Errorf("connecting to webdav server: %w", err)
	}

	return nil
}

// List returns the direct children of a remote directory. A missing
// directory reports os.ErrNotExist.
func (c *Client) List(ctx context.Context, p string) ([]models.Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p = paths.RawRemote(p)

	infos, err := c.dav.ReadDir(p)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", p, notFound(err))
	}

	out := make([]models.Resource, 0, len(infos))

	for _, fi := range infos {
		name := fi.Name()
		if paths.Raw(name) == "" {
			continue
		}

		r := models.Resource{
			Name:       name,
			Path:       paths.JoinRawRemote(p, name),
			IsDir:      fi.IsDir(),
			Size:       fi.Size(),
			ModifiedAt: fi.ModTime(),
		}

		if f, ok := fi.(*gowebdav.File); ok {
			r.ContentType = f.ContentType()
		}

		if !r.IsDir {
			r.ETag = etagOf(fi)
		}

		out = append(out, r)
	}

	return out, nil
}

// Download opens a remote file for reading. Reads fail once ctx is done.
func (c *Client) Download(ctx context.Context, p string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p = paths.RawRemote(p)

	body, err := c.dav.ReadStream(p)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", p, notFound(err))
	}

	return &ctxReadCloser{ctx: ctx, ReadCloser: body}, nil
}

// Upload stores r at p and returns the resource's new ETag.
func (c *Client) Upload(ctx context.Context, p string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	p = paths.RawRemote(p)
	body := &ctxReader{ctx: ctx, r: r}

	if c.safeUpload {
		tmp := path.Join(path.Dir(p), paths.TempPrefix+"upload-"+randomSuffix())

		if err := c.dav.WriteStream(tmp, body, 0); err != nil {
			c.removeQuietly(tmp)
			return "", fmt.Errorf("uploading %s: %w", p, err)
		}

		if err := c.Move(ctx, tmp, p); err != nil {
			c.removeQuietly(tmp)
			return "", err
		}
	} else if err := c.dav.WriteStream(p, body, 0); err != nil {
		return "", fmt.Errorf("uploading %s: %w", p, err)
	}

	fi, err := c.dav.Stat(p)
	if err != nil {
		return "", fmt.Errorf("reading etag of %s: %w", p, err)
	}

	return etagOf(fi), nil
}

// Delete removes a file or a directory tree. A missing resource is not an
// error.
func (c *Client) Delete(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p = paths.RawRemote(p)

	if err := c.dav.RemoveAll(p); err != nil && !gowebdav.IsErrNotFound(err) {
		return fmt.Errorf("deleting %s: %w", p, err)
	}

	return nil
}

// CreateDirectory creates a remote collection and any missing parents. An
// existing collection is not an error.
func (c *Client) CreateDirectory(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p = paths.RawRemote(p)

	err := c.dav.MkdirAll(p, dirMode)
	if err == nil || gowebdav.IsErrCode(err, http.StatusMethodNotAllowed) {
		return nil
	}

	return fmt.Errorf("creating directory %s: %w", p, err)
}

// Move renames src to dst, replacing dst if it exists.
func (c *Client) Move(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	src, dst = paths.RawRemote(src), paths.RawRemote(dst)

	if err := c.dav.Rename(src, dst, true); err != nil {
		return fmt.Errorf("moving %s to %s: %w", src, dst, err)
	}

	return nil
}

// notFound marks a 404 so callers can test for os.ErrNotExist.
func notFound(err error) error {
	if gowebdav.IsErrNotFound(err) {
		return fmt.Errorf("%w: %w", os.ErrNotExist, err)
	}

	return err
}

func (c *Client) removeQuietly(p string) {
	if err := c.dav.Remove(p); err != nil && !gowebdav.IsErrNotFound(err) {
		c.logger.Warn("removing temporary upload",
			slog.String("path", p),
			slog.String("error", err.Error()),
		)
	}
}

func etagOf(fi os.FileInfo) string {
	if e, ok := fi.(interface{ ETag() string }); ok {
		return e.ETag()
	}

	return ""
}

func randomSuffix() string {
	b := make([]byte, 8)
	// crypto/rand.Read never returns an error.
	rand.Read(b)

	return hex.EncodeToString(b)
}

// ctxReader fails reads once ctx is done, which aborts an in-flight
// request body.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}

	return c.r.Read(p)
}

type ctxReadCloser struct {
	ctx context.Context
	io.ReadCloser
}

func (c *ctxReadCloser) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}

	n, err := c.ReadCloser.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("reading response body: %w", err)
	}

	return n, err
}
