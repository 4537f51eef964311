// Package mirror copies provider hosted profile images into local storage.
package mirror

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-linking"
	"github.com/valyala/fasthttp"
)

const (
	DefaultMaxBytes = 2 << 20
	DefaultTimeout  = 5 * time.Second
	maxRedirects    = 3

	// TextCodeImageTooLarge marks images over the configured size cap.
	TextCodeImageTooLarge = "IMAGE_TOO_LARGE"
)

var extensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
	"image/gif":  ".gif",
}

// Disk downloads images with the fiber HTTP client and writes them under dir
// as <identity id><ext>. A newer image replaces the previous one.
type Disk struct {
	dir      string
	maxBytes int
	timeout  time.Duration
	logger   linking.Logger
}

var _ linking.ImageMirror = (*Disk)(nil)

// Option customizes a Disk mirror.
type Option func(*Disk)

// WithMaxBytes caps the accepted image size.
func WithMaxBytes(n int) Option {
	return func(d *Disk) {
		if n > 0 {
			d.maxBytes = n
		}
	}
}

// WithTimeout bounds a single download.
func WithTimeout(t time.Duration) Option {
	return func(d *Disk) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(logger linking.Logger) Option {
	return func(d *Disk) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDisk creates the target directory and returns a mirror writing into it.
func NewDisk(dir string, opts ...Option) (*Disk, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, goerrors.New("mirror directory is required", goerrors.CategoryBadInput)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to create mirror directory")
	}

	d := &Disk{
		dir:      dir,
		maxBytes: DefaultMaxBytes,
		timeout:  DefaultTimeout,
		logger:   nopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d, nil
}

// Mirror implements linking.ImageMirror.
func (d *Disk) Mirror(ctx context.Context, identityID, sourceURL string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	name := filepath.Base(identityID)
	if name == "" || name == "." || name != identityID {
		return goerrors.New("invalid identity id for mirror", goerrors.CategoryBadInput).
			WithMetadata(map[string]any{"identity_id": identityID})
	}
	if !strings.HasPrefix(sourceURL, "https://") && !strings.HasPrefix(sourceURL, "http://") {
		return goerrors.New("unsupported image url", goerrors.CategoryBadInput).
			WithMetadata(map[string]any{"url": sourceURL})
	}

	resp := fiber.AcquireResponse()
	defer fiber.ReleaseResponse(resp)

	agent := fiber.Get(sourceURL).
		Timeout(d.timeout).
		MaxRedirectsCount(maxRedirects)
	agent.SetResponse(resp)
	// The client stops reading once Content-Length or the streamed body
	// passes the cap.
	if agent.HostClient != nil {
		agent.HostClient.MaxResponseBodySize = d.maxBytes
	}

	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		if errors.Is(errs[0], fasthttp.ErrBodyTooLarge) {
			return d.tooLarge(sourceURL, -1)
		}
		return goerrors.Wrap(errs[0], goerrors.CategoryOperation, "image download failed").
			WithMetadata(map[string]any{"url": sourceURL})
	}
	if code != fiber.StatusOK {
		return goerrors.New("image download returned unexpected status", goerrors.CategoryOperation).
			WithMetadata(map[string]any{"url": sourceURL, "status": code})
	}
	if len(body) > d.maxBytes {
		return d.tooLarge(sourceURL, len(body))
	}

	contentType := strings.ToLower(strings.TrimSpace(strings.Split(string(resp.Header.ContentType()), ";")[0]))
	ext, ok := extensions[contentType]
	if !ok {
		return goerrors.New("unsupported image type", goerrors.CategoryBadInput).
			WithMetadata(map[string]any{"url": sourceURL, "content_type": contentType})
	}

	if err := d.clear(name); err != nil {
		return err
	}

	target := filepath.Join(d.dir, name+ext)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to write image")
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to store image")
	}

	d.logger.Debug("profile image mirrored", "identity_id", identityID, "path", target, "bytes", len(body))
	return nil
}

// Path returns the stored image for identityID, if any.
func (d *Disk) Path(identityID string) (string, bool) {
	for _, ext := range extensions {
		p := filepath.Join(d.dir, filepath.Base(identityID)+ext)
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}

func (d *Disk) tooLarge(sourceURL string, size int) error {
	meta := map[string]any{"url": sourceURL, "max": d.maxBytes}
	if size >= 0 {
		meta["size"] = size
	}
	return goerrors.New("image too large", goerrors.CategoryBadInput).
		WithTextCode(TextCodeImageTooLarge).
		WithMetadata(meta)
}

func (d *Disk) clear(name string) error {
	for _, ext := range extensions {
		err := os.Remove(filepath.Join(d.dir, name+ext))
		if err != nil && !os.IsNotExist(err) {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to replace image")
		}
	}
	return nil
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
