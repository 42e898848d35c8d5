package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/shineum/flymail/internal/email"
	"github.com/shineum/flymail/internal/metrics"
)

// maxCreateAttempts bounds retries when a generated name already exists.
const maxCreateAttempts = 3

// Local stores attachments as files in a single directory.
type Local struct {
	dir string
}

// NewLocal creates the directory if needed and returns a Local store.
func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("%w: create uploads dir: %v", ErrStorage, err)
	}
	return &Local{dir: dir}, nil
}

// Name returns the backend name.
func (l *Local) Name() string {
	return "local"
}

// Dir returns the directory attachments are written to.
func (l *Local) Dir() string {
	return l.dir
}

// Put streams r into a new file. The file is created with O_EXCL so an
// existing file is never replaced, and it is synced before Put returns.
func (l *Local) Put(ctx context.Context, r io.Reader, filename, contentType string) (email.StoredAttachment, error) {
	f, name, err := l.create(filename)
	if err != nil {
		return email.StoredAttachment{}, err
	}
	path := filepath.Join(l.dir, name)

	h := newHasher()
	n, err := io.Copy(io.MultiWriter(f, h), contextReader{ctx: ctx, r: r})
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		if rmErr := os.Remove(path); rmErr != nil {
			slog.Warn("failed to remove partial attachment", "path", path, "error", rmErr)
		}
		return email.StoredAttachment{}, fmt.Errorf("%w: write %s: %v", ErrStorage, name, err)
	}

	metrics.AttachmentBytes.WithLabelValues(l.Name()).Add(float64(n))

	return email.StoredAttachment{
		Filename:    filename,
		ContentType: contentType,
		Size:        n,
		Locator:     name,
		ContentHash: hexSum(h),
	}, nil
}

func (l *Local) create(filename string) (*os.File, string, error) {
	var lastErr error
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		name := objectName(filename)
		f, err := os.OpenFile(filepath.Join(l.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
		if err == nil {
			return f, name, nil
		}
		lastErr = err
		if !errors.Is(err, fs.ErrExist) {
			break
		}
	}
	return nil, "", fmt.Errorf("%w: create file: %v", ErrStorage, lastErr)
}

// Open returns a reader for a stored attachment.
func (l *Local) Open(locator string) (io.ReadCloser, error) {
	if !validLocator(locator) {
		return nil, ErrInvalidLocator
	}
	return os.Open(filepath.Join(l.dir, locator))
}

// Remove deletes the file behind locator.
func (l *Local) Remove(_ context.Context, locator string) error {
	if !validLocator(locator) {
		return ErrInvalidLocator
	}
	err := os.Remove(filepath.Join(l.dir, locator))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: remove %s: %v", ErrStorage, locator, err)
	}
	return nil
}
