// Package attachment persists decoded attachment parts under collision-free
// names and returns locators for later retrieval.
package attachment

import (
	"context"
	"encoding/hex"
	"errors"
	"hash"
	"io"
	"strings"

	"github.com/oklog/ulid/v2"
	"lukechampine.com/blake3"

	"github.com/shineum/flymail/internal/email"
)

// ErrStorage wraps every write or remove failure. Callers treat it as
// retryable.
var ErrStorage = errors.New("attachment storage failure")

// ErrInvalidLocator is returned for locators that could escape the store.
var ErrInvalidLocator = errors.New("invalid attachment locator")

// Store writes attachment bytes. Implementations never overwrite an existing
// object.
type Store interface {
	// Put writes r under a fresh name derived from filename.
	Put(ctx context.Context, r io.Reader, filename, contentType string) (email.StoredAttachment, error)

	// Remove deletes a previously written object. Removing a missing
	// object is not an error.
	Remove(ctx context.Context, locator string) error

	// Name returns the backend name used in logs and metrics.
	Name() string
}

const maxNameLength = 200

// SanitizeFilename keeps ASCII letters, digits, '.' and '-' and replaces
// every other byte with '_'. Leading dots are dropped so the result can never
// be a hidden file or a parent-directory reference.
func SanitizeFilename(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '-':
			b.WriteByte(c)
		default:
			b.WriteByte('_')
		}
	}
	s := strings.TrimLeft(b.String(), ".")
	if len(s) > maxNameLength {
		s = s[len(s)-maxNameLength:]
	}
	if s == "" {
		return "unnamed"
	}
	return s
}

// objectName returns "<ULID>-<sanitized filename>". The ULID carries a
// millisecond timestamp and 80 random bits, so two puts never share a name.
func objectName(filename string) string {
	return ulid.Make().String() + "-" + SanitizeFilename(filename)
}

// validLocator rejects anything that is not a single path element.
func validLocator(locator string) bool {
	return locator != "" && locator != "." && locator != ".." &&
		!strings.ContainsAny(locator, `/\`) && !strings.Contains(locator, "\x00")
}

func newHasher() hash.Hash {
	return blake3.New(32, nil)
}

func hexSum(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// contextReader stops a copy once ctx is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
