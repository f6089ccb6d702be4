// Package dreamlake is the top-level convenience entry point: Open starts a
// session.Session the way a caller actually wants to write it — one call,
// functional options — and WithSession wraps a callback so a session is
// always closed regardless of how the callback returns.
package dreamlake

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"dreamlake/internal/remote"
	"dreamlake/session"
)

// Option configures a Session at Open time.
type Option func(*session.Options)

// WithRoot sets the local storage root (defaults to ".dreamlake").
func WithRoot(root string) Option {
	return func(o *session.Options) { o.Root = root }
}

// WithRemote sets the remote peer URL, enabling REMOTE or HYBRID mode
// depending on whether a root is also set.
func WithRemote(url string) Option {
	return func(o *session.Options) { o.RemoteURL = url }
}

// WithAPIKey overrides the DREAMLAKE_API_KEY environment lookup.
func WithAPIKey(key string) Option {
	return func(o *session.Options) { o.APIKey = key }
}

// WithReadme sets the session's readme text.
func WithReadme(readme string) Option {
	return func(o *session.Options) { o.Readme = readme }
}

// WithTags sets the session's tags.
func WithTags(tags ...string) Option {
	return func(o *session.Options) { o.Tags = tags }
}

// WithMetadata sets the session's free-form metadata.
func WithMetadata(metadata map[string]any) Option {
	return func(o *session.Options) { o.Metadata = metadata }
}

// WithWriteProtected opens the session read-only: every mutating operation
// returns dlerrors.CodeWriteProtected.
func WithWriteProtected() Option {
	return func(o *session.Options) { o.WriteProtected = true }
}

// WithLockTimeout overrides the default 30s advisory lock timeout.
func WithLockTimeout(d time.Duration) Option {
	return func(o *session.Options) { o.LockTimeout = d }
}

// WithLogger attaches a structured logger; every store logs through it.
func WithLogger(logger *logrus.Logger) Option {
	return func(o *session.Options) { o.Logger = logger }
}

// withBackend overrides the default HTTP remote backend; unexported because
// it is only meaningful to tests within this module.
func withBackend(b remote.Backend) Option {
	return func(o *session.Options) { o.Backend = b }
}

// Open resolves prefix ("workspace/.../name") and opens a Session against
// it, applying opts over the built-in defaults.
func Open(ctx context.Context, prefix string, opts ...Option) (*session.Session, error) {
	var o session.Options
	for _, opt := range opts {
		opt(&o)
	}
	return session.Open(ctx, prefix, o)
}

// WithSession opens a session under prefix, invokes fn, and always closes
// the session afterward — a thin decorator, not a concurrency primitive,
// matching the "wrap a function with a session" idiom.
func WithSession(ctx context.Context, prefix string, fn func(*session.Session) error, opts ...Option) error {
	s, err := Open(ctx, prefix, opts...)
	if err != nil {
		return err
	}
	defer s.Close(ctx)
	return fn(s)
}
