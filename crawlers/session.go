package crawlers

import (
	"context"
	"errors"
	"time"
)

// ErrSessionLost means the browser or its tab went away under a job.
var ErrSessionLost = errors.New("automation session lost")

// Session is one browser with a single tab, owned by the orchestrator.
type Session interface {
	// Alive reports whether the tab still answers.
	Alive(ctx context.Context) bool
	// Navigate loads url in the tab and returns once the page is ready.
	Navigate(ctx context.Context, url string) error
	// WaitForPosts waits until at least one post is rendered.
	WaitForPosts(ctx context.Context, timeout time.Duration) error
	// Inject hands the keyword of the current job to the page context.
	Inject(ctx context.Context, keyword string) error
	Source() PostSource
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

type SessionFactory interface {
	NewSession(ctx context.Context) (Session, error)
}
