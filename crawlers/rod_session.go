package crawlers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
	"github.com/speculumoris/twitbot/crawlers/xsearch"
)

const aliveProbeTimeout = 3 * time.Second

// BrowserOptions select how the factory obtains a browser.
type BrowserOptions struct {
	// ControlURL attaches to a running browser. When empty a local one is launched.
	ControlURL   string
	Bin          string
	Headless     bool
	WindowWidth  int
	WindowHeight int
}

// RodSessionFactory creates rod backed sessions.
type RodSessionFactory struct {
	opts   BrowserOptions
	parser *xsearch.Parser
}

func NewRodSessionFactory(opts BrowserOptions, parser *xsearch.Parser) *RodSessionFactory {
	if parser == nil {
		parser = xsearch.NewParser()
	}
	return &RodSessionFactory{opts: opts, parser: parser}
}

func (f *RodSessionFactory) NewSession(ctx context.Context) (Session, error) {
	var l *launcher.Launcher
	controlURL := f.opts.ControlURL
	if controlURL == "" {
		l = launcher.New().Headless(f.opts.Headless)
		if f.opts.Bin != "" {
			l = l.Bin(f.opts.Bin)
		}
		u, err := l.Context(ctx).Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		if l != nil {
			l.Kill()
		}
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		f.closeBrowser(browser, l)
		return nil, fmt.Errorf("open tab: %w", err)
	}

	if f.opts.WindowWidth > 0 && f.opts.WindowHeight > 0 {
		err = page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             f.opts.WindowWidth,
			Height:            f.opts.WindowHeight,
			DeviceScaleFactor: 1,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to set viewport")
		}
	}

	log.Info().
		Str("controlURL", controlURL).
		Bool("launched", l != nil).
		Msg("Browser session created")

	return &RodSession{
		browser:  browser,
		page:     page,
		launcher: l,
		parser:   f.parser,
	}, nil
}

func (f *RodSessionFactory) closeBrowser(browser *rod.Browser, l *launcher.Launcher) {
	if err := browser.Close(); err != nil {
		log.Warn().Err(err).Msg("Error closing browser")
	}
	if l != nil {
		l.Kill()
	}
}

// RodSession drives a single tab.
type RodSession struct {
	browser  *rod.Browser
	page     *rod.Page
	launcher *launcher.Launcher
	parser   *xsearch.Parser

	mu          sync.Mutex
	cancelReady context.CancelFunc
	closed      bool
	keyword     string
}

func (s *RodSession) Alive(ctx context.Context) bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false
	}
	_, err := s.page.Context(ctx).Timeout(aliveProbeTimeout).Eval(`() => document.readyState`)
	if err != nil {
		log.Warn().Err(err).Msg("Browser session is not responding")
		return false
	}
	return true
}

// Navigate registers a one-shot ready listener, loads url and waits for the
// network to go almost idle. A listener left by an earlier navigation is
// cancelled first, and this one is released on every return path.
func (s *RodSession) Navigate(ctx context.Context, url string) error {
	readyCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.cancelReady != nil {
		s.cancelReady()
	}
	s.cancelReady = cancel
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.cancelReady = nil
		s.mu.Unlock()
	}()

	p := s.page.Context(readyCtx)
	wait := p.WaitNavigation(proto.PageLifecycleEventNameNetworkAlmostIdle)
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("%w: navigate %s: %w", ErrSessionLost, url, err)
	}
	wait()

	return readyCtx.Err()
}

func (s *RodSession) WaitForPosts(ctx context.Context, timeout time.Duration) error {
	_, err := s.page.Context(ctx).Timeout(timeout).Element(xsearch.PostSelector)
	return err
}

func (s *RodSession) Inject(ctx context.Context, keyword string) error {
	_, err := s.page.Context(ctx).Eval(`(kw) => { window.__twitbotKeyword = kw }`, keyword)
	if err != nil {
		return fmt.Errorf("%w: inject keyword: %w", ErrSessionLost, err)
	}
	s.mu.Lock()
	s.keyword = keyword
	s.mu.Unlock()
	return nil
}

func (s *RodSession) Source() PostSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &rodPostSource{page: s.page, parser: s.parser, keyword: s.keyword}
}

func (s *RodSession) Screenshot(ctx context.Context) ([]byte, error) {
	return s.page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
}

func (s *RodSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.cancelReady != nil {
		s.cancelReady()
		s.cancelReady = nil
	}
	s.mu.Unlock()

	var err error
	if s.launcher != nil {
		err = s.browser.Close()
		s.launcher.Kill()
	} else {
		// An attached browser is not ours to close.
		err = s.page.Close()
	}
	log.Info().Msg("Browser session closed")
	return err
}

// rodPostSource reads posts from the live DOM. The injected keyword marks the
// page the job was handed; a reload or redirect drops it.
type rodPostSource struct {
	page    *rod.Page
	parser  *xsearch.Parser
	keyword string
}

func (r *rodPostSource) Snapshot(ctx context.Context) ([]xsearch.Post, error) {
	if r.keyword != "" {
		res, err := r.page.Context(ctx).Eval(`() => window.__twitbotKeyword || ""`)
		if err != nil {
			return nil, fmt.Errorf("%w: read keyword: %w", ErrSessionLost, err)
		}
		if err := checkPageKeyword(r.keyword, res.Value.Str()); err != nil {
			return nil, err
		}
	}
	html, err := r.page.Context(ctx).HTML()
	if err != nil {
		return nil, fmt.Errorf("%w: read page: %w", ErrSessionLost, err)
	}
	return r.parser.ParsePosts(html)
}

func (r *rodPostSource) ScrollBy(ctx context.Context, dy int) error {
	_, err := r.page.Context(ctx).Eval(`(dy) => window.scrollBy(0, dy)`, dy)
	return err
}

func checkPageKeyword(want, got string) error {
	if got != want {
		return fmt.Errorf("%w: page holds keyword %q, job has %q", ErrSessionLost, got, want)
	}
	return nil
}
