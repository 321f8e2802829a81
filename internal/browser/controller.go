// File: internal/browser/controller.go
//
// Package browser owns the monitored Chrome instance: launching it with a
// persistent per-project profile (or attaching to one the operator runs),
// subscribing to console/network/page events over CDP, and capturing
// screenshots. Browser monitoring is best-effort: failures here never take the
// dev server down.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	cdplog "github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/devscope-io/devscope/internal/config"
	"github.com/devscope-io/devscope/internal/logbook"
	"github.com/devscope-io/devscope/internal/normalize"
	"github.com/devscope-io/devscope/internal/project"
)

// Controller manages one monitored browser session for the lifetime of a
// devscope invocation.
type Controller struct {
	cfg     config.BrowserConfig
	capture config.CaptureConfig
	sess    *project.Session
	book    *logbook.Logbook
	logger  *zap.Logger

	// normMu guards the normalizer: CDP listener callbacks and the shutdown
	// flush run on different goroutines.
	normMu sync.Mutex
	norm   *normalize.Normalizer

	shotLimiter *rate.Limiter
	shotSeq     atomic.Int64

	// mu guards the chromedp contexts as well as the flags: the reconnect
	// path replaces them while Close tears them down from another goroutine.
	mu          sync.Mutex
	allocCtx    context.Context
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	isClosed    bool
	reconnected bool
	appURL      string
}

// NewController builds a controller. Nothing is started until Launch or Attach.
func NewController(cfg config.BrowserConfig, capture config.CaptureConfig, sess *project.Session, book *logbook.Logbook, logger *zap.Logger) *Controller {
	burst := int(capture.MaxPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Controller{
		cfg:         cfg,
		capture:     capture,
		sess:        sess,
		book:        book,
		logger:      logger.Named("browser"),
		norm:        normalize.New(),
		shotLimiter: rate.NewLimiter(rate.Limit(capture.MaxPerSecond), burst),
	}
}

// Launch starts a browser process with remote debugging bound to the
// configured local port, using the session's profile directory as the
// persistent user-data dir so login state survives across runs.
func (c *Controller) Launch(ctx context.Context) error {
	opts := append([]chromedp.ExecAllocatorOption{},
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-default-apps", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("remote-debugging-port", fmt.Sprintf("%d", c.cfg.DebugPort)),
		chromedp.UserDataDir(c.sess.ProfileDir),
	)
	if c.cfg.Headless {
		opts = append(opts, chromedp.Headless, chromedp.Flag("disable-gpu", true))
	}
	if c.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(c.cfg.ExecPath))
	}
	for _, arg := range c.cfg.Args {
		opts = append(opts, chromedp.Flag(arg, true))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	c.mu.Lock()
	c.allocCtx, c.allocCancel = allocCtx, allocCancel
	c.mu.Unlock()
	c.logger.Info("Browser launched.",
		zap.Int("debug_port", c.cfg.DebugPort),
		zap.String("profile_dir", c.sess.ProfileDir),
		zap.Bool("headless", c.cfg.Headless))
	return nil
}

// Attach connects to an operator-run browser instead of spawning one: it polls
// the CDP discovery endpoint until it responds, then dials the advertised
// debugger websocket.
func (c *Controller) Attach(ctx context.Context) error {
	wsURL, err := c.discoverDebugger(ctx)
	if err != nil {
		return err
	}
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(ctx, wsURL)
	c.mu.Lock()
	c.allocCtx, c.allocCancel = allocCtx, allocCancel
	c.mu.Unlock()
	c.logger.Info("Attached to running browser.", zap.String("ws_url", wsURL))
	return nil
}

// discoverDebugger polls http://127.0.0.1:<port>/json/version with a bounded
// retry loop and returns the webSocketDebuggerUrl it advertises.
func (c *Controller) discoverDebugger(ctx context.Context) (string, error) {
	endpoint := fmt.Sprintf("http://127.0.0.1:%d/json/version", c.cfg.DebugPort)
	client := &http.Client{Timeout: 2 * time.Second}

	var lastErr error
	for attempt := 0; attempt < c.cfg.AttachAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.cfg.AttachInterval):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return "", err
		}
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		var version struct {
			WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
		}
		err = json.NewDecoder(resp.Body).Decode(&version)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if version.WebSocketDebuggerURL == "" {
			lastErr = fmt.Errorf("discovery endpoint returned no webSocketDebuggerUrl")
			continue
		}
		return version.WebSocketDebuggerURL, nil
	}
	return "", fmt.Errorf("no browser found at %s after %d attempts: %w", endpoint, c.cfg.AttachAttempts, lastErr)
}

// OpenAndMonitor opens a tab at appURL, enables the CDP domains we care about,
// and begins translating events into log entries. It also arms the disconnect
// watcher that makes a single best-effort reconnection attempt.
func (c *Controller) OpenAndMonitor(ctx context.Context, appURL string) error {
	c.mu.Lock()
	if c.isClosed {
		c.mu.Unlock()
		return fmt.Errorf("browser session is closed")
	}
	if c.allocCtx == nil {
		c.mu.Unlock()
		return fmt.Errorf("browser not launched or attached")
	}
	c.appURL = appURL
	tabCtx, tabCancel := chromedp.NewContext(c.allocCtx)
	c.tabCtx, c.tabCancel = tabCtx, tabCancel
	c.mu.Unlock()

	c.listen(tabCtx)

	// The run context descends from the tab (chromedp requires that) but the
	// caller's ctx still bounds the navigation.
	runCtx, cancel := context.WithTimeout(tabCtx, 30*time.Second)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()
	if err := chromedp.Run(runCtx,
		network.Enable(),
		runtime.Enable(),
		cdplog.Enable(),
		chromedp.Navigate(appURL),
	); err != nil {
		return fmt.Errorf("failed to open monitored page at %s: %w", appURL, err)
	}

	go c.watchDisconnect(tabCtx)
	c.logger.Info("Monitoring page.", zap.String("url", appURL))
	return nil
}

// listen subscribes to CDP target events and routes them through the
// normalizer into the logbook.
func (c *Controller) listen(tabCtx context.Context) {
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *runtime.EventConsoleAPICalled:
			c.withNorm(func(n *normalize.Normalizer) { c.append(n.ConsoleEvent(e)) })

		case *cdplog.EventEntryAdded:
			c.withNorm(func(n *normalize.Normalizer) { c.append(n.LogEntryAdded(e)) })

		case *runtime.EventExceptionThrown:
			c.withNorm(func(n *normalize.Normalizer) { c.append(n.ExceptionEvent(e)) })
			c.captureScreenshot("error")

		case *network.EventRequestWillBeSent:
			c.withNorm(func(n *normalize.Normalizer) { c.append(n.RequestWillBeSent(e)) })

		case *network.EventResponseReceived:
			c.withNorm(func(n *normalize.Normalizer) { n.ResponseReceived(e) })

		case *network.EventLoadingFinished:
			c.withNorm(func(n *normalize.Normalizer) {
				if entry, ok := n.LoadingFinished(e); ok {
					c.append(entry)
				}
			})

		case *network.EventLoadingFailed:
			c.withNorm(func(n *normalize.Normalizer) {
				if entry, ok := n.LoadingFailed(e); ok {
					c.append(entry)
				}
			})

		case *page.EventLoadEventFired:
			c.withNorm(func(n *normalize.Normalizer) { c.append(n.Lifecycle("Page load complete")) })

		case *page.EventFrameNavigated:
			// Only top-level navigations; subframes are noise for a dev log.
			if e.Frame != nil && e.Frame.ParentID == "" {
				url := e.Frame.URL
				c.withNorm(func(n *normalize.Normalizer) { c.append(n.Navigation(url)) })
				c.captureScreenshot("navigation")
			}
		}
	})
}

func (c *Controller) withNorm(fn func(*normalize.Normalizer)) {
	c.normMu.Lock()
	defer c.normMu.Unlock()
	fn(c.norm)
}

func (c *Controller) append(e logbook.Entry) {
	if err := c.book.Append(e); err != nil {
		c.logger.Warn("Failed to append browser entry.", zap.Error(err))
	}
}

// captureScreenshot is fire-and-forget: it never blocks event processing, and
// it either produces a file referenced by a SCREENSHOT entry or logs the
// capture failure. A rate limiter keeps a crash-looping page from flooding
// the disk.
func (c *Controller) captureScreenshot(reason string) {
	if !c.capture.Screenshots {
		return
	}
	c.mu.Lock()
	tabCtx := c.tabCtx
	c.mu.Unlock()
	if tabCtx == nil {
		return
	}
	if !c.shotLimiter.Allow() {
		c.logger.Debug("Screenshot capture throttled.", zap.String("reason", reason))
		return
	}

	go func() {
		seq := c.shotSeq.Add(1)
		path := filepath.Join(c.sess.ScreenshotDir, fmt.Sprintf("%04d-%s.png", seq, reason))

		shotCtx, cancel := context.WithTimeout(tabCtx, 10*time.Second)
		defer cancel()

		var buf []byte
		err := chromedp.Run(shotCtx, chromedp.CaptureScreenshot(&buf))
		if err == nil {
			err = os.WriteFile(path, buf, 0o644)
		}
		if err != nil {
			c.append(logbook.Entry{
				Source:  logbook.SourceSystem,
				Type:    logbook.EventLifecycle,
				Message: fmt.Sprintf("Screenshot capture failed (%s): %v", reason, err),
			})
			return
		}
		c.withNorm(func(n *normalize.Normalizer) { c.append(n.Screenshot(path, reason)) })
	}()
}

// watchDisconnect notices the CDP connection going away and makes exactly one
// reconnection attempt. On failure the session carries on without browser
// monitoring; the dev server is unaffected. A Close racing the reconnect wins:
// the closed check and the reconnected flag are taken under one lock, and any
// contexts created by a reconnect that lost the race are torn down here.
func (c *Controller) watchDisconnect(tabCtx context.Context) {
	<-tabCtx.Done()

	c.mu.Lock()
	if c.isClosed || c.reconnected {
		c.mu.Unlock()
		return
	}
	c.reconnected = true
	appURL := c.appURL
	c.mu.Unlock()

	c.append(logbook.Entry{
		Source:  logbook.SourceSystem,
		Type:    logbook.EventLifecycle,
		Message: "Browser connection lost; attempting to reconnect",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.reattach(ctx, appURL); err != nil {
		c.append(logbook.Entry{
			Source:  logbook.SourceSystem,
			Type:    logbook.EventLifecycle,
			Message: fmt.Sprintf("Browser reconnect failed; continuing without browser monitoring: %v", err),
		})
		c.logger.Warn("Browser reconnect failed.", zap.Error(err))
	}

	// Close may have landed between the re-check above and the reattach
	// finishing; any contexts the reattach created must not outlive it.
	c.mu.Lock()
	if c.isClosed {
		tabCancel, allocCancel := c.tabCancel, c.allocCancel
		c.tabCancel, c.allocCancel = nil, nil
		c.mu.Unlock()
		if tabCancel != nil {
			tabCancel()
		}
		if allocCancel != nil {
			allocCancel()
		}
		return
	}
	c.mu.Unlock()
}

func (c *Controller) reattach(ctx context.Context, appURL string) error {
	c.mu.Lock()
	allocCancel := c.allocCancel
	c.allocCancel = nil
	c.mu.Unlock()
	if allocCancel != nil {
		allocCancel()
	}
	// Whether we originally launched or attached, the surviving debug port is
	// the only way back in.
	if err := c.Attach(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	return c.OpenAndMonitor(ctx, appURL)
}

// Close flushes unanswered network requests into the logbook and tears the
// browser contexts down. Idempotent.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.isClosed {
		c.mu.Unlock()
		return nil
	}
	c.isClosed = true
	tabCancel, allocCancel := c.tabCancel, c.allocCancel
	c.tabCancel, c.allocCancel = nil, nil
	c.mu.Unlock()

	c.logger.Debug("Closing browser session.")

	c.normMu.Lock()
	flushed := c.norm.Flush()
	c.normMu.Unlock()
	for _, entry := range flushed {
		c.append(entry)
	}

	if tabCancel != nil {
		tabCancel()
	}
	if allocCancel != nil {
		allocCancel()
	}
	return nil
}
