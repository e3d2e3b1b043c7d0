package loop

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chromedp/chromedp"
	xdraw "golang.org/x/image/draw"
)

const (
	// screenshotMaxWidth bounds recompressed screenshots; wider captures
	// are downscaled to keep token cost per image small.
	screenshotMaxWidth = 1024
	// screenshotJPEGQuality is the lossy recompression quality.
	screenshotJPEGQuality = 60
	// browserOpTimeout bounds each individual browser operation.
	browserOpTimeout = 45 * time.Second
)

// Browser owns one lazily started chromedp session: one headless browser,
// one page, shared across iterations. All operations are sequenced by the
// loop; the internal mutex only guards lifecycle state.
type Browser struct {
	mu          sync.Mutex
	log         *log.Logger
	allocCancel context.CancelFunc
	tabCancel   context.CancelFunc
	tabCtx      context.Context
	opened      bool
	disposed    bool
}

// NewBrowser creates an unopened browser manager.
func NewBrowser(logger *log.Logger) *Browser {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Browser{log: logger.WithPrefix("browser")}
}

// Open starts the browser session. Idempotent; the session persists until
// Dispose. The allocator uses a background context so the session outlives
// individual tool-call contexts.
func (b *Browser) Open(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return fmt.Errorf("browser session already disposed")
	}
	if b.opened {
		return nil
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.WindowSize(1280, 900),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	// Run a no-op to force the browser process to launch now, so a missing
	// Chrome binary surfaces here instead of on the first navigation.
	launchCtx, cancel := context.WithTimeout(tabCtx, browserOpTimeout)
	defer cancel()
	if err := chromedp.Run(launchCtx); err != nil {
		tabCancel()
		allocCancel()
		return fmt.Errorf("launch browser: %w", err)
	}

	b.allocCancel = allocCancel
	b.tabCancel = tabCancel
	b.tabCtx = tabCtx
	b.opened = true
	b.log.Debug("browser session opened")
	return nil
}

// session returns the live tab context, opening the session if needed.
func (b *Browser) session(ctx context.Context) (context.Context, error) {
	if err := b.Open(ctx); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return nil, fmt.Errorf("browser session already disposed")
	}
	return b.tabCtx, nil
}

func (b *Browser) run(ctx context.Context, actions ...chromedp.Action) error {
	tab, err := b.session(ctx)
	if err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(tab, browserOpTimeout)
	defer cancel()
	return chromedp.Run(opCtx, actions...)
}

// Navigate loads a URL and waits for the document to be ready.
func (b *Browser) Navigate(ctx context.Context, url string) error {
	return b.run(ctx, chromedp.Navigate(url), chromedp.WaitReady("body"))
}

// Screenshot captures the viewport and returns it recompressed as a small
// lossy JPEG to bound the token cost of returning it to the model.
func (b *Browser) Screenshot(ctx context.Context) ([]byte, error) {
	var raw []byte
	if err := b.run(ctx, chromedp.CaptureScreenshot(&raw)); err != nil {
		return nil, err
	}
	return recompressScreenshot(raw)
}

// Click clicks the first visible node matching the CSS selector.
func (b *Browser) Click(ctx context.Context, selector string) error {
	return b.run(ctx, chromedp.Click(selector, chromedp.NodeVisible))
}

// Type sends keystrokes to the node matching the CSS selector.
func (b *Browser) Type(ctx context.Context, selector, text string) error {
	return b.run(ctx, chromedp.SendKeys(selector, text, chromedp.NodeVisible))
}

// Scroll scrolls the page vertically by deltaY pixels (negative is up).
func (b *Browser) Scroll(ctx context.Context, deltaY int) error {
	expr := fmt.Sprintf("window.scrollBy(0, %d)", deltaY)
	return b.run(ctx, chromedp.Evaluate(expr, nil))
}

// Dispose tears down the session exactly once. Safe to call without Open
// and safe to call repeatedly.
func (b *Browser) Dispose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return
	}
	b.disposed = true
	if !b.opened {
		return
	}
	b.tabCancel()
	b.allocCancel()
	b.opened = false
	b.log.Debug("browser session disposed")
}

// recompressScreenshot converts a PNG capture into a downscaled JPEG.
func recompressScreenshot(raw []byte) ([]byte, error) {
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() > screenshotMaxWidth {
		scale := float64(screenshotMaxWidth) / float64(bounds.Dx())
		h := int(float64(bounds.Dy()) * scale)
		dst := image.NewRGBA(image.Rect(0, 0, screenshotMaxWidth, h))
		xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, bounds, xdraw.Over, nil)
		img = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: screenshotJPEGQuality}); err != nil {
		return nil, fmt.Errorf("encode screenshot: %w", err)
	}
	return buf.Bytes(), nil
}
