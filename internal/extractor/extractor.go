// Package extractor reads the current price of an item from its product page.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/time/rate"

	"pricewatch/internal/catalog"
	"pricewatch/pkg/logx"
)

var (
	ErrTitleNotFound = errors.New("extractor: title element not found")
	ErrPriceNotFound = errors.New("extractor: price element not found below the title")
	ErrNoAmount      = errors.New("extractor: no amount in price text")
)

const (
	DefaultUserAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	DefaultAcceptLanguage = "it-IT,it;q=0.9"
	DefaultTitleID        = "productTitle"
	DefaultPriceClass     = "aok-offscreen"
)

type Config struct {
	UserAgent      string
	AcceptLanguage string
	Timeout        time.Duration // default 20s
	MaxBytes       int64         // default 8MB
	// RatePerSec bounds requests across all items; 0 means unlimited.
	RatePerSec float64
	TitleID    string
	PriceClass string
}

func (c *Config) defaults() {
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.AcceptLanguage == "" {
		c.AcceptLanguage = DefaultAcceptLanguage
	}
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 8 << 20
	}
	if c.TitleID == "" {
		c.TitleID = DefaultTitleID
	}
	if c.PriceClass == "" {
		c.PriceClass = DefaultPriceClass
	}
}

// Extractor fetches product pages over HTTP. Safe for concurrent use.
type Extractor struct {
	client  *http.Client
	cfg     Config
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) *Extractor {
	cfg.defaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	return &Extractor{
		client:  &http.Client{Timeout: cfg.Timeout},
		cfg:     cfg,
		limiter: lim,
		log:     log.With(logx.String("comp", "extractor")),
	}
}

// Fetch returns the current price at url, or Unavailable on any failure.
// It never returns an error; the cause is logged.
func (e *Extractor) Fetch(ctx context.Context, url string) catalog.Price {
	v, err := e.Lookup(ctx, url)
	if err != nil {
		e.log.Warn("price not found", logx.String("url", url), logx.Err(err))
		return catalog.Unavailable()
	}
	return catalog.Known(v)
}

// Lookup is Fetch with the failure cause.
func (e *Extractor) Lookup(ctx context.Context, url string) (float64, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", e.cfg.UserAgent)
	req.Header.Set("Accept-Language", e.cfg.AcceptLanguage)

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return 0, fmt.Errorf("http %d", resp.StatusCode)
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, e.cfg.MaxBytes))
	if err != nil {
		return 0, fmt.Errorf("parse html: %w", err)
	}
	text, err := FindPriceText(doc, e.cfg.TitleID, e.cfg.PriceClass)
	if err != nil {
		return 0, err
	}
	return ParsePrice(text)
}

// FindPriceText locates the element with id titleID, then returns the text
// of the first span with class priceClass that follows the title's parent in
// document order (the parent's own descendants included).
func FindPriceText(doc *html.Node, titleID, priceClass string) (string, error) {
	title := findFirst(doc, func(n *html.Node) bool { return attr(n, "id") == titleID })
	if title == nil {
		return "", ErrTitleNotFound
	}
	from := title.Parent
	if from == nil {
		from = title
	}
	price := findAfter(from, func(n *html.Node) bool {
		return n.Data == "span" && hasClass(n, priceClass)
	})
	if price == nil {
		return "", ErrPriceNotFound
	}
	return strings.TrimSpace(collectText(price)), nil
}

func findFirst(n *html.Node, match func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, match); found != nil {
			return found
		}
	}
	return nil
}

// findAfter searches in document order starting right after from's start tag.
func findAfter(from *html.Node, match func(*html.Node) bool) *html.Node {
	for c := from.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, match); found != nil {
			return found
		}
	}
	for n := from; n != nil; n = n.Parent {
		for s := n.NextSibling; s != nil; s = s.NextSibling {
			if found := findFirst(s, match); found != nil {
				return found
			}
		}
	}
	return nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func collectText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
