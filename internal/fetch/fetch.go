// Package fetch provides the content retrieval capability and the text
// normalization helpers applied to fetched pages before extraction.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/quarrylab/quarry/internal/config"
	"github.com/quarrylab/quarry/internal/metrics"
)

// maxBodyBytes bounds how much of a page is read. The word cap applied
// after stripping dominates what reaches the extractor.
const maxBodyBytes = 2 * 1024 * 1024

// ContentFetcher is the capability surface the extract phase depends on.
// Implementations must be safe for concurrent use.
type ContentFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HTTPFetcher retrieves raw page bytes over HTTP.
type HTTPFetcher struct {
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewHTTP constructs a page fetcher from capability config.
func NewHTTP(cfg config.CapabilityConfig, logger *zap.Logger) *HTTPFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rps := cfg.RatePerSecond
	if rps <= 0 {
		rps = 8
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 4
	}
	return &HTTPFetcher{
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:  logger,
	}
}

// Fetch downloads the URL and returns the raw body. A single attempt is
// made; an unreachable or non-200 source is skipped by the caller.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	trimmed := strings.TrimSpace(url)
	if trimmed == "" {
		return nil, errors.New("fetch url is empty")
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, trimmed, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Research Bot)")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		metrics.FetchRequests.WithLabelValues("error").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.FetchRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("fetch http %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		metrics.FetchRequests.WithLabelValues("error").Inc()
		return nil, err
	}

	metrics.FetchRequests.WithLabelValues("ok").Inc()
	metrics.FetchDuration.Observe(time.Since(start).Seconds())
	f.logger.Debug("Fetched source",
		zap.String("url", trimmed),
		zap.Int("bytes", len(body)),
	)
	return body, nil
}

var (
	reScript     = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	reStyle      = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	reNav        = regexp.MustCompile(`(?is)<nav[^>]*>.*?</nav>`)
	reHeader     = regexp.MustCompile(`(?is)<header[^>]*>.*?</header>`)
	reFooter     = regexp.MustCompile(`(?is)<footer[^>]*>.*?</footer>`)
	reBlockEnds  = regexp.MustCompile(`(?i)</(?:p|div|h[1-6]|li|tr|section|article|blockquote)>|<br\s*/?>`)
	reTags       = regexp.MustCompile(`<[^>]+>`)
	reWhitespace = regexp.MustCompile(`[ \t]+`)
	reBlankLines = regexp.MustCompile(`\n{3,}`)
)

// StripHTML removes scripts, styles, nav/header/footer chrome, then all
// remaining tags. Block-level tag boundaries become blank lines so
// relevance filtering downstream still sees paragraphs.
func StripHTML(html string) string {
	s := reScript.ReplaceAllString(html, "")
	s = reStyle.ReplaceAllString(s, "")
	s = reNav.ReplaceAllString(s, "")
	s = reHeader.ReplaceAllString(s, "")
	s = reFooter.ReplaceAllString(s, "")
	s = reBlockEnds.ReplaceAllString(s, "\n\n")
	s = reTags.ReplaceAllString(s, " ")

	s = strings.ReplaceAll(s, "&amp;", "&")
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")
	s = strings.ReplaceAll(s, "&quot;", "\"")
	s = strings.ReplaceAll(s, "&#39;", "'")
	s = strings.ReplaceAll(s, "&nbsp;", " ")

	s = reWhitespace.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	s = strings.Join(lines, "\n")
	s = reBlankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// CapWords truncates text to at most n whitespace-separated words,
// appending an ellipsis when trimmed. Paragraph breaks inside the kept
// region are preserved so downstream relevance filtering still sees them.
func CapWords(text string, n int) string {
	if n <= 0 {
		return ""
	}
	inWord := false
	words := 0
	for i, r := range text {
		if unicode.IsSpace(r) {
			inWord = false
			continue
		}
		if !inWord {
			words++
			if words > n {
				return strings.TrimRight(text[:i], " \t\n") + "..."
			}
			inWord = true
		}
	}
	return text
}
