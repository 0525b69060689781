// Package extract locates price and availability fields on marketplace
// product pages. Each marketplace variant owns its own selectors; adding a
// marketplace means registering a new Extractor, nothing upstream changes.
package extract

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"

	"price-tracker/internal/storage"
)

// Fields is the normalized result of one extraction. Price is mandatory;
// everything else is best effort.
type Fields struct {
	MarketplaceID *string
	Title         string
	Price         decimal.Decimal
	Currency      string
	InStock       bool
	Brand         *string
	Category      *string
	ImageURL      *string
	SellerName    *string
	SellerRating  *float64
	ShippingCost  *decimal.Decimal
	ReviewsCount  *int64
}

// Extractor fetches a product page through the supplied transport and
// locates its fields.
type Extractor interface {
	Marketplace() storage.Marketplace
	Extract(ctx context.Context, client *http.Client, url string) (Fields, error)
}

// ErrMissingPrice signals that no valid, non-negative price was found.
var ErrMissingPrice = errors.New("extract: price missing or invalid")

// FetchError wraps transport-level failures (network errors, timeouts,
// non-2xx responses). Treated as transient by the orchestrator.
type FetchError struct {
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extract: fetch failed: %v", e.Err)
	}
	return fmt.Sprintf("extract: unexpected status %d", e.StatusCode)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError signals the page shape did not match the marketplace's
// field-location rules. Same retry handling as transient failures, but kept
// distinguishable for per-marketplace triage.
type ParseError struct {
	Marketplace storage.Marketplace
	Reason      string
	Err         error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("extract: %s parse failed: %s", e.Marketplace, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Registry resolves extractor variants by marketplace.
type Registry struct {
	extractors map[storage.Marketplace]Extractor
}

// NewRegistry builds a registry over the given variants.
func NewRegistry(extractors ...Extractor) *Registry {
	r := &Registry{extractors: make(map[storage.Marketplace]Extractor, len(extractors))}
	for _, e := range extractors {
		r.extractors[e.Marketplace()] = e
	}
	return r
}

// DefaultRegistry registers all built-in marketplace variants. agents, when
// given, replaces the built-in User-Agent rotation for every variant.
func DefaultRegistry(agents ...string) *Registry {
	return NewRegistry(NewAmazon(agents...), NewEbay(agents...), NewAliExpress(agents...))
}

// Lookup returns the extractor for the marketplace, if registered.
func (r *Registry) Lookup(marketplace storage.Marketplace) (Extractor, bool) {
	e, ok := r.extractors[marketplace]
	return e, ok
}

var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36",
}

// fetchDocument issues the GET and parses the body. Non-2xx and transport
// failures come back as FetchError. An empty agents list falls back to the
// built-in User-Agent rotation.
func fetchDocument(ctx context.Context, client *http.Client, url string, agents []string) (*goquery.Document, error) {
	if len(agents) == 0 {
		agents = defaultUserAgents
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{Err: err}
	}
	req.Header.Set("User-Agent", agents[rand.IntN(len(agents))])
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := client.Do(req)
	if err != nil {
		return nil, &FetchError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &FetchError{StatusCode: resp.StatusCode}
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, &FetchError{Err: err}
	}
	return doc, nil
}

var (
	priceRe   = regexp.MustCompile(`[\d,]+\.?\d*`)
	numericRe = regexp.MustCompile(`[\d,]+`)
	floatRe   = regexp.MustCompile(`[\d.]+`)
)

// parsePrice pulls the first numeric token out of a price string.
func parsePrice(text string) (decimal.Decimal, bool) {
	match := priceRe.FindString(text)
	if match == "" {
		return decimal.Decimal{}, false
	}
	price, err := decimal.NewFromString(strings.ReplaceAll(match, ",", ""))
	if err != nil || price.IsNegative() {
		return decimal.Decimal{}, false
	}
	return price, true
}

func parseCount(text string) *int64 {
	match := numericRe.FindString(text)
	if match == "" {
		return nil
	}
	n, err := strconv.ParseInt(strings.ReplaceAll(match, ",", ""), 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

func strPtr(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
