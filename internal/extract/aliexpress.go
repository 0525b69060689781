package extract

import (
	"context"
	"net/http"
	"regexp"
	"strings"

	"price-tracker/internal/storage"
)

var aliItemRe = regexp.MustCompile(`/item/(\d+)\.html`)

// AliExpress extracts product fields from AliExpress listing pages.
type AliExpress struct {
	agents []string
}

// NewAliExpress constructs the AliExpress extractor variant. agents
// overrides the built-in User-Agent rotation.
func NewAliExpress(agents ...string) *AliExpress { return &AliExpress{agents: agents} }

func (a *AliExpress) Marketplace() storage.Marketplace { return storage.MarketplaceAliExpress }

// Extract fetches an AliExpress product page and locates its fields.
func (a *AliExpress) Extract(ctx context.Context, client *http.Client, url string) (Fields, error) {
	doc, err := fetchDocument(ctx, client, url, a.agents)
	if err != nil {
		return Fields{}, err
	}

	fields := Fields{Currency: "USD", InStock: true}

	if m := aliItemRe.FindStringSubmatch(url); m != nil {
		fields.MarketplaceID = &m[1]
	}

	priceText := doc.Find(".product-price-value").First().Text()
	price, ok := parsePrice(priceText)
	if !ok {
		return Fields{}, &ParseError{Marketplace: a.Marketplace(), Reason: "price element missing", Err: ErrMissingPrice}
	}
	fields.Price = price

	fields.Title = strings.TrimSpace(doc.Find(".product-title-text").First().Text())
	if fields.Title == "" {
		fields.Title = "Unknown Product"
	}

	if tip := doc.Find(".product-quantity-tip").First().Text(); tip != "" {
		fields.InStock = !strings.Contains(strings.ToLower(tip), "out of stock")
	}

	return fields, nil
}

var _ Extractor = (*AliExpress)(nil)
