package extract

import (
	"context"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"price-tracker/internal/storage"
)

var (
	ebayItemRe    = regexp.MustCompile(`/itm/(\d+)`)
	ebayPercentRe = regexp.MustCompile(`([\d.]+)%`)
)

// Ebay extracts product fields from eBay listing pages.
type Ebay struct {
	agents []string
}

// NewEbay constructs the eBay extractor variant. agents overrides the
// built-in User-Agent rotation.
func NewEbay(agents ...string) *Ebay { return &Ebay{agents: agents} }

func (e *Ebay) Marketplace() storage.Marketplace { return storage.MarketplaceEbay }

// Extract fetches an eBay listing and locates its fields.
func (e *Ebay) Extract(ctx context.Context, client *http.Client, url string) (Fields, error) {
	doc, err := fetchDocument(ctx, client, url, e.agents)
	if err != nil {
		return Fields{}, err
	}

	// listings visible on eBay are generally purchasable
	fields := Fields{Currency: "USD", InStock: true}

	if m := ebayItemRe.FindStringSubmatch(url); m != nil {
		fields.MarketplaceID = &m[1]
	}

	priceText := doc.Find(".x-price-primary span.ux-textspans").First().Text()
	price, ok := parsePrice(priceText)
	if !ok {
		return Fields{}, &ParseError{Marketplace: e.Marketplace(), Reason: "price element missing", Err: ErrMissingPrice}
	}
	fields.Price = price

	fields.Title = strings.TrimSpace(doc.Find("h1.it-ttl").First().Text())
	if fields.Title == "" {
		fields.Title = "Unknown Product"
	}

	fields.SellerName = strPtr(doc.Find(".si-inner .mbg-nw").First().Text())

	if rating := doc.Find(".si-inner .perCnt").First().Text(); rating != "" {
		if m := ebayPercentRe.FindStringSubmatch(rating); m != nil {
			if pct, err := strconv.ParseFloat(m[1], 64); err == nil {
				// positive-feedback percentage mapped onto a 5-star scale
				stars := pct / 20
				fields.SellerRating = &stars
			}
		}
	}

	shipping := decimal.Zero
	if text := doc.Find(".vi-acc-del-range b").First().Text(); text != "" && !strings.Contains(strings.ToLower(text), "free") {
		if m := floatRe.FindString(text); m != "" {
			if cost, err := decimal.NewFromString(m); err == nil {
				shipping = cost
			}
		}
	}
	fields.ShippingCost = &shipping

	return fields, nil
}

var _ Extractor = (*Ebay)(nil)
