package extract

import (
	"context"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"price-tracker/internal/storage"
)

var (
	asinRe         = regexp.MustCompile(`/dp/([A-Z0-9]{10})`)
	amazonRatingRe = regexp.MustCompile(`([\d.]+) out of`)
)

// Amazon extracts product fields from Amazon listing pages.
type Amazon struct {
	agents []string
}

// NewAmazon constructs the Amazon extractor variant. agents overrides the
// built-in User-Agent rotation.
func NewAmazon(agents ...string) *Amazon { return &Amazon{agents: agents} }

func (a *Amazon) Marketplace() storage.Marketplace { return storage.MarketplaceAmazon }

// Extract fetches an Amazon product page and locates its fields. Missing
// rating, brand, or reviews never fail the extraction; a missing price does.
func (a *Amazon) Extract(ctx context.Context, client *http.Client, url string) (Fields, error) {
	doc, err := fetchDocument(ctx, client, url, a.agents)
	if err != nil {
		return Fields{}, err
	}

	fields := Fields{Currency: "USD", InStock: true}

	if m := asinRe.FindStringSubmatch(url); m != nil {
		fields.MarketplaceID = &m[1]
	}

	priceText := doc.Find(".a-price-whole, .a-price.a-text-price.a-size-medium.apexPriceToPay, .a-price-range").First().Text()
	price, ok := parsePrice(priceText)
	if !ok {
		return Fields{}, &ParseError{Marketplace: a.Marketplace(), Reason: "price element missing", Err: ErrMissingPrice}
	}
	fields.Price = price

	fields.Title = strings.TrimSpace(doc.Find("#productTitle").First().Text())
	if fields.Title == "" {
		fields.Title = "Unknown Product"
	}

	if availability := doc.Find("#availability span").First().Text(); availability != "" {
		fields.InStock = strings.Contains(strings.ToLower(availability), "in stock")
	}

	if brand := doc.Find("a#bylineInfo").First().Text(); brand != "" {
		fields.Brand = strPtr(strings.TrimPrefix(strings.TrimSpace(brand), "Brand: "))
	}

	if rating := doc.Find("span.a-icon-alt").First().Text(); rating != "" {
		if m := amazonRatingRe.FindStringSubmatch(rating); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				fields.SellerRating = &v
			}
		}
	}

	if reviews := doc.Find("#acrCustomerReviewText").First().Text(); reviews != "" {
		fields.ReviewsCount = parseCount(reviews)
	}

	if img, exists := doc.Find("#landingImage, #imgBlkFront").First().Attr("src"); exists {
		fields.ImageURL = strPtr(img)
	}

	if crumbs := doc.Find("#wayfinding-breadcrumbs_feature_div a.a-link-normal"); crumbs.Length() > 0 {
		fields.Category = strPtr(crumbs.Last().Text())
	}

	return fields, nil
}

var _ Extractor = (*Amazon)(nil)
