package alert

import (
	"fmt"
	"html/template"
	"strings"

	"price-tracker/internal/storage"
)

var priceDropTemplate = template.Must(template.New("price_drop").Parse(`<html>
<body style="font-family: Arial, sans-serif; padding: 20px;">
  <h1 style="color: #2ecc71;">Price Drop Alert</h1>
  <h2>{{.Title}}</h2>
  <p>Previous price: <del>{{.OldPrice}} {{.Currency}}</del></p>
  <p style="font-size: 24px; color: #2ecc71;"><strong>New price: {{.NewPrice}} {{.Currency}}</strong></p>
  <p>You save {{.Savings}} {{.Currency}} ({{.AbsChange}}%)</p>
  {{if .Threshold}}<p>Your target price of {{.Threshold}} {{.Currency}} has been reached.</p>{{end}}
  <p><a href="{{.URL}}">View Product</a></p>
</body>
</html>`))

var newLowTemplate = template.Must(template.New("new_low").Parse(`<html>
<body style="font-family: Arial, sans-serif; padding: 20px;">
  <h1 style="color: #e74c3c;">New All-Time Low Price</h1>
  <h2>{{.Title}}</h2>
  <p style="font-size: 36px; color: #e74c3c;"><strong>{{.NewPrice}} {{.Currency}}</strong></p>
  <p>Previous price: {{.OldPrice}} {{.Currency}}</p>
  <p><a href="{{.URL}}">Buy Now</a></p>
</body>
</html>`))

var backInStockTemplate = template.Must(template.New("back_in_stock").Parse(`<html>
<body style="font-family: Arial, sans-serif; padding: 20px;">
  <h1 style="color: #3498db;">Back in Stock</h1>
  <h2>{{.Title}}</h2>
  <p>Good news, this product is available again at {{.NewPrice}} {{.Currency}}.</p>
  <p><a href="{{.URL}}">Shop Now</a></p>
</body>
</html>`))

var emailTemplates = map[storage.AlertKind]*template.Template{
	storage.AlertPriceDrop:   priceDropTemplate,
	storage.AlertNewLow:      newLowTemplate,
	storage.AlertBackInStock: backInStockTemplate,
}

type emailContext struct {
	Title     string
	URL       string
	Currency  string
	OldPrice  string
	NewPrice  string
	Savings   string
	AbsChange string
	Threshold string
}

func renderEmail(n Notification) (subject, body string, err error) {
	tmpl, ok := emailTemplates[n.Event.Kind]
	if !ok {
		tmpl = priceDropTemplate
	}

	ctx := emailContext{
		Title:     n.Item.Title,
		URL:       n.Item.URL,
		Currency:  n.Item.Currency,
		OldPrice:  n.Event.OldPrice.StringFixed(2),
		NewPrice:  n.Event.NewPrice.StringFixed(2),
		Savings:   n.Event.OldPrice.Sub(n.Event.NewPrice).StringFixed(2),
		AbsChange: n.Event.ChangePct.Abs().StringFixed(1),
	}
	if n.Event.Threshold != nil {
		ctx.Threshold = n.Event.Threshold.StringFixed(2)
	}

	var builder strings.Builder
	if err := tmpl.Execute(&builder, ctx); err != nil {
		return "", "", err
	}

	return emailSubject(n), builder.String(), nil
}

func emailSubject(n Notification) string {
	title := n.Item.Title
	// rune-based cut so multi-byte titles survive the truncation
	if runes := []rune(title); len(runes) > 50 {
		title = string(runes[:50]) + "..."
	}

	switch n.Event.Kind {
	case storage.AlertPriceDrop:
		return fmt.Sprintf("%s%% Price Drop: %s", n.Event.ChangePct.Abs().StringFixed(1), title)
	case storage.AlertNewLow:
		return fmt.Sprintf("All-Time Low Price: %s", title)
	case storage.AlertBackInStock:
		return fmt.Sprintf("Back in Stock: %s", title)
	default:
		return fmt.Sprintf("Price Alert: %s", title)
	}
}
