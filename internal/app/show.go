package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
)

// Show prints recently checked items and recently fired alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	items, err := store.ListRecentItems(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Fprintln(os.Stdout, "no tracked items found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tMarketplace\tTitle\tPrice\tMin\tMax\tStock\tStatus\tChecked (UTC)\tError")

	for _, item := range items {
		checked := ""
		if item.LastChecked != nil {
			checked = item.LastChecked.UTC().Format(time.RFC3339)
		}
		errMsg := ""
		if item.LastError != nil {
			errMsg = sanitizeInline(*item.LastError)
		}
		stock := "yes"
		if !item.InStock {
			stock = "no"
		}
		fmt.Fprintf(
			writer,
			"%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			item.ID,
			item.Marketplace,
			truncate(item.Title, 40),
			formatPricePtr(item.CurrentPrice),
			formatPricePtr(item.MinPrice),
			formatPricePtr(item.MaxPrice),
			stock,
			item.Status,
			checked,
			errMsg,
		)
	}
	writer.Flush()

	alerts, err := store.ListRecentAlerts(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		return nil
	}

	fmt.Fprintln(os.Stdout)
	writer = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Alert\tItem\tKind\tOld\tNew\tChange%\tDelivery\tMethod\tFired (UTC)")

	for _, event := range alerts {
		method := ""
		if event.Method != nil {
			method = *event.Method
		}
		fmt.Fprintf(
			writer,
			"%d\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			event.ID,
			event.ItemID,
			event.Kind,
			event.OldPrice.StringFixed(2),
			event.NewPrice.StringFixed(2),
			event.ChangePct.StringFixed(1),
			event.Status,
			method,
			event.CreatedAt.UTC().Format(time.RFC3339),
		)
	}
	writer.Flush()
	return nil
}

func formatPricePtr(d *decimal.Decimal) string {
	if d == nil {
		return "-"
	}
	return d.StringFixed(2)
}

// truncate shortens v to max runes. Slicing on runes keeps multi-byte
// titles intact.
func truncate(v string, max int) string {
	runes := []rune(v)
	if len(runes) <= max {
		return v
	}
	return string(runes[:max-1]) + "…"
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
