package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"price-tracker/internal/storage"
)

// Export renders an item's price history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.ItemID <= 0 {
		return errors.New("--item must be a positive item id")
	}
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.AddDate(0, 0, -90)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	item, err := store.GetItem(ctx, opts.ItemID)
	if err != nil {
		return err
	}

	history, err := store.ListPriceHistory(ctx, opts.ItemID, from, to)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		a.Logger.Info().Int64("item_id", opts.ItemID).Msg("no snapshots found for export window")
		return nil
	}

	downsampled := downsampleHistory(history, opts.MaxPoints)
	a.Logger.Info().
		Int64("item_id", opts.ItemID).
		Int("total", len(history)).
		Int("exported", len(downsampled)).
		Msg("exporting price history")

	if opts.CSVPath != "" {
		if err := writeHistoryCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeHistoryPNG(opts.PNGPath, item, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleHistory(snaps []storage.Snapshot, max int) []storage.Snapshot {
	if max <= 0 || len(snaps) <= max {
		return snaps
	}

	result := make([]storage.Snapshot, 0, max)
	step := float64(len(snaps)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(snaps) {
			idx = len(snaps) - 1
		}
		result = append(result, snaps[idx])
	}
	return result
}

func writeHistoryCSV(path string, snaps []storage.Snapshot) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"observed_at", "price", "currency", "in_stock", "seller", "shipping_cost", "latency_ms"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, snap := range snaps {
		seller := ""
		if snap.SellerName != nil {
			seller = *snap.SellerName
		}
		shipping := ""
		if snap.ShippingCost != nil {
			shipping = snap.ShippingCost.String()
		}
		record := []string{
			snap.ObservedAt.Format(time.RFC3339),
			snap.Price.String(),
			snap.Currency,
			strconv.FormatBool(snap.InStock),
			seller,
			shipping,
			strconv.FormatInt(snap.LatencyMS, 10),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeHistoryPNG(path string, item storage.TrackedItem, snaps []storage.Snapshot) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(snaps))
	prices := make([]float64, len(snaps))
	for i, snap := range snaps {
		x[i] = snap.ObservedAt
		prices[i] = snap.Price.InexactFloat64()
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Title:  item.Title,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price (" + item.Currency + ")",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Price",
				XValues: x,
				YValues: prices,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
