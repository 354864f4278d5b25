package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"mktcast/internal/storage"
)

// Export renders the unified view as CSV and/or a PNG chart of actual against
// forecast closes.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	symbol := strings.ToUpper(strings.TrimSpace(opts.Symbol))
	if opts.PNGPath != "" && symbol == "" {
		return errors.New("--symbol is required with --png")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer closeStore()

	rows, err := store.ListUnified(ctx, symbol, 0)
	if err != nil {
		return err
	}

	selected, err := selectRows(rows, opts.From, opts.To)
	if err != nil {
		return err
	}
	if len(selected) == 0 {
		a.Logger.Info().Str("symbol", symbol).Msg("no unified rows found for export window")
		return nil
	}

	downsampled := downsampleRows(selected, opts.MaxPoints)
	a.Logger.Info().Int("total", len(selected)).Int("exported", len(downsampled)).Msg("exporting unified rows")

	if opts.CSVPath != "" {
		if err := writeUnifiedCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeUnifiedPNG(opts.PNGPath, symbol, downsampled); err != nil {
			return err
		}
	}

	return nil
}

// selectRows keeps rows in [from, to) ordered by symbol then ts ascending.
func selectRows(rows []storage.UnifiedRecord, from, to *time.Time) ([]storage.UnifiedRecord, error) {
	if from != nil && to != nil && !from.Before(*to) {
		return nil, errors.New("from must be before to")
	}

	out := make([]storage.UnifiedRecord, 0, len(rows))
	for _, row := range rows {
		if from != nil && row.TS.Before(*from) {
			continue
		}
		if to != nil && !row.TS.Before(*to) {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].TS.Before(out[j].TS)
	})
	return out, nil
}

func downsampleRows(rows []storage.UnifiedRecord, max int) []storage.UnifiedRecord {
	if max <= 0 || len(rows) <= max {
		return rows
	}
	if max == 1 {
		return rows[len(rows)-1:]
	}

	result := make([]storage.UnifiedRecord, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

func writeUnifiedCSV(path string, rows []storage.UnifiedRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{"symbol", "ts", "source", "close", "predicted_close", "model_id"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, row := range rows {
		record := []string{
			row.Symbol,
			row.TS.UTC().Format(time.DateOnly),
			string(row.Source),
			optionalString(row.Close),
			optionalString(row.PredictedClose),
			row.ModelID,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeUnifiedPNG(path, symbol string, rows []storage.UnifiedRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	var (
		actualX, forecastX []time.Time
		actualY, forecastY []float64
	)
	for _, row := range rows {
		switch {
		case row.Source == storage.SourceActual && row.Close != nil:
			actualX = append(actualX, row.TS)
			actualY = append(actualY, row.Close.InexactFloat64())
		case row.Source == storage.SourceForecast && row.PredictedClose != nil:
			forecastX = append(forecastX, row.TS)
			forecastY = append(forecastY, row.PredictedClose.InexactFloat64())
		}
	}
	// bridge the forecast line onto the last actual close
	if len(actualX) > 0 && len(forecastX) > 0 {
		forecastX = append([]time.Time{actualX[len(actualX)-1]}, forecastX...)
		forecastY = append([]float64{actualY[len(actualY)-1]}, forecastY...)
	}

	var series []chart.Series
	if len(actualX) > 0 {
		series = append(series, chart.TimeSeries{Name: "Actual", XValues: actualX, YValues: actualY})
	}
	if len(forecastX) > 0 {
		series = append(series, chart.TimeSeries{
			Name:    "Forecast",
			XValues: forecastX,
			YValues: forecastY,
			Style: chart.Style{
				StrokeColor:     chart.ColorRed,
				StrokeDashArray: []float64{5, 5},
			},
		})
	}
	if len(series) == 0 {
		return fmt.Errorf("no plottable rows for %s", symbol)
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Title:  symbol,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeDateValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Close",
			ValueFormatter: priceFormatter,
		},
		Series: series,
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

func optionalString(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}
