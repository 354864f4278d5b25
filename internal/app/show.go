package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"mktcast/internal/storage"
)

// Show prints the newest rows of the unified view.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show the unified view")
	}
	defer closeStore()

	rows, err := store.ListUnified(ctx, strings.ToUpper(strings.TrimSpace(opts.Symbol)), opts.Limit)
	if err != nil {
		return err
	}
	return printUnified(os.Stdout, rows)
}

func printUnified(out io.Writer, rows []storage.UnifiedRecord) error {
	if len(rows) == 0 {
		fmt.Fprintln(out, "no unified rows found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Symbol\tDate (UTC)\tSource\tClose\tPredicted\tModel")

	for _, row := range rows {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\n",
			row.Symbol,
			row.TS.UTC().Format(time.DateOnly),
			row.Source,
			formatOptional(row.Close, 2),
			formatOptional(row.PredictedClose, 2),
			sanitizeInline(row.ModelID),
		)
	}

	return writer.Flush()
}

func formatOptional(d *decimal.Decimal, places int32) string {
	if d == nil {
		return "-"
	}
	return d.StringFixed(places)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
