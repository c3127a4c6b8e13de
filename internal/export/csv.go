// Package export appends per-cycle observations to daily CSV files for
// external charting and reporting. Files live under
// <root>/<YYYY-MM-DD>/<strategy>/ and grow by appending; the header row is
// written once when a file is created and never repeated.
package export

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gocarina/gocsv"

	"github.com/meetsang/spx-bot/internal/broker"
	"github.com/meetsang/spx-bot/internal/pnl"
)

// File names within a day's strategy directory.
const (
	QuotesFile      = "quotes.csv"
	PnLFile         = "pnl.csv"
	StrategyPnLFile = "pnl_strategy.csv"
)

// QuoteRow is one raw mark observation.
type QuoteRow struct {
	Timestamp string `csv:"ts"`
	Symbol    string `csv:"symbol"`
	Bid       string `csv:"bid"`
	Ask       string `csv:"ask"`
	Mid       string `csv:"mid"`
	Delta     string `csv:"delta"`
	Gamma     string `csv:"gamma"`
	Theta     string `csv:"theta"`
	Vega      string `csv:"vega"`
}

// PnLRow is one fly's PnL at one cycle.
type PnLRow struct {
	Timestamp string `csv:"ts"`
	Body      string `csv:"body"`
	PnL       string `csv:"pnl"`
	TotalPnL  string `csv:"total_pnl"`
}

// StrategyPnLRow is the whole-strategy net at one cycle.
type StrategyPnLRow struct {
	Timestamp        string `csv:"ts"`
	StrategyTotalPnL string `csv:"strategy_total_pnl"`
}

// Writer appends rows to the current day's files.
type Writer struct {
	root     string
	strategy string
}

// NewWriter creates a writer rooted at dataDir for the named strategy.
func NewWriter(dataDir, strategy string) *Writer {
	return &Writer{root: dataDir, strategy: strategy}
}

// Dir returns the directory for the given session date, creating it if
// needed.
func (w *Writer) Dir(date string) (string, error) {
	dir := filepath.Join(w.root, date, w.strategy)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("export: creating %s: %w", dir, err)
	}
	return dir, nil
}

// AppendQuotes appends raw mark observations to the day's quotes file.
func (w *Writer) AppendQuotes(date string, rows []QuoteRow) error {
	return appendRows(w, date, QuotesFile, &rows)
}

// AppendPnL appends per-fly PnL rows to the day's pnl file.
func (w *Writer) AppendPnL(date string, rows []PnLRow) error {
	return appendRows(w, date, PnLFile, &rows)
}

// AppendStrategyPnL appends the whole-strategy net to the day's strategy
// pnl file.
func (w *Writer) AppendStrategyPnL(date string, rows []StrategyPnLRow) error {
	return appendRows(w, date, StrategyPnLFile, &rows)
}

func appendRows[T any](w *Writer, date, name string, rows *[]T) error {
	if len(*rows) == 0 {
		return nil
	}
	dir, err := w.Dir(date)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("export: opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("export: stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		if err := gocsv.Marshal(rows, f); err != nil {
			return fmt.Errorf("export: writing %s: %w", path, err)
		}
		return nil
	}
	if err := gocsv.MarshalWithoutHeaders(rows, f); err != nil {
		return fmt.Errorf("export: appending %s: %w", path, err)
	}
	return nil
}

// PnLRows flattens a valuation result into per-fly rows sharing one
// timestamp and the running net total.
func PnLRows(at time.Time, res pnl.Result) []PnLRow {
	ts := at.UTC().Format(time.RFC3339)
	rows := make([]PnLRow, 0, len(res.PerFly))
	for _, body := range res.Bodies() {
		rows = append(rows, PnLRow{
			Timestamp: ts,
			Body:      body,
			PnL:       res.PerFly[body].StringFixed(2),
			TotalPnL:  res.Net.StringFixed(2),
		})
	}
	return rows
}

// StrategyPnLRows wraps the whole-strategy net in its single-row form.
func StrategyPnLRows(at time.Time, res pnl.Result) []StrategyPnLRow {
	return []StrategyPnLRow{{
		Timestamp:        at.UTC().Format(time.RFC3339),
		StrategyTotalPnL: res.Net.StringFixed(2),
	}}
}

// QuoteRows flattens chain contracts into raw observation rows.
func QuoteRows(at time.Time, options []broker.Option) []QuoteRow {
	ts := at.UTC().Format(time.RFC3339)
	rows := make([]QuoteRow, 0, len(options))
	for i := range options {
		opt := &options[i]
		row := QuoteRow{
			Timestamp: ts,
			Symbol:    opt.Symbol,
			Bid:       opt.Bid.StringFixed(2),
			Ask:       opt.Ask.StringFixed(2),
			Mid:       opt.Mid().StringFixed(2),
		}
		if opt.Greeks != nil {
			row.Delta = opt.Greeks.Delta.String()
			row.Gamma = opt.Greeks.Gamma.String()
			row.Theta = opt.Greeks.Theta.String()
			row.Vega = opt.Greeks.Vega.String()
		}
		rows = append(rows, row)
	}
	return rows
}
