package dashboard

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"sync"
	"time"

	"github.com/xuri/excelize/v2"
	"golang.org/x/sync/errgroup"
)

type ReportEntry struct {
	City     string    `json:"city"`
	Insights *Insights `json:"insights,omitempty"`
	Error    string    `json:"error,omitempty"`
}

type Report struct {
	Source      string        `json:"source"`
	Fingerprint string        `json:"fingerprint"`
	Generated   time.Time     `json:"generated"`
	Horizon     int           `json:"horizon"`
	Entries     []ReportEntry `json:"entries"`
	Failed      int           `json:"failed"`
}

// Report computes insights for every city in the dataset. A city that
// cannot be forecast is recorded with its error and does not stop the
// others. Entries follow the dataset's sorted city order.
func (s *Service) Report(ctx context.Context, horizon int) (*Report, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	if horizon == 0 {
		horizon = s.opts.Horizon
	}

	names := snap.Cities()
	rep := &Report{
		Source:      snap.Source,
		Fingerprint: snap.Fingerprint,
		Generated:   s.now().UTC(),
		Horizon:     horizon,
		Entries:     make([]ReportEntry, len(names)),
	}

	var mu sync.Mutex
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)

	for i, city := range names {
		rep.Entries[i].City = city
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			in, err := s.insights(snap, city, horizon)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rep.Entries[i].Error = err.Error()
				rep.Failed++
				return nil
			}
			rep.Entries[i].Insights = in
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("report: %w", err)
	}
	log.Printf("dashboard: report over %d cities, %d failed", len(names), rep.Failed)
	return rep, nil
}

var reportHeader = []any{
	"City", "Horizon (days)", "Mean temperature (°C)", "Temperature advisory",
	"Total rainfall (mm)", "Rainfall advisory", "Narrative", "Error",
}

// WriteXLSX writes the report as a single-sheet workbook.
func (r *Report) WriteXLSX(w io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Report"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, "A1", &reportHeader); err != nil {
		return err
	}

	for i, e := range r.Entries {
		row := []any{e.City, r.Horizon, nil, nil, nil, nil, nil, e.Error}
		if in := e.Insights; in != nil {
			row[2] = round1(in.Temperature.Summary.Value)
			row[3] = in.Temperature.Advisory.Message
			row[4] = round1(in.Rainfall.Summary.Value)
			row[5] = in.Rainfall.Advisory.Message
			row[6] = in.Narrative
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
	}

	_, err := f.WriteTo(w)
	return err
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
