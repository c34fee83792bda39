package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"

	"github.com/lox/cityweather/internal/api"
	"github.com/lox/cityweather/internal/cache"
	"github.com/lox/cityweather/internal/config"
	"github.com/lox/cityweather/internal/dashboard"
	"github.com/lox/cityweather/internal/forecast"
	"github.com/lox/cityweather/internal/ingest"
	"github.com/lox/cityweather/internal/models"
	"github.com/lox/cityweather/internal/store"
	"github.com/lox/cityweather/internal/views"
)

// Globals override the config file and the CITYWEATHER_* environment,
// which config.Load reads after loading .env.
type Globals struct {
	Config string `help:"YAML config file (default $CITYWEATHER_CONFIG or cityweather.yaml)." type:"path"`
	Data   string `help:"Dataset file (CSV, TSV or XLSX)." type:"path"`
	Sheet  string `help:"Worksheet to read from a spreadsheet."`
	City   string `name:"default-city" help:"City for datasets without a city column."`
	DB     string `help:"SQLite database for load audits and cached forecasts (default in memory)."`
}

type CLI struct {
	Globals

	Serve    ServeCmd    `cmd:"" help:"Serve the JSON API."`
	Forecast ForecastCmd `cmd:"" help:"Forecast one metric for a city."`
	KPIs     KPIsCmd     `cmd:"" name:"kpis" help:"Show KPIs for a city and date range."`
	Compare  CompareCmd  `cmd:"" help:"Compare a metric across cities."`
	Report   ReportCmd   `cmd:"" help:"Forecast every city and summarize."`
	Cities   CitiesCmd   `cmd:"" help:"List cities in the dataset."`
	Loads    LoadsCmd    `cmd:"" help:"Show recent dataset loads recorded in the database."`
	Archive  ArchiveCmd  `cmd:"" help:"Write an archived dataset version."`
}

type app struct {
	cfg   *config.Config
	svc   *dashboard.Service
	store *store.Store
}

// config resolves settings with flags taking precedence over the
// environment and the config file.
func (g *Globals) config() (*config.Config, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, err
	}
	if g.Data != "" {
		cfg.Data.Path = g.Data
	}
	if g.Sheet != "" {
		cfg.Data.Sheet = g.Sheet
	}
	if g.City != "" {
		cfg.Data.DefaultCity = g.City
	}
	if g.DB != "" {
		cfg.Store.Path = g.DB
	}
	return cfg, nil
}

func (g *Globals) open() (*app, error) {
	cfg, err := g.config()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	loader := ingest.NewLoader(ingest.Options{Sheet: cfg.Data.Sheet, DefaultCity: cfg.Data.DefaultCity}, nil)
	memo := cache.New[*models.ForecastResult](cfg.Cache.ForecastEntries, cfg.Cache.TTL)
	engine := forecast.NewEngine(forecast.NewAdditiveModel(cfg.Forecast.Additive), memo)
	svc := dashboard.New(cfg.Data.Path, loader, engine, st, dashboard.Options{
		Horizon:      cfg.Forecast.Horizon,
		Workers:      cfg.Forecast.Workers,
		KeepPayloads: cfg.Store.KeepPayloads,
	})
	return &app{cfg: cfg, svc: svc, store: st}, nil
}

// openPersistent is open for commands that only read what earlier runs
// recorded, which an in-memory database never has.
func (g *Globals) openPersistent() (*app, error) {
	a, err := g.open()
	if err != nil {
		return nil, err
	}
	if a.cfg.Store.Path == "" {
		a.Close()
		return nil, errors.New("a database is required (--db, CITYWEATHER_DB or store.path)")
	}
	return a, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		log.Printf("close store: %v", err)
	}
}

type ServeCmd struct {
	Addr string `help:"Listen address (default from config)."`
}

func (c *ServeCmd) Run(g *Globals) error {
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

	addr := a.cfg.Server.Addr
	if c.Addr != "" {
		addr = c.Addr
	}

	// Load once up front so a bad path is reported at startup.
	if _, err := a.svc.Snapshot(); err != nil {
		log.Printf("dataset not available yet: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Printf("listening on %s", addr)
	return api.NewServer(a.svc, addr).Run(ctx)
}

type ForecastCmd struct {
	City   string `arg:"" help:"City name."`
	Metric string `help:"Metric to forecast." default:"avg_temperature"`
	Days   int    `help:"Forecast horizon in days (default from config)."`
	JSON   bool   `name:"json" help:"Print JSON."`
}

func (c *ForecastCmd) Run(g *Globals) error {
	metric, err := models.ParseMetric(c.Metric)
	if err != nil {
		return err
	}
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

	v, err := a.svc.Forecast(c.City, metric, c.Days)
	if err != nil {
		return err
	}
	if c.JSON {
		return printJSON(v)
	}

	r := v.Forecast
	fmt.Printf("%s %s forecast from data up to %s\n\n", r.City, r.Metric, r.LastObserved.Format("2006-01-02"))
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DATE\tFORECAST\tLOWER\tUPPER")
	for _, p := range r.Points {
		fmt.Fprintf(tw, "%s\t%.1f\t%.1f\t%.1f\n", p.Time.Format("2006-01-02"), p.Value, p.Lower, p.Upper)
	}
	tw.Flush()
	fmt.Printf("\n%s\n", v.Advisory.Message)
	return nil
}

type KPIsCmd struct {
	City string `arg:"" optional:"" help:"City name (all cities when omitted)."`
	From string `help:"First day (YYYY-MM-DD)."`
	To   string `help:"Last day (YYYY-MM-DD)."`
	JSON bool   `name:"json" help:"Print JSON."`
}

func (c *KPIsCmd) Run(g *Globals) error {
	rng, err := parseRange(c.From, c.To)
	if err != nil {
		return err
	}
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

	k, err := a.svc.KPIs(views.Filter{City: c.City, Range: rng})
	if err != nil {
		return err
	}
	if c.JSON {
		return printJSON(api.NewKPIView(k))
	}

	name := k.City
	if name == "" {
		name = "All cities"
	}
	fmt.Printf("%s, %s to %s (%d rows)\n", name, k.First.Format("2006-01-02"), k.Last.Format("2006-01-02"), k.Rows)
	fmt.Printf("  Mean temperature: %s\n", formatNull(k.MeanTemp.Float64, k.MeanTemp.Valid, "°C"))
	fmt.Printf("  Total rainfall:   %s\n", formatNull(k.TotalRainfall.Float64, k.TotalRainfall.Valid, " mm"))
	fmt.Printf("  Mean AQI:         %s\n", formatNull(k.MeanAQI.Float64, k.MeanAQI.Valid, ""))
	return nil
}

type CompareCmd struct {
	Cities []string `arg:"" help:"Cities to compare."`
	Metric string   `help:"Metric to compare." default:"avg_temperature"`
	From   string   `help:"First day (YYYY-MM-DD)."`
	To     string   `help:"Last day (YYYY-MM-DD)."`
	JSON   bool     `name:"json" help:"Print JSON."`
}

func (c *CompareCmd) Run(g *Globals) error {
	metric, err := models.ParseMetric(c.Metric)
	if err != nil {
		return err
	}
	rng, err := parseRange(c.From, c.To)
	if err != nil {
		return err
	}
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

	cmp, err := a.svc.Compare(c.Cities, metric, rng)
	if err != nil {
		return err
	}
	if c.JSON {
		return printJSON(cmp)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "CITY\tDAYS\tMEAN %s\tTOTAL RAINFALL\n", strings.ToUpper(string(metric)))
	for _, cs := range cmp.Cities {
		var sum float64
		for _, p := range cs.Series.Points {
			sum += p.Value
		}
		mean := "-"
		if n := cs.Series.Len(); n > 0 {
			mean = fmt.Sprintf("%.1f", sum/float64(n))
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%.1f\n", cs.City, cs.Series.Len(), mean, cs.TotalRainfall)
	}
	tw.Flush()
	if len(cmp.Missing) > 0 {
		fmt.Printf("\nNo data in range for: %s\n", strings.Join(cmp.Missing, ", "))
	}
	return nil
}

type ReportCmd struct {
	Days int    `help:"Forecast horizon in days (default from config)."`
	XLSX string `name:"xlsx" help:"Also write the report to this spreadsheet." type:"path"`
	JSON bool   `name:"json" help:"Print JSON."`
}

func (c *ReportCmd) Run(g *Globals) error {
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rep, err := a.svc.Report(ctx, c.Days)
	if err != nil {
		return err
	}

	if c.XLSX != "" {
		f, err := os.Create(c.XLSX)
		if err != nil {
			return err
		}
		if err := rep.WriteXLSX(f); err != nil {
			f.Close()
			return fmt.Errorf("write %s: %w", c.XLSX, err)
		}
		if err := f.Close(); err != nil {
			return err
		}
		log.Printf("wrote %s", c.XLSX)
	}

	if c.JSON {
		return printJSON(rep)
	}
	for _, e := range rep.Entries {
		if e.Error != "" {
			fmt.Printf("%s: %s\n\n", e.City, e.Error)
			continue
		}
		fmt.Printf("%s\n  %s\n  %s\n  %s\n\n", e.City, e.Insights.Temperature.Advisory.Message,
			e.Insights.Rainfall.Advisory.Message, e.Insights.Narrative)
	}
	if rep.Failed > 0 {
		return fmt.Errorf("%d of %d cities could not be forecast", rep.Failed, len(rep.Entries))
	}
	return nil
}

type CitiesCmd struct {
	JSON bool `name:"json" help:"Print JSON."`
}

func (c *CitiesCmd) Run(g *Globals) error {
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

	cs, err := a.svc.Cities()
	if err != nil {
		return err
	}
	if c.JSON {
		return printJSON(cs)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CITY\tLATITUDE\tLONGITUDE")
	for _, city := range cs {
		if city.Latitude == 0 && city.Longitude == 0 {
			fmt.Fprintf(tw, "%s\t-\t-\n", city.Name)
			continue
		}
		fmt.Fprintf(tw, "%s\t%.4f\t%.4f\n", city.Name, city.Latitude, city.Longitude)
	}
	return tw.Flush()
}

type LoadsCmd struct {
	Limit int  `help:"Number of loads to show." default:"10"`
	JSON  bool `name:"json" help:"Print JSON."`
}

func (c *LoadsCmd) Run(g *Globals) error {
	a, err := g.openPersistent()
	if err != nil {
		return err
	}
	defer a.Close()

	runs, err := a.store.RecentLoadRuns(c.Limit)
	if err != nil {
		return err
	}
	if c.JSON {
		return printJSON(runs)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tSTATUS\tFORMAT\tROWS\tKEPT\tFINGERPRINT")
	for _, r := range runs {
		status := "ok"
		if !r.Success {
			status = "failed: " + r.ErrorMessage.String
		}
		fp := r.Fingerprint.String
		if len(fp) > 12 {
			fp = fp[:12]
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n", r.StartedAt.Local().Format(time.DateTime), status,
			r.Format.String, r.RowsRead.Int64, r.RowsKept.Int64, fp)
	}
	return tw.Flush()
}

type ArchiveCmd struct {
	Fingerprint string `arg:"" optional:"" help:"Content fingerprint (default: the last successful load)."`
	Out         string `short:"o" help:"Write to this file instead of stdout." type:"path"`
}

func (c *ArchiveCmd) Run(g *Globals) error {
	a, err := g.openPersistent()
	if err != nil {
		return err
	}
	defer a.Close()

	fp := c.Fingerprint
	if fp == "" {
		runs, err := a.store.RecentLoadRuns(50)
		if err != nil {
			return err
		}
		for _, r := range runs {
			if r.Success && r.Fingerprint.Valid {
				fp = r.Fingerprint.String
				break
			}
		}
		if fp == "" {
			return fmt.Errorf("no successful load recorded in %s", a.cfg.Store.Path)
		}
	}

	data, err := a.store.GetPayload(fp)
	if err != nil {
		return err
	}
	if data == nil {
		return fmt.Errorf("no archived dataset with fingerprint %s", fp)
	}
	if c.Out == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(c.Out, data, 0o644); err != nil {
		return err
	}
	log.Printf("wrote %s (%d bytes)", c.Out, len(data))
	return nil
}

func parseRange(from, to string) (views.Range, error) {
	var rng views.Range
	var err error
	if from != "" {
		if rng.From, err = time.Parse("2006-01-02", from); err != nil {
			return rng, fmt.Errorf("--from: %w", err)
		}
	}
	if to != "" {
		if rng.To, err = time.Parse("2006-01-02", to); err != nil {
			return rng, fmt.Errorf("--to: %w", err)
		}
	}
	return rng, nil
}

func formatNull(v float64, valid bool, unit string) string {
	if !valid {
		return "n/a"
	}
	return fmt.Sprintf("%.1f%s", v, unit)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("cityweather"),
		kong.Description("City weather and air quality forecasts from a daily dataset."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&cli.Globals); err != nil {
		log.Fatalf("%s: %v", ctx.Command(), err)
	}
}
