package ingest

import (
	"bytes"
	"crypto/sha256"
	"database/sql"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/lox/cityweather/internal/cache"
	"github.com/lox/cityweather/internal/cities"
	"github.com/lox/cityweather/internal/metrics"
	"github.com/lox/cityweather/internal/models"
)

// ErrDataUnavailable means the source could not be read or lacks a column
// the cleaned schema requires.
var ErrDataUnavailable = errors.New("data unavailable")

const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
)

// satelliteFill is the missing-value marker used by satellite-derived exports.
const satelliteFill = -999

// headerScanRows bounds how far into the file we look for the header row;
// satellite exports prefix the table with a metadata block.
const headerScanRows = 60

type Options struct {
	// Sheet selects the worksheet of a spreadsheet source. The first sheet
	// is used when empty.
	Sheet string `json:"sheet,omitempty"`
	// DefaultCity names the city for sources without a city column.
	DefaultCity string `json:"default_city,omitempty"`
}

type LoadStats struct {
	Format        string         `json:"format"`
	Convention    string         `json:"convention"`
	Rows          int            `json:"rows"`
	Kept          int            `json:"kept"`
	DroppedDates  int            `json:"dropped_dates"`
	DroppedCities int            `json:"dropped_cities"`
	Unmapped      []string       `json:"unmapped_cities,omitempty"`
	Flags         map[string]int `json:"flags,omitempty"`
}

// Snapshot is the cleaned, read-only record set for one source. It is
// shared between requests and must not be modified after Parse returns.
type Snapshot struct {
	Source      string
	Fingerprint string
	Stats       LoadStats
	records     []models.Record
	cities      []string
}

// Records returns the cleaned records in source order. Callers must treat
// the slice as read-only.
func (s *Snapshot) Records() []models.Record {
	return s.records[:len(s.records):len(s.records)]
}

func (s *Snapshot) Len() int { return len(s.records) }

// Cities returns the distinct city names present, sorted.
func (s *Snapshot) Cities() []string {
	out := make([]string, len(s.cities))
	copy(out, s.cities)
	return out
}

// ContentHash returns the hex SHA-256 of raw source bytes.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Load reads and cleans the file at path.
func Load(path string, opts Options) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		metrics.DatasetLoadsTotal.WithLabelValues(detectFormat(path, nil), "error").Inc()
		return nil, fmt.Errorf("%w: read %s: %w", ErrDataUnavailable, path, err)
	}
	return Parse(path, data, opts)
}

// Parse cleans in-memory source content. name is used for format detection
// and reporting only. Identical input always yields an identical snapshot.
func Parse(name string, data []byte, opts Options) (*Snapshot, error) {
	format := detectFormat(name, data)
	snap, err := parse(name, format, data, opts)
	if err != nil {
		metrics.DatasetLoadsTotal.WithLabelValues(format, "error").Inc()
		return nil, err
	}
	metrics.DatasetLoadsTotal.WithLabelValues(format, "success").Inc()
	return snap, nil
}

func parse(name, format string, data []byte, opts Options) (*Snapshot, error) {
	var rows [][]string
	var err error
	switch format {
	case FormatXLSX:
		rows, err = readXLSX(data, opts.Sheet)
	default:
		rows, err = readCSV(data)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDataUnavailable, name, err)
	}

	headerAt := -1
	var lay layout
	for i := 0; i < len(rows) && i < headerScanRows; i++ {
		if l := newLayout(rows[i]); l.hasDate() {
			headerAt, lay = i, l
			break
		}
	}
	if headerAt < 0 {
		return nil, fmt.Errorf("%w: %s: no date column", ErrDataUnavailable, name)
	}
	if !lay.has(colCity) && strings.TrimSpace(opts.DefaultCity) == "" {
		return nil, fmt.Errorf("%w: %s: no city column", ErrDataUnavailable, name)
	}
	if !lay.has(colAvgTemp) {
		return nil, fmt.Errorf("%w: %s: no average temperature column", ErrDataUnavailable, name)
	}
	if !lay.has(colRainfall) {
		return nil, fmt.Errorf("%w: %s: no rainfall column", ErrDataUnavailable, name)
	}

	snap := &Snapshot{
		Source:      name,
		Fingerprint: ContentHash(data),
		Stats: LoadStats{
			Format:     format,
			Convention: lay.convention,
			Flags:      make(map[string]int),
		},
	}

	serial := format == FormatXLSX
	seenCity := make(map[string]bool)
	unmapped := make(map[string]bool)

	for _, row := range rows[headerAt+1:] {
		if blank(row) {
			continue
		}
		snap.Stats.Rows++

		date, ok := rowDate(lay, row, serial)
		if !ok {
			snap.Stats.DroppedDates++
			metrics.RowsDropped.WithLabelValues("date").Inc()
			continue
		}

		city := lay.cell(row, colCity)
		if !lay.has(colCity) {
			city = opts.DefaultCity
		}
		city = cities.Canonical(city)
		if city == "" {
			snap.Stats.DroppedCities++
			metrics.RowsDropped.WithLabelValues("city").Inc()
			continue
		}

		rec := models.Record{
			City:     city,
			Date:     date,
			AvgTemp:  parseNumber(lay.cell(row, colAvgTemp)),
			MaxTemp:  parseNumber(lay.cell(row, colMaxTemp)),
			MinTemp:  parseNumber(lay.cell(row, colMinTemp)),
			Rainfall: parseNumber(lay.cell(row, colRainfall)),
			AQI:      parseNumber(lay.cell(row, colAQI)),
		}
		if ref, ok := cities.Lookup(city); ok {
			rec.Lat = sql.NullFloat64{Float64: ref.Latitude, Valid: true}
			rec.Lon = sql.NullFloat64{Float64: ref.Longitude, Valid: true}
		} else {
			unmapped[city] = true
		}

		for _, flag := range ValidateRecord(&rec) {
			snap.Stats.Flags[flag]++
			metrics.QualityFlags.WithLabelValues(flag).Inc()
		}

		if !seenCity[city] {
			seenCity[city] = true
			snap.cities = append(snap.cities, city)
		}
		snap.records = append(snap.records, rec)
	}

	sort.Strings(snap.cities)
	for c := range unmapped {
		snap.Stats.Unmapped = append(snap.Stats.Unmapped, c)
	}
	sort.Strings(snap.Stats.Unmapped)
	snap.Stats.Kept = len(snap.records)
	if len(snap.Stats.Flags) == 0 {
		snap.Stats.Flags = nil
	}

	log.Printf("ingest: parsed %s (%s, %s): %d rows, %d kept, %d bad dates",
		name, format, lay.convention, snap.Stats.Rows, snap.Stats.Kept, snap.Stats.DroppedDates)
	return snap, nil
}

func rowDate(lay layout, row []string, serial bool) (time.Time, bool) {
	if lay.has(colDate) {
		return parseDate(lay.cell(row, colDate), serial)
	}
	return dateFromParts(lay.cell(row, colYear), lay.cell(row, colMonth), lay.cell(row, colDay), lay.cell(row, colDayOfYear))
}

func detectFormat(name string, data []byte) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx", ".xlsm":
		return FormatXLSX
	}
	if bytes.HasPrefix(data, []byte("PK\x03\x04")) {
		return FormatXLSX
	}
	return FormatCSV
}

func readCSV(data []byte) ([][]string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = sniffDelimiter(data)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	var rows [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		rows = append(rows, rec)
	}
	if len(rows) == 0 {
		return nil, errors.New("empty file")
	}
	return rows, nil
}

// sniffDelimiter picks the most frequent of comma, semicolon and tab on the
// first line that contains any of them.
func sniffDelimiter(data []byte) rune {
	for _, line := range bytes.Split(data, []byte("\n")) {
		best, bestCount := ',', 0
		for _, d := range []rune{',', ';', '\t'} {
			if n := bytes.Count(line, []byte(string(d))); n > bestCount {
				best, bestCount = d, n
			}
		}
		if bestCount > 0 {
			return best
		}
	}
	return ','
}

func readXLSX(data []byte, sheet string) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, errors.New("workbook has no sheets")
		}
		sheet = sheets[0]
	}

	rows, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("sheet %q is empty", sheet)
	}
	return rows, nil
}

func parseNumber(s string) sql.NullFloat64 {
	switch strings.ToLower(s) {
	case "", "na", "n/a", "nan", "null", "none", "-":
		return sql.NullFloat64{}
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f == satelliteFill {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: f, Valid: true}
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// Archiver keeps a copy of every distinct source content a Loader sees.
type Archiver interface {
	ArchivePayload(source, fingerprint string, data []byte) error
}

// Loader memoizes snapshots by source content so repeated loads of an
// unchanged file skip parsing, and reports when the content has changed.
type Loader struct {
	opts Options
	memo *cache.LRU[*Snapshot]

	mu      sync.Mutex
	last    string
	archive Archiver
}

func NewLoader(opts Options, memo *cache.LRU[*Snapshot]) *Loader {
	if memo == nil {
		memo = cache.New[*Snapshot](4, 0)
	}
	return &Loader{opts: opts, memo: memo}
}

// Load returns the snapshot for path. changed is true when the content
// differs from the previous successful Load on this Loader, which is the
// signal for callers to invalidate anything derived from the old snapshot.
func (l *Loader) Load(path string) (snap *Snapshot, changed bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		metrics.DatasetLoadsTotal.WithLabelValues(detectFormat(path, nil), "error").Inc()
		return nil, false, fmt.Errorf("%w: read %s: %w", ErrDataUnavailable, path, err)
	}

	key := cache.Key{Op: "load", Fingerprint: cache.Fingerprint(ContentHash(data), path, l.opts)}
	snap, ok := l.memo.Get(key)
	if !ok {
		snap, err = Parse(path, data, l.opts)
		if err != nil {
			return nil, false, err
		}
		l.memo.Put(key, snap)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	changed = l.last != snap.Fingerprint
	l.last = snap.Fingerprint
	if changed && l.archive != nil {
		if err := l.archive.ArchivePayload(path, snap.Fingerprint, data); err != nil {
			log.Printf("ingest: archive %s: %v", path, err)
		}
	}
	return snap, changed, nil
}

func (l *Loader) SetArchiver(a Archiver) {
	l.mu.Lock()
	l.archive = a
	l.mu.Unlock()
}
