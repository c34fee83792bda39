package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lox/cityweather/internal/models"
)

// GetForecast returns the stored forecast for a memo fingerprint, or nil.
func (s *Store) GetForecast(key string) (*models.ForecastResult, error) {
	var raw string
	err := s.db.QueryRow(`SELECT result_json FROM forecast_cache WHERE fingerprint = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var r models.ForecastResult
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("decode forecast %s: %w", key, err)
	}
	return &r, nil
}

// PutForecast stores r under a memo fingerprint, replacing any previous entry.
func (s *Store) PutForecast(key string, r *models.ForecastResult) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode forecast: %w", err)
	}

	return retry(func() error {
		_, err := s.db.Exec(`
			INSERT INTO forecast_cache (fingerprint, city, metric, horizon, model, result_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(fingerprint) DO UPDATE SET
				result_json = excluded.result_json,
				created_at = excluded.created_at
		`, key, r.City, string(r.Metric), r.Horizon, r.Model, string(raw), s.now().UTC())
		return err
	})
}

// ClearForecasts deletes every stored forecast and returns how many there were.
func (s *Store) ClearForecasts() (int64, error) {
	var n int64
	err := retry(func() error {
		result, err := s.db.Exec(`DELETE FROM forecast_cache`)
		if err != nil {
			return err
		}
		n, err = result.RowsAffected()
		return err
	})
	return n, err
}

func (s *Store) CountForecasts() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM forecast_cache`).Scan(&n)
	return n, err
}
