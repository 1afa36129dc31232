// Package signals loads the desired-position list produced by the upstream
// ingestion pipeline. Files are JSON or Parquet, selected by extension.
package signals

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/parquet-go/parquet-go"

	"rebalancer/internal/domain"
)

// Record is the Parquet schema for signal files.
type Record struct {
	Symbol string  `parquet:"symbol"`
	Action string  `parquet:"action"`
	Shares int64   `parquet:"shares"`
	Price  float64 `parquet:"price"`
}

// Load reads signals from the file at path. ".parquet" files use the Parquet
// schema above; anything else is parsed as a JSON array of signals.
func Load(path string) ([]domain.Signal, error) {
	var out []domain.Signal
	var err error

	switch strings.ToLower(filepath.Ext(path)) {
	case ".parquet":
		out, err = loadParquet(path)
	default:
		out, err = loadJSON(path)
	}
	if err != nil {
		return nil, err
	}

	if err := validate(out); err != nil {
		return nil, err
	}
	return out, nil
}

func loadParquet(path string) ([]domain.Signal, error) {
	records, err := parquet.ReadFile[Record](path)
	if err != nil {
		return nil, fmt.Errorf("reading signal file %s: %w", path, err)
	}

	out := make([]domain.Signal, 0, len(records))
	for _, r := range records {
		out = append(out, domain.Signal{
			Symbol: r.Symbol,
			Action: normalizeAction(r.Action),
			Shares: r.Shares,
			Price:  r.Price,
		})
	}
	return out, nil
}

func loadJSON(path string) ([]domain.Signal, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading signal file %s: %w", path, err)
	}

	var raw []struct {
		Symbol string  `json:"symbol"`
		Action string  `json:"action"`
		Shares int64   `json:"shares"`
		Price  float64 `json:"price"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing signal file %s: %w", path, err)
	}

	out := make([]domain.Signal, 0, len(raw))
	for _, r := range raw {
		out = append(out, domain.Signal{
			Symbol: r.Symbol,
			Action: normalizeAction(r.Action),
			Shares: r.Shares,
			Price:  r.Price,
		})
	}
	return out, nil
}

// normalizeAction maps the upstream pipeline's action labels onto sides.
// "BUY"/"ENTER" mean entry, "SELL"/"EXIT" mean exit.
func normalizeAction(action string) domain.Side {
	switch strings.ToUpper(strings.TrimSpace(action)) {
	case "BUY", "ENTER":
		return domain.SideBuy
	case "SELL", "EXIT":
		return domain.SideSell
	}
	return domain.Side(strings.ToLower(action))
}

func validate(signals []domain.Signal) error {
	for i, s := range signals {
		if s.Symbol == "" {
			return fmt.Errorf("signal %d: missing symbol", i)
		}
		if s.Action != domain.SideBuy && s.Action != domain.SideSell {
			return fmt.Errorf("signal %d (%s): unknown action %q", i, s.Symbol, s.Action)
		}
	}
	return nil
}
