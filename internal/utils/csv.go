package utils

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"marginBot/internal/domain"
)

// WriteKlinesToCSV writes klines in the format ReadKlinesFromCSV expects.
func WriteKlinesToCSV(klines []*domain.Kline, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	writer.Write([]string{"open_time", "close_time", "symbol", "interval", "open", "high", "low", "close", "volume"})

	for _, k := range klines {
		writer.Write([]string{
			k.OpenTime.Format(time.RFC3339),
			k.CloseTime.Format(time.RFC3339),
			k.Symbol,
			k.Interval,
			strconv.FormatFloat(k.Open, 'f', -1, 64),
			strconv.FormatFloat(k.High, 'f', -1, 64),
			strconv.FormatFloat(k.Low, 'f', -1, 64),
			strconv.FormatFloat(k.Close, 'f', -1, 64),
			strconv.FormatFloat(k.Volume, 'f', -1, 64),
		})
	}
	return writer.Error()
}

// ReadKlinesFromCSV loads klines written by WriteKlinesToCSV (or by the
// fetch tooling). All klines are marked final: the replay runner only
// evaluates closed bars.
func ReadKlinesFromCSV(filename string) ([]*domain.Kline, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filename, err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("%s contains no kline rows", filename)
	}

	klines := make([]*domain.Kline, 0, len(records)-1)
	for i, rec := range records[1:] { // skip header
		if len(rec) != 9 {
			return nil, fmt.Errorf("%s row %d: expected 9 columns, got %d", filename, i+2, len(rec))
		}
		openTime, err := time.Parse(time.RFC3339, rec[0])
		if err != nil {
			return nil, fmt.Errorf("%s row %d: invalid open_time: %w", filename, i+2, err)
		}
		closeTime, err := time.Parse(time.RFC3339, rec[1])
		if err != nil {
			return nil, fmt.Errorf("%s row %d: invalid close_time: %w", filename, i+2, err)
		}
		k := &domain.Kline{
			OpenTime:  openTime,
			CloseTime: closeTime,
			Symbol:    rec[2],
			Interval:  rec[3],
			IsFinal:   true,
		}
		for j, dst := range []*float64{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume} {
			v, err := strconv.ParseFloat(rec[4+j], 64)
			if err != nil {
				return nil, fmt.Errorf("%s row %d: invalid numeric column %d: %w", filename, i+2, 4+j, err)
			}
			*dst = v
		}
		klines = append(klines, k)
	}
	return klines, nil
}
