package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"metrics-pipeline/internal/storage"
)

// ExportOptions selects the series and output targets.
type ExportOptions struct {
	Feed      string
	Asset     string
	Metric    string
	From      *time.Time
	To        *time.Time
	CSVPath   string
	PNGPath   string
	MaxPoints int
}

// Export renders one stored metric series as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	fc, ok := a.Config.Feed(opts.Feed)
	if !ok {
		return fmt.Errorf("unknown feed %q", opts.Feed)
	}
	granularity, err := storage.ParseGranularity(fc.Granularity)
	if err != nil {
		return err
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
	from := to.Add(-time.Duration(opts.MaxPoints) * granularity.Period())
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	obs, err := store.Series(ctx, opts.Feed, opts.Asset, opts.Metric, from, to)
	if err != nil {
		return err
	}
	if len(obs) == 0 {
		a.Logger.Info().Msg("no observations found for export window")
		return nil
	}

	downsampled := downsampleObservations(obs, opts.MaxPoints)
	a.Logger.Info().Int("total", len(obs)).Int("exported", len(downsampled)).Msg("exporting observations")

	if opts.CSVPath != "" {
		if err := writeObservationsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		title := fmt.Sprintf("%s %s (%s)", opts.Asset, opts.Metric, opts.Feed)
		if err := writeObservationsPNG(opts.PNGPath, title, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleObservations(obs []storage.Observation, max int) []storage.Observation {
	if max <= 0 || len(obs) <= max {
		return obs
	}

	result := make([]storage.Observation, 0, max)
	step := float64(len(obs)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(obs) {
			idx = len(obs) - 1
		}
		result = append(result, obs[idx])
	}
	return result
}

func writeObservationsCSV(path string, obs []storage.Observation) error {
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

	header := []string{"pulled_at", "source", "asset", "metric_name", "value", "exchange", "domain"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, o := range obs {
		record := []string{
			o.Timestamp.UTC().Format(time.RFC3339),
			o.Feed,
			o.Asset,
			o.MetricName,
			strconv.FormatFloat(o.Value, 'f', -1, 64),
			o.Exchange,
			o.Domain,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeObservationsPNG(path, title string, obs []storage.Observation) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(obs))
	values := make([]float64, len(obs))
	for i, o := range obs {
		x[i] = o.Timestamp
		values[i] = o.Value
	}

	graph := chart.Chart{
		Title:  title,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.4f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    title,
				XValues: x,
				YValues: values,
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
