package harvest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/slurmbridge/slurmbridge/pkg/model"
)

// InfluxConfig carries the time-series store connection parameters.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// InfluxSource implements Source against an InfluxDB 2.x bucket.
type InfluxSource struct {
	client influxdb2.Client
	query  api.QueryAPI
	bucket string
}

func NewInfluxSource(cfg InfluxConfig) (*InfluxSource, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("influx url is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("influx bucket is required")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxSource{
		client: client,
		query:  client.QueryAPI(cfg.Org),
		bucket: cfg.Bucket,
	}, nil
}

// Close releases the underlying HTTP client.
func (s *InfluxSource) Close() {
	s.client.Close()
}

func (s *InfluxSource) Query(ctx context.Context, window time.Duration) ([]model.MetricPoint, error) {
	flux := fmt.Sprintf(`from(bucket: %q)
  |> range(start: -%s)
  |> filter(fn: (r) => exists r._value)`, s.bucket, window.String())

	result, err := s.query.Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("flux query: %w", err)
	}

	var points []model.MetricPoint
	for result.Next() {
		rec := result.Record()

		value, ok := rec.Value().(float64)
		if !ok {
			// Non-numeric fields are not harvestable; skip quietly.
			continue
		}

		tags := make(map[string]string)
		for k, v := range rec.Values() {
			if strings.HasPrefix(k, "_") || k == "result" || k == "table" {
				continue
			}
			if sv, ok := v.(string); ok {
				tags[k] = sv
			}
		}

		points = append(points, model.MetricPoint{
			Measurement: rec.Measurement(),
			Field:       rec.Field(),
			Value:       value,
			Timestamp:   rec.Time().Unix(),
			Tags:        tags,
		})
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("read flux result: %w", err)
	}

	return points, nil
}
