package influx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/couchcryptid/hass-ingest-service/internal/config"
	"github.com/couchcryptid/hass-ingest-service/internal/domain"
	"github.com/couchcryptid/hass-ingest-service/internal/storage"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	ihttp "github.com/influxdata/influxdb-client-go/v2/api/http"
)

// Store writes points to an InfluxDB v2 bucket.
// It implements storage.PointWriter.
type Store struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
	logger *slog.Logger
}

// NewStore creates a blocking writer for the configured org and bucket.
func NewStore(cfg *config.Config, logger *slog.Logger) *Store {
	client := influxdb2.NewClientWithOptions(cfg.InfluxURL, cfg.InfluxToken,
		influxdb2.DefaultOptions().SetHTTPRequestTimeout(uint(cfg.StorageWriteTimeout.Seconds())+1))
	return &Store{
		client: client,
		write:  client.WriteAPIBlocking(cfg.InfluxOrg, cfg.InfluxBucket),
		logger: logger,
	}
}

// WritePoint writes a single point. Type conflicts come back as
// *storage.FieldConflictError and other client errors wrap
// storage.ErrPointRejected.
func (s *Store) WritePoint(ctx context.Context, p storage.Point) error {
	pt := influxdb2.NewPoint(p.Measurement, p.Tags, p.Fields, p.Time)
	if err := s.write.WritePoint(ctx, pt); err != nil {
		return classify(p.Measurement, err)
	}
	return nil
}

// CheckReadiness pings the server.
func (s *Store) CheckReadiness(ctx context.Context) error {
	ok, err := s.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("ping influxdb: %w", err)
	}
	if !ok {
		return errors.New("influxdb is not ready")
	}
	return nil
}

func (s *Store) Close() {
	s.client.Close()
}

// InfluxDB reports a conflicting field as:
// field type conflict: input field "state" on measurement "°C" is type string, already exists as type float
var conflictRe = regexp.MustCompile(`input field "([^"]+)" on measurement "([^"]+)" is type \w+, already exists as type (\w+)`)

func classify(measurement string, err error) error {
	if m := conflictRe.FindStringSubmatch(err.Error()); m != nil {
		return &storage.FieldConflictError{
			Measurement: m[2],
			Field:       m[1],
			Existing:    kindOf(m[3]),
		}
	}

	var herr *ihttp.Error
	if errors.As(err, &herr) && herr.StatusCode >= 400 && herr.StatusCode < 500 &&
		herr.StatusCode != http.StatusTooManyRequests && herr.StatusCode != http.StatusRequestTimeout &&
		herr.StatusCode != http.StatusUnauthorized {
		return fmt.Errorf("%w: measurement %s: status %d: %s", storage.ErrPointRejected, measurement, herr.StatusCode, herr.Message)
	}
	return fmt.Errorf("influxdb write: %w", err)
}

// kindOf maps InfluxDB field types onto value kinds.
func kindOf(influxType string) domain.Kind {
	switch influxType {
	case "string":
		return domain.KindString
	case "boolean":
		return domain.KindBool
	default:
		return domain.KindNumber
	}
}
