// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package usage persists settled request costs.
//
// # Description
//
// The rate limiter and cost throttler answer "may this request run";
// this package answers "what did yesterday cost". Settled entries go
// two places: an InfluxDB measurement for dashboards, and an in-memory
// day ledger that can be archived to GCS as JSON. Both sinks are
// optional; an unconfigured service degrades to the ledger alone, and
// a nil *Service is safe to call.
package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"google.golang.org/api/option"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// measurement is the InfluxDB measurement name for settled costs.
	measurement = "gate_cost"

	// archivePrefix is the GCS object prefix for day ledgers.
	archivePrefix = "ledgers/"

	// ledgerRetainDays bounds the in-memory ledger. Days older than
	// this are dropped on the next Record; Archive is expected to run
	// daily, so two days of slack is plenty.
	ledgerRetainDays = 3
)

// =============================================================================
// Types
// =============================================================================

// Entry is one settled request cost.
type Entry struct {
	RequestID        string    `json:"request_id"`
	StableID         string    `json:"stable_id"`
	Model            string    `json:"model"`
	Scope            string    `json:"scope"`
	USD              float64   `json:"usd"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	At               time.Time `json:"at"`
}

// Recorder accepts settled entries. Record must not block the request
// path.
type Recorder interface {
	Record(ctx context.Context, e Entry)
}

// Config configures the usage service. Every field is optional.
type Config struct {
	// InfluxURL, InfluxToken, InfluxOrg, InfluxBucket locate the cost
	// measurement. All four must be set for the Influx sink to engage.
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	// GCSBucket receives archived day ledgers. Empty disables Archive.
	GCSBucket string

	// GCSKeyPath is a service-account key file. Empty uses ambient
	// credentials.
	GCSKeyPath string
}

// Service implements Recorder and the day-ledger archiver.
//
// # Thread Safety
//
// Safe for concurrent use.
type Service struct {
	writeAPI api.WriteAPI
	client   influxdb2.Client
	gcs      *storage.Client
	bucket   string

	mu     sync.Mutex
	ledger map[string][]Entry // keyed by YYYY-MM-DD

	recorded metric.Int64Counter
	spendUSD metric.Float64Counter

	now func() time.Time
}

var _ Recorder = (*Service)(nil)

// =============================================================================
// Construction
// =============================================================================

// New creates the usage service. Missing sink configuration is not an
// error; the corresponding operation becomes a no-op.
func New(ctx context.Context, cfg Config) (*Service, error) {
	s := &Service{
		ledger: make(map[string][]Entry),
		now:    time.Now,
	}

	meter := otel.Meter("aleutian.gateway.usage")
	s.recorded, _ = meter.Int64Counter("gate_usage_entries_total",
		metric.WithDescription("Settled cost entries recorded"))
	s.spendUSD, _ = meter.Float64Counter("gate_usage_spend_usd_total",
		metric.WithDescription("Settled spend in USD"))

	if cfg.InfluxURL != "" && cfg.InfluxToken != "" && cfg.InfluxOrg != "" && cfg.InfluxBucket != "" {
		s.client = influxdb2.NewClient(cfg.InfluxURL, cfg.InfluxToken)
		// The non-blocking WriteAPI batches in the background; errors
		// surface on its error channel, not on the request path.
		s.writeAPI = s.client.WriteAPI(cfg.InfluxOrg, cfg.InfluxBucket)
	}

	if cfg.GCSBucket != "" {
		var opts []option.ClientOption
		if cfg.GCSKeyPath != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.GCSKeyPath))
		}
		gcs, err := storage.NewClient(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("creating GCS client: %w", err)
		}
		s.gcs = gcs
		s.bucket = cfg.GCSBucket
	}

	return s, nil
}

// =============================================================================
// Recording
// =============================================================================

// Record appends the entry to the day ledger and, when Influx is
// configured, emits a gate_cost point. Never blocks on I/O.
func (s *Service) Record(ctx context.Context, e Entry) {
	if s == nil {
		return
	}
	if e.At.IsZero() {
		e.At = s.now()
	}

	if s.writeAPI != nil {
		point := influxdb2.NewPoint(measurement,
			map[string]string{
				"model": e.Model,
				"scope": e.Scope,
			},
			map[string]interface{}{
				"usd":               e.USD,
				"prompt_tokens":     e.PromptTokens,
				"completion_tokens": e.CompletionTokens,
			},
			e.At)
		s.writeAPI.WritePoint(point)
	}

	if s.recorded != nil {
		attrs := metric.WithAttributes(
			attribute.String("model", e.Model),
			attribute.String("scope", e.Scope),
		)
		s.recorded.Add(ctx, 1, attrs)
		s.spendUSD.Add(ctx, e.USD, attrs)
	}

	day := dayKey(e.At)
	s.mu.Lock()
	s.ledger[day] = append(s.ledger[day], e)
	s.prune(e.At)
	s.mu.Unlock()
}

// prune drops ledger days past retention. Caller holds mu.
func (s *Service) prune(now time.Time) {
	floor := dayKey(now.AddDate(0, 0, -ledgerRetainDays))
	for day := range s.ledger {
		if day < floor {
			delete(s.ledger, day)
		}
	}
}

// =============================================================================
// Archiving
// =============================================================================

// dayLedger is the archived JSON shape.
type dayLedger struct {
	Day      string  `json:"day"`
	Entries  []Entry `json:"entries"`
	TotalUSD float64 `json:"total_usd"`
}

// Archive writes the day's ledger to gs://{bucket}/ledgers/{day}.json
// and drops it from memory. A day with no entries archives an empty
// ledger so downstream jobs see a complete series.
func (s *Service) Archive(ctx context.Context, day time.Time) error {
	if s == nil || s.gcs == nil {
		return nil
	}

	key := dayKey(day)
	payload, err := s.ledgerPayload(key)
	if err != nil {
		return err
	}

	obj := s.gcs.Bucket(s.bucket).Object(archivePrefix + key + ".json")
	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(payload); err != nil {
		w.Close()
		return fmt.Errorf("writing ledger %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing ledger %s: %w", key, err)
	}

	s.mu.Lock()
	delete(s.ledger, key)
	s.mu.Unlock()
	return nil
}

// ledgerPayload marshals one day's entries, oldest first.
func (s *Service) ledgerPayload(day string) ([]byte, error) {
	s.mu.Lock()
	entries := make([]Entry, len(s.ledger[day]))
	copy(entries, s.ledger[day])
	s.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].At.Before(entries[j].At) })

	total := 0.0
	for _, e := range entries {
		total += e.USD
	}

	payload, err := json.Marshal(dayLedger{Day: day, Entries: entries, TotalUSD: total})
	if err != nil {
		return nil, fmt.Errorf("marshaling ledger %s: %w", day, err)
	}
	return payload, nil
}

// =============================================================================
// Lifecycle
// =============================================================================

// Close flushes buffered points and releases clients.
func (s *Service) Close() {
	if s == nil {
		return
	}
	if s.writeAPI != nil {
		s.writeAPI.Flush()
	}
	if s.client != nil {
		s.client.Close()
	}
	if s.gcs != nil {
		s.gcs.Close()
	}
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// =============================================================================
// Nop
// =============================================================================

// Nop is a Recorder that discards entries.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(context.Context, Entry) {}
