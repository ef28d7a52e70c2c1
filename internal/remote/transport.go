// Package remote delivers queued events to the configured HTTP endpoint.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/banshee-data/locus/internal/config"
	"github.com/banshee-data/locus/internal/httputil"
	"github.com/banshee-data/locus/internal/outbox"
)

// ErrNoEndpoint is returned when http_url is not configured.
var ErrNoEndpoint = errors.New("no http_url configured")

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 1 << 20

// StatusError reports a non-2xx answer from the endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("endpoint returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("endpoint returned status %d: %s", e.StatusCode, e.Body)
}

type request struct {
	Events []outbox.Delivery `json:"events"`
}

type response struct {
	Results []outbox.Ack `json:"results"`
}

// Transport POSTs batches as {"events": [...]} to http_url with the
// configured headers. A 2xx answer with an empty body (or no "results")
// acknowledges the whole batch; a "results" list acknowledges entries
// individually.
type Transport struct {
	client httputil.HTTPClient
	cfg    config.Source
	tracer trace.Tracer
}

// NewTransport returns a Transport using client. A nil client gets a
// StandardClient with no overall timeout; callers bound requests through
// the context.
func NewTransport(client httputil.HTTPClient, cfg config.Source) *Transport {
	if client == nil {
		client = httputil.NewStandardClient(0)
	}
	return &Transport{
		client: client,
		cfg:    cfg,
		tracer: otel.Tracer("github.com/banshee-data/locus/internal/remote"),
	}
}

// Send implements outbox.Transport.
func (t *Transport) Send(ctx context.Context, batch []outbox.Delivery) ([]outbox.Ack, error) {
	cfg := t.cfg.Current()
	if !cfg.HasEndpoint() {
		return nil, ErrNoEndpoint
	}

	ctx, span := t.tracer.Start(ctx, "remote.Send", trace.WithAttributes(
		attribute.Int("locus.batch_size", len(batch)),
	))
	defer span.End()

	acks, err := t.send(ctx, cfg, batch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery failed")
		return nil, err
	}
	span.SetStatus(codes.Ok, "delivered")
	return acks, nil
}

func (t *Transport) send(ctx context.Context, cfg *config.Config, batch []outbox.Delivery) ([]outbox.Ack, error) {
	body, err := json.Marshal(request{Events: batch})
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.GetHTTPURL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.GetHTTPHeaders() {
		req.Header.Set(k, v)
	}
	if len(batch) == 1 {
		req.Header.Set("Idempotency-Key", batch[0].IdempotencyKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %d events: %w", len(batch), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(raw))}
	}

	var parsed response
	if len(bytes.TrimSpace(raw)) > 0 {
		// Bodies that are not an ack document count as a plain success.
		if err := json.Unmarshal(raw, &parsed); err != nil {
			parsed.Results = nil
		}
	}
	if parsed.Results != nil {
		return parsed.Results, nil
	}

	acks := make([]outbox.Ack, len(batch))
	for i, d := range batch {
		acks[i] = outbox.Ack{ID: d.ID, IdempotencyKey: d.IdempotencyKey, OK: true}
	}
	return acks, nil
}

var _ outbox.Transport = (*Transport)(nil)
