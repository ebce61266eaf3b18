package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Tyrowin/relay/internal/protocol"
)

const tracerName = "github.com/Tyrowin/relay/internal/server"

// Report summarizes one broadcast.
type Report struct {
	Targets   int
	Delivered int
	Failed    []Connection
}

// Engine delivers envelopes to every member of a Registry.
type Engine struct {
	registry *Registry
	logger   *slog.Logger
	metrics  *Metrics
	tracer   trace.Tracer
}

// NewEngine creates an Engine over registry. logger and metrics may be nil.
func NewEngine(registry *Registry, logger *slog.Logger, metrics *Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		registry: registry,
		logger:   logger,
		metrics:  metrics,
		tracer:   otel.Tracer(tracerName),
	}
}

// Broadcast encodes env once and sends the same frame to every registered
// connection except exclude, all attempts running concurrently. A failed
// attempt removes that connection from the registry and closes it; it never
// stops delivery to the others.
func (e *Engine) Broadcast(ctx context.Context, env protocol.Envelope, exclude Connection) (Report, error) {
	_, span := e.tracer.Start(ctx, "relay.broadcast",
		trace.WithAttributes(attribute.String("relay.type", string(env.Kind))))
	defer span.End()

	start := time.Now()

	targets := lo.Filter(e.registry.Snapshot(), func(conn Connection, _ int) bool {
		return exclude == nil || conn != exclude
	})

	frame, err := protocol.Encode(env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode failed")
		return Report{}, err
	}

	e.logger.Debug("broadcasting message", "type", env.Kind, "targets", len(targets))

	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, conn := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = conn.Send(frame)
		}()
	}
	wg.Wait()

	report := Report{Targets: len(targets)}
	for i, conn := range targets {
		if errs[i] == nil {
			report.Delivered++
			continue
		}
		report.Failed = append(report.Failed, conn)
		e.evict(conn, errs[i])
	}

	if len(report.Failed) > 0 {
		e.metrics.setActive(e.registry.Len())
	}
	e.metrics.broadcastDone(string(env.Kind), time.Since(start).Seconds(), report.Delivered)

	span.SetAttributes(
		attribute.Int("relay.targets", report.Targets),
		attribute.Int("relay.failed", len(report.Failed)),
	)

	return report, nil
}

// evict removes conn before releasing its transport. The close runs in the
// background so a slow peer cannot stall the caller.
func (e *Engine) evict(conn Connection, cause error) {
	e.metrics.deliveryFailed(cause)

	if !e.registry.Remove(conn) {
		return
	}
	e.logger.Warn("client removed after failed delivery",
		"conn_id", conn.ID(), "remote", conn.RemoteAddr(), "error", cause)

	go func() {
		if err := conn.Close(); err != nil && !isExpectedCloseError(err) {
			e.logger.Debug("error closing evicted connection", "conn_id", conn.ID(), "error", err)
		}
	}()
}
