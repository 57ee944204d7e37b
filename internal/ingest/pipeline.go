// Package ingest turns activity reports into persisted activities and alerts.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"aegisflux/backend/fleetwatch/internal/detect"
	"aegisflux/backend/fleetwatch/internal/events"
	"aegisflux/backend/fleetwatch/internal/metrics"
	"aegisflux/backend/fleetwatch/internal/model"
	"aegisflux/backend/fleetwatch/internal/registry"
	"aegisflux/backend/fleetwatch/internal/store"
)

// Validator rejects malformed reports
type Validator interface {
	ValidateReport(r *model.ActivityReport) error
}

// PolicySource provides the policy snapshot used for one report
type PolicySource interface {
	Snapshot() *model.Policy
}

// Pipeline runs validate, persist, register, detect and alert for each report.
// It never creates commands.
type Pipeline struct {
	validator    Validator
	store        store.Store
	registry     *registry.Registry
	policies     PolicySource
	emitter      *events.Emitter
	metrics      *metrics.Metrics
	logger       *slog.Logger
	storeTimeout time.Duration
	now          func() time.Time
}

// NewPipeline creates an ingestion pipeline
func NewPipeline(v Validator, st store.Store, reg *registry.Registry, policies PolicySource,
	em *events.Emitter, m *metrics.Metrics, storeTimeout time.Duration, logger *slog.Logger) *Pipeline {
	if storeTimeout <= 0 {
		storeTimeout = 5 * time.Second
	}
	return &Pipeline{
		validator:    v,
		store:        st,
		registry:     reg,
		policies:     policies,
		emitter:      em,
		metrics:      m,
		logger:       logger,
		storeTimeout: storeTimeout,
		now:          time.Now,
	}
}

// Ingest processes one report. ReceivedAt is always set by the server.
func (p *Pipeline) Ingest(ctx context.Context, r *model.ActivityReport) (*model.IngestResult, error) {
	start := p.now()
	defer func() { p.metrics.IngestDuration.Observe(time.Since(start).Seconds()) }()

	var report model.ActivityReport
	if r != nil {
		report = *r
		// one canonical id for the registry, the command queue and polling
		report.EndpointID = strings.TrimSpace(report.EndpointID)
		r = &report
	}
	if err := p.validator.ValidateReport(r); err != nil {
		p.metrics.ReportsInvalidTotal.Inc()
		return nil, err
	}
	report.ReceivedAt = start.UTC()

	// the whole store sequence shares one budget
	ctx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()

	activity := &model.Activity{ID: uuid.NewString(), Report: report}
	if err := p.store.InsertActivity(ctx, activity); err != nil {
		return nil, fmt.Errorf("persist activity: %w", err)
	}

	if _, err := p.registry.Touch(ctx, report.EndpointID, activity.ID, report.ReceivedAt); err != nil {
		return nil, err
	}

	policy := p.policies.Snapshot()
	findings := detect.Detect(&report, policy, activity.ID)

	result := &model.IngestResult{ActivityID: activity.ID, AlertsCreated: make([]string, 0, len(findings))}
	var created []*model.Alert
	for _, f := range findings {
		p.metrics.FindingsTotal.WithLabelValues(string(f.Kind)).Inc()

		alert := &model.Alert{
			ID:             uuid.NewString(),
			EndpointID:     report.EndpointID,
			Kind:           f.Kind,
			Reason:         f.Detail,
			Severity:       f.Severity,
			Status:         model.AlertActive,
			CreatedAt:      p.now().UTC(),
			SourceReportID: activity.ID,
		}
		if err := p.store.InsertAlert(ctx, alert); err != nil {
			return nil, fmt.Errorf("persist alert: %w", err)
		}
		p.metrics.AlertsCreated.WithLabelValues(string(alert.Severity)).Inc()
		result.AlertsCreated = append(result.AlertsCreated, alert.ID)
		created = append(created, alert)
	}

	p.metrics.ReportsTotal.Inc()
	for _, a := range created {
		p.emitter.AlertCreated(a)
	}

	if len(created) > 0 {
		p.logger.Info("report raised alerts",
			"endpoint_id", report.EndpointID,
			"activity_id", activity.ID,
			"alerts", len(created),
			"policy_version", policy.Version)
	} else {
		p.logger.Debug("report ingested", "endpoint_id", report.EndpointID, "activity_id", activity.ID)
	}
	return result, nil
}
