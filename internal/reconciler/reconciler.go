// Package reconciler runs the periodic sweeps that converge stored
// subscription state with provider truth and internal deadlines. All
// corrections flow through the ingestion pipeline as synthetic events, so
// the ledger, the state machine and the entitlement projection see exactly
// the same rules a webhook would.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/finchbill/entitled/internal/clock"
	"github.com/finchbill/entitled/internal/config"
	eventdomain "github.com/finchbill/entitled/internal/event/domain"
	obsmetrics "github.com/finchbill/entitled/internal/observability/metrics"
	"github.com/finchbill/entitled/internal/pipeline"
	providers "github.com/finchbill/entitled/internal/providers/payment"
	providerdomain "github.com/finchbill/entitled/internal/providers/payment/domain"
	subscriptiondomain "github.com/finchbill/entitled/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrInvalidConfig is returned when required dependencies are missing.
var ErrInvalidConfig = errors.New("reconciler: invalid configuration")

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	Policy        *config.PolicyHolder
	Subscriptions subscriptiondomain.Repository
	Pipeline      *pipeline.Service
	Providers     *providers.Registry
	Metrics       *obsmetrics.Metrics `optional:"true"`
	Config        Config              `optional:"true"`
}

type Reconciler struct {
	db            *gorm.DB
	log           *zap.Logger
	cfg           Config
	clock         clock.Clock
	policy        *config.PolicyHolder
	subscriptions subscriptiondomain.Repository
	pipeline      *pipeline.Service
	providers     *providers.Registry
	metrics       *obsmetrics.Metrics

	// providerFailures counts consecutive sweeps in which a provider could
	// not be queried. Sweeps run on a single goroutine, so no lock.
	providerFailures map[string]int
}

func New(p Params) (*Reconciler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.Policy == nil ||
		p.Subscriptions == nil || p.Pipeline == nil || p.Providers == nil {
		return nil, ErrInvalidConfig
	}
	return &Reconciler{
		db:            p.DB,
		log:           p.Log.Named("reconciler").With(zap.String("component", "reconciler")),
		cfg:           p.Config.withDefaults(),
		clock:         p.Clock,
		policy:        p.Policy,
		subscriptions: p.Subscriptions,
		pipeline:      p.Pipeline,
		providers:     p.Providers,
		metrics:       p.Metrics,

		providerFailures: make(map[string]int),
	}, nil
}

func (r *Reconciler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	start := r.clock.Now()
	ctx, cancel := context.WithTimeout(parent, r.cfg.JobTimeout)
	defer cancel()

	reconMetrics := obsmetrics.Reconciler()
	reconMetrics.IncJobRun(name)

	err := fn(ctx)
	reconMetrics.ObserveJobDuration(name, time.Since(start))
	if err == nil {
		return nil
	}

	// Deadline is a soft timeout: remaining records wait for the next tick.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		reconMetrics.IncJobTimeout(name)
	}
	reconMetrics.IncJobError(name, err)
	if isTimeout {
		r.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", r.cfg.JobTimeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce executes every enabled sweep a single time.
func (r *Reconciler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{"stale_sweep", r.StaleSweepJob},
		{"grace_expiry", r.GraceExpiryJob},
		{"cancel_finalize", r.CancelFinalizeJob},
		{"provisional_expiry", r.ProvisionalExpiryJob},
	}

	for _, job := range jobs {
		if !r.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, r.runJob(parent, job.Name, job.Run))
	}
	return err
}

// RunForever runs sweeps on the configured interval until ctx is done.
func (r *Reconciler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.RunInterval)
	defer ticker.Stop()
	reconMetrics := obsmetrics.Reconciler()
	nextRun := r.clock.Now()

	for {
		if lag := r.clock.Now().Sub(nextRun); lag > 0 {
			reconMetrics.ObserveRunLoopLag(lag)
		}
		if err := r.RunOnce(ctx); err != nil {
			r.log.Warn("reconciler run failed", zap.Error(err))
		}
		nextRun = r.clock.Now().Add(r.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Reconciler) isJobEnabled(jobName string) bool {
	// Empty EnabledJobs enables everything (monolith mode).
	if len(r.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range r.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// StaleSweepJob re-queries the provider for granting records whose period end
// passed the per-provider slack window and synthesizes whatever the provider
// reports. A provider that cannot be reached changes nothing: a missed answer
// is unknown state, not a revocation.
func (r *Reconciler) StaleSweepJob(ctx context.Context) error {
	now := r.clock.Now()
	policy := r.policy.Get()
	var jobErr error

	for _, provider := range r.providers.Providers() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		cutoff := now.Add(-policy.SlackFor(provider))
		records, err := r.subscriptions.ListStale(ctx, r.db, provider, cutoff, r.cfg.BatchSize)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			continue
		}

		querier := r.providers.Lookup(provider)
		processed := 0
		unavailable, reached := false, false
		for i := range records {
			record := &records[i]
			if ctx.Err() != nil {
				return errors.Join(jobErr, ctx.Err())
			}
			if err := r.reconcileRecord(ctx, querier, record); err != nil {
				if errors.Is(err, providerdomain.ErrProviderUnavailable) {
					unavailable = true
					r.metrics.RecordProviderQueryFailure(ctx, provider)
					obsmetrics.Reconciler().IncBatchDeferred("stale_sweep", obsmetrics.ReconcilerJobReasonProviderQuery)
					r.log.Warn("provider query failed, leaving record untouched",
						zap.String("provider", provider),
						zap.String("subscription_ref", record.SubscriptionRef),
						zap.Error(err),
					)
					continue
				}
				jobErr = errors.Join(jobErr, err)
				continue
			}
			reached = true
			processed++
		}
		obsmetrics.Reconciler().AddBatchProcessed("stale_sweep", "subscription_records", processed)

		switch {
		case unavailable:
			r.noteProviderFailure(provider)
		case reached:
			delete(r.providerFailures, provider)
		}
	}
	return jobErr
}

// noteProviderFailure bumps the consecutive-failure count for a provider and
// raises an alert once the configured threshold is hit. The count only resets
// when a later sweep actually reaches the provider again.
func (r *Reconciler) noteProviderFailure(provider string) {
	r.providerFailures[provider]++
	if n := r.providerFailures[provider]; n >= r.cfg.ProviderAlertThreshold {
		obsmetrics.Reconciler().IncProviderAlert(provider)
		r.log.Error("provider unreachable across consecutive sweeps",
			zap.String("provider", provider),
			zap.Int("consecutive_sweeps", n),
		)
	}
}

func (r *Reconciler) reconcileRecord(ctx context.Context, querier providerdomain.StatusQuerier, record *subscriptiondomain.SubscriptionRecord) error {
	if querier == nil {
		return fmt.Errorf("%w: no status querier for %s", providerdomain.ErrProviderUnavailable, record.Provider)
	}

	remote, err := querier.GetSubscriptionStatus(ctx, record.SubscriptionRef)
	if err != nil {
		if errors.Is(err, providerdomain.ErrSubscriptionNotFound) {
			// The provider has no record. Expire at the stored period end
			// rather than revoking retroactively.
			return r.synthesize(ctx, "stale_sweep", record, eventdomain.KindExpired, anchorTime(record.PeriodEnd, r.clock.Now()), record.Tier, record.PeriodEnd, nil)
		}
		return err
	}

	kind, ok := remote.State.EventKind()
	if !ok {
		r.log.Warn("unrecognized remote state, skipping",
			zap.String("provider", record.Provider),
			zap.String("subscription_ref", record.SubscriptionRef),
			zap.String("remote_state", string(remote.State)),
		)
		return nil
	}

	tier := remote.Tier
	if tier == "" {
		tier = record.Tier
	}
	return r.synthesize(ctx, "stale_sweep", record, kind, remote.AsOf, tier, remote.PeriodEnd, remote.GraceUntil)
}

// GraceExpiryJob expires records whose grace window lapsed without a renewal.
func (r *Reconciler) GraceExpiryJob(ctx context.Context) error {
	now := r.clock.Now()
	records, err := r.subscriptions.ListGraceExpired(ctx, r.db, now, r.cfg.BatchSize)
	if err != nil {
		return err
	}

	var jobErr error
	processed := 0
	for i := range records {
		record := &records[i]
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		anchor := anchorTime(record.GraceUntil, now)
		if err := r.synthesize(ctx, "grace_expiry", record, eventdomain.KindExpired, anchor, record.Tier, record.PeriodEnd, nil); err != nil {
			jobErr = errors.Join(jobErr, err)
			continue
		}
		processed++
	}
	obsmetrics.Reconciler().AddBatchProcessed("grace_expiry", "subscription_records", processed)
	return jobErr
}

// CancelFinalizeJob turns CancelPending into Cancelled once the paid period
// runs out. Access is preserved until then.
func (r *Reconciler) CancelFinalizeJob(ctx context.Context) error {
	now := r.clock.Now()
	records, err := r.subscriptions.ListCancelDue(ctx, r.db, now, r.cfg.BatchSize)
	if err != nil {
		return err
	}

	var jobErr error
	processed := 0
	for i := range records {
		record := &records[i]
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		anchor := anchorTime(record.PeriodEnd, now)
		if err := r.synthesize(ctx, "cancel_finalize", record, eventdomain.KindCancelled, anchor, record.Tier, record.PeriodEnd, nil); err != nil {
			jobErr = errors.Join(jobErr, err)
			continue
		}
		processed++
	}
	obsmetrics.Reconciler().AddBatchProcessed("cancel_finalize", "subscription_records", processed)
	return jobErr
}

// ProvisionalExpiryJob finalizes provisional records that were never
// corroborated by an authoritative provider event within the window.
func (r *Reconciler) ProvisionalExpiryJob(ctx context.Context) error {
	now := r.clock.Now()
	records, err := r.subscriptions.ListProvisionalExpired(ctx, r.db, now, r.cfg.BatchSize)
	if err != nil {
		return err
	}

	var jobErr error
	processed := 0
	for i := range records {
		record := &records[i]
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		anchor := anchorTime(record.ProvisionalExpiresAt, now)
		if err := r.synthesize(ctx, "provisional_expiry", record, eventdomain.KindExpired, anchor, record.Tier, nil, nil); err != nil {
			jobErr = errors.Join(jobErr, err)
			continue
		}
		processed++
	}
	obsmetrics.Reconciler().AddBatchProcessed("provisional_expiry", "subscription_records", processed)
	return jobErr
}

// synthesize pushes one deterministic synthetic event through the pipeline.
func (r *Reconciler) synthesize(
	ctx context.Context,
	job string,
	record *subscriptiondomain.SubscriptionRecord,
	kind eventdomain.Kind,
	observedAt time.Time,
	tier string,
	periodEnd, graceUntil *time.Time,
) error {
	ev := &eventdomain.LifecycleEvent{
		EventID:         syntheticEventID(record.Provider, record.SubscriptionRef, kind, observedAt),
		Provider:        eventdomain.Provider(record.Provider),
		Kind:            kind,
		Provenance:      eventdomain.ProvenanceReconciler,
		UserID:          record.UserID,
		SubscriptionRef: record.SubscriptionRef,
		Tier:            tier,
		PeriodEnd:       periodEnd,
		GraceUntil:      graceUntil,
		ObservedAt:      observedAt,
		ReceivedAt:      r.clock.Now(),
	}

	result, err := r.pipeline.Ingest(ctx, ev)
	if err != nil {
		return err
	}
	if result.Duplicate {
		return nil
	}

	obsmetrics.Reconciler().IncSyntheticEvent(job, string(kind))
	if result.Applied {
		r.metrics.RecordCorrection(ctx, job)
		r.log.Info("reconciliation correction applied",
			zap.String("job", job),
			zap.String("provider", record.Provider),
			zap.String("subscription_ref", record.SubscriptionRef),
			zap.String("event_kind", string(kind)),
		)
	}
	return nil
}

func anchorTime(preferred *time.Time, fallback time.Time) time.Time {
	if preferred != nil {
		return preferred.UTC()
	}
	return fallback.UTC()
}
