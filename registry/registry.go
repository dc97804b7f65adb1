// Package registry wires the meter map, the publish-path consolidators,
// the evaluator, the rollup policy, the subscription manager and the
// scheduler together into the single orchestrator an embedding
// application talks to, per spec.md §4.8.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stepmetrics/stepmetrics/consolidate"
	"github.com/stepmetrics/stepmetrics/evaluate"
	"github.com/stepmetrics/stepmetrics/internal/config"
	"github.com/stepmetrics/stepmetrics/internal/errkind"
	"github.com/stepmetrics/stepmetrics/internal/telemetry"
	"github.com/stepmetrics/stepmetrics/meter"
	"github.com/stepmetrics/stepmetrics/publish"
	"github.com/stepmetrics/stepmetrics/rollup"
	"github.com/stepmetrics/stepmetrics/schedule"
	"github.com/stepmetrics/stepmetrics/subscribe"
)

// consolidatorEntry pairs the id an atlasMeasurements entry is
// consolidating with its Consolidator, mirroring evaluate's own
// idConsolidator (evaluate/evaluator.go) so getBatches can read back an
// id's tags once a window completes.
type consolidatorEntry struct {
	id meter.Id
	c  consolidate.Consolidator
}

// Batch is one publish-ready group of measurements sharing a common-tag
// set, sized to at most a configured batchSize.
type Batch struct {
	CommonTags   map[string]string
	Measurements []meter.Measurement
}

// Registry owns the meter map, the publish-path consolidators, the
// evaluator, the rollup policy, the subscription manager, the
// publishers and the scheduler, and drives the three recurring tasks
// described in spec.md §4.8.
type Registry struct {
	cfg     config.Config
	clock   meter.Clock
	logger  *slog.Logger
	metrics *telemetry.Metrics

	// pollStepMillis is the cadence pollMeters actually runs at: lwcStep
	// when LWC is enabled (the finer-grained tick drives polling), else
	// step. atlasMeasurements consolidators are created against this
	// primary step, with multiple = step/pollStepMillis.
	pollStepMillis int64

	meters sync.Map // id.Key() -> meter.Meter

	consolMu          sync.Mutex
	atlasMeasurements map[string]*consolidatorEntry

	lastPollTimestamp  atomic.Int64
	lastFlushTimestamp atomic.Int64

	evaluator    *evaluate.Evaluator
	rollupPolicy *rollup.Policy
	subManager   *subscribe.Manager

	publisher     publish.Publisher
	evalPublisher publish.Publisher
	skewTracker   *publish.ClockSkewTracker

	validCharsRe *regexp.Regexp

	scheduler *schedule.Scheduler

	publishHandle *schedule.Handle
	streamHandle  *schedule.Handle
	refreshHandle *schedule.Handle
}

// New constructs a Registry from cfg and rules. clock may be nil to use
// meter.SystemClock{}; logger may be nil to use slog.Default(); metrics
// may be nil to disable self-observability counters.
func New(cfg config.Config, rules []rollup.Rule, clock meter.Clock, logger *slog.Logger, metrics *telemetry.Metrics) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if clock == nil {
		clock = meter.SystemClock{}
	}

	if logger == nil {
		logger = slog.Default()
	}

	validCharsRe, err := regexp.Compile("[^" + cfg.ValidTagCharacters + "]")
	if err != nil {
		return nil, errkind.NewUserInput("registry.New", fmt.Errorf("validTagCharacters: %w", err))
	}

	rewriteTag := func(s string) string { return validCharsRe.ReplaceAllString(s, "_") }

	pollStepMillis := cfg.LwcStep.Milliseconds()
	if !cfg.LwcEnabled {
		pollStepMillis = cfg.Step.Milliseconds()
	}

	r := &Registry{
		cfg:               cfg,
		clock:             clock,
		logger:            logger,
		metrics:           metrics,
		pollStepMillis:    pollStepMillis,
		atlasMeasurements: make(map[string]*consolidatorEntry),
		evaluator:         evaluate.New(cfg.Step.Milliseconds(), cfg.CommonTags, rewriteTag, false, logger),
		rollupPolicy:      rollup.New(rules, cfg.CommonTags),
		validCharsRe:      validCharsRe,
		skewTracker:       publish.NewClockSkewTracker(0.2),
	}

	if cfg.Uri != "" {
		r.publisher = publish.New(publish.Config{URL: cfg.Uri, ConnectTimeout: cfg.ConnectTimeout, ReadTimeout: cfg.ReadTimeout})
	}

	if cfg.EvalUri != "" {
		r.evalPublisher = publish.New(publish.Config{URL: cfg.EvalUri, ConnectTimeout: cfg.ConnectTimeout, ReadTimeout: cfg.ReadTimeout})
	}

	if cfg.ConfigUri != "" {
		r.subManager = subscribe.New(cfg.ConfigUri, cfg.LwcStep.Milliseconds(), cfg.Step.Milliseconds(),
			cfg.ConfigTTL.Milliseconds(), false, &http.Client{Timeout: cfg.ReadTimeout})
	}

	onSkip := func() {
		if r.metrics != nil {
			r.metrics.SchedulerTicksSkipped.Add(context.Background(), 1)
		}
	}

	r.scheduler = schedule.New(cfg.NumThreads, logger, onSkip)

	if cfg.AutoStart {
		r.Start()
	}

	return r, nil
}

// Counter returns the Counter for (name, tags), creating it on first
// use.
func (r *Registry) Counter(name string, tags map[string]string) *meter.Counter {
	id := meter.NewId(name, tags)

	return r.getOrCreate(id, func() meter.Meter {
		return meter.NewCounter(id, r.clock, r.cfg.MeterTTL, r.pollStepMillis)
	}).(*meter.Counter)
}

// Gauge returns the Gauge for (name, tags), creating it on first use.
func (r *Registry) Gauge(name string, tags map[string]string) *meter.Gauge {
	id := meter.NewId(name, tags)

	return r.getOrCreate(id, func() meter.Meter {
		return meter.NewGauge(id, r.clock, r.cfg.MeterTTL)
	}).(*meter.Gauge)
}

// MaxGauge returns the MaxGauge for (name, tags), creating it on first
// use.
func (r *Registry) MaxGauge(name string, tags map[string]string) *meter.MaxGauge {
	id := meter.NewId(name, tags)

	return r.getOrCreate(id, func() meter.Meter {
		return meter.NewMaxGauge(id, r.clock, r.cfg.MeterTTL, r.pollStepMillis)
	}).(*meter.MaxGauge)
}

// DistributionSummary returns the DistributionSummary for (name, tags),
// creating it on first use.
func (r *Registry) DistributionSummary(name string, tags map[string]string) *meter.DistributionSummary {
	id := meter.NewId(name, tags)

	return r.getOrCreate(id, func() meter.Meter {
		return meter.NewDistributionSummary(id, r.clock, r.cfg.MeterTTL, r.pollStepMillis)
	}).(*meter.DistributionSummary)
}

// Timer returns the Timer for (name, tags), creating it on first use.
func (r *Registry) Timer(name string, tags map[string]string) *meter.Timer {
	id := meter.NewId(name, tags)

	return r.getOrCreate(id, func() meter.Meter {
		return meter.NewTimer(id, r.clock, r.cfg.MeterTTL, r.pollStepMillis)
	}).(*meter.Timer)
}

// getOrCreate implements spec.md §5's "meter map mutation is serialized
// by concurrent-map putIfAbsent semantics": sync.Map.LoadOrStore races
// two creators harmlessly (the loser's meter is simply discarded) while
// avoiding a registry-wide lock on the hot record path.
func (r *Registry) getOrCreate(id meter.Id, create func() meter.Meter) meter.Meter {
	if v, ok := r.meters.Load(id.Key()); ok {
		return v.(meter.Meter)
	}

	v, _ := r.meters.LoadOrStore(id.Key(), create())

	return v.(meter.Meter)
}

// Start launches the three recurring scheduler tasks: publish tick at
// step, stream tick at the poll cadence, and subscription refresh at
// configRefreshFrequency (only when a subscription endpoint is
// configured), per spec.md §4.8.
func (r *Registry) Start() {
	r.publishHandle = r.scheduler.Schedule(r.publishTick, schedule.FixedRateSkipIfLong, r.cfg.Step, r.cfg.Step, false)

	pollStep := time.Duration(r.pollStepMillis) * time.Millisecond
	r.streamHandle = r.scheduler.Schedule(r.streamTick, schedule.FixedRateSkipIfLong, pollStep, pollStep, false)

	if r.subManager != nil {
		r.refreshHandle = r.scheduler.Schedule(r.subscriptionRefreshTick, schedule.FixedDelay,
			r.cfg.ConfigRefreshFrequency, r.cfg.ConfigRefreshFrequency, false)
	}
}

// Shutdown stops the scheduler, then — when the registry's clock is a
// *meter.ManualClock — advances it through the next lwcStep boundary
// (polling), then the next step boundary (flushing the final window),
// per spec.md §4.8. A SystemClock-backed registry can't be advanced, so
// shutdown simply flushes whatever has already accumulated at the
// current time; see DESIGN.md's Open Question decision on this.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.scheduler.Stop()

	if mc, ok := r.clock.(*meter.ManualClock); ok {
		lwcBoundary := lastCompletedMultipleOf(mc.NowMillis(), r.pollStepMillis) + r.pollStepMillis
		mc.SetMillis(lwcBoundary)
		r.pollMeters(lwcBoundary)

		stepBoundary := lastCompletedMultipleOf(mc.NowMillis(), r.cfg.Step.Milliseconds()) + r.cfg.Step.Milliseconds()
		mc.SetMillis(stepBoundary)
	}

	return r.flushPublish(ctx, r.clock.NowMillis())
}

// Subscriptions returns the currently active subscription snapshot, or
// nil when no subscription manager is configured.
func (r *Registry) Subscriptions() []evaluate.Subscription {
	if r.subManager == nil {
		return nil
	}

	return r.subManager.Subscriptions()
}

// ClockSkew returns the current smoothed estimate of the publish
// endpoint's clock skew relative to this process.
func (r *Registry) ClockSkew() time.Duration {
	return r.skewTracker.Skew()
}

// MeterSnapshot describes one registered meter for status reporting.
type MeterSnapshot struct {
	ID      string
	Type    string
	Expired bool
}

// Snapshot returns a point-in-time view of every registered meter, for
// CLI/status reporting.
func (r *Registry) Snapshot() []MeterSnapshot {
	now := r.clock.NowMillis()

	var out []MeterSnapshot

	r.meters.Range(func(_, v any) bool {
		m := v.(meter.Meter)
		out = append(out, MeterSnapshot{ID: m.ID().String(), Type: fmt.Sprintf("%T", m), Expired: m.HasExpired(now)})

		return true
	})

	return out
}

// publishTick is the fixed-rate-skip-if-long task driving the publish
// path at cfg.Step, per spec.md §4.8 task 1.
func (r *Registry) publishTick(ctx context.Context) error {
	t := lastCompletedMultipleOf(r.clock.NowMillis(), r.cfg.Step.Milliseconds())
	if t <= r.lastFlushTimestamp.Load() {
		return nil
	}

	r.lastFlushTimestamp.Store(t)

	r.pollMeters(t)

	return r.flushPublish(ctx, t)
}

// streamTick is the fixed-rate-skip-if-long task driving polling (and,
// when LWC is enabled, the stream/eval path) at the poll cadence, per
// spec.md §4.8 task 2.
func (r *Registry) streamTick(ctx context.Context) error {
	t := lastCompletedMultipleOf(r.clock.NowMillis(), r.pollStepMillis)

	r.pollMeters(t)

	if !r.cfg.LwcEnabled || r.evalPublisher == nil {
		return nil
	}

	results := r.evaluator.Eval(t)
	if len(results) == 0 {
		return nil
	}

	batches, err := buildEvalBatches(t, results, r.cfg.BatchSize)
	if err != nil {
		return errkind.NewInvariant("registry.streamTick: " + err.Error())
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, b := range batches {
		b := b

		g.Go(func() error {
			r.publishEvalBatch(gctx, b)

			return nil
		})
	}

	return g.Wait()
}

// subscriptionRefreshTick is the fixed-delay task keeping the
// subscription manager and the evaluator's live subscription set in
// sync, per spec.md §4.8 task 3. A refresh failure is logged and
// counted, never treated as stopOnFail: a transient subscription
// endpoint outage shouldn't halt recurring refreshes.
func (r *Registry) subscriptionRefreshTick(ctx context.Context) error {
	if err := r.subManager.Refresh(ctx); err != nil {
		r.logger.Warn("subscription refresh failed", "error", err)

		if r.metrics != nil {
			r.metrics.SubscriptionRefreshFailures.Add(ctx, 1)
		}

		return nil
	}

	r.evaluator.Sync(r.subManager.Subscriptions())

	return nil
}

// pollMeters iterates every registered meter once, guarded so a given t
// is only processed once even though both the publish tick and the
// stream tick call it, per spec.md §4.8's "guarded so t >
// lastPollTimestamp". Each emitted measurement feeds both the
// publish-path consolidator and the evaluator.
func (r *Registry) pollMeters(t int64) {
	if t <= r.lastPollTimestamp.Load() {
		return
	}

	r.lastPollTimestamp.Store(t)

	sink := meter.SinkFunc(func(m meter.Measurement) {
		r.recordForPublish(m)
		r.evaluator.Update(m.ID, m.Timestamp, m.Value)
	})

	r.meters.Range(func(_, v any) bool {
		v.(meter.Meter).Measure(t, sink)

		return true
	})

	r.removeExpiredMeters(t)
}

// recordForPublish folds one measurement into its atlasMeasurements
// consolidator, creating the consolidator lazily on first sight of an
// id, per spec.md §4.8's "update or create atlasMeasurements[id] via
// Consolidator.create(id, step, step/lwcStep)".
func (r *Registry) recordForPublish(m meter.Measurement) {
	key := m.ID.Key()

	r.consolMu.Lock()
	entry, ok := r.atlasMeasurements[key]
	if !ok {
		statistic := m.ID.TagMap()[meter.TagStatistic]
		multiple := r.cfg.Step.Milliseconds() / r.pollStepMillis
		entry = &consolidatorEntry{id: m.ID, c: consolidate.Select(statistic, r.pollStepMillis, multiple)}
		r.atlasMeasurements[key] = entry
	}
	r.consolMu.Unlock()

	entry.c.Update(m.Timestamp, m.Value)
}

// removeExpiredMeters drops meters that have gone idle past their TTL,
// per the Meter.hasExpired contract in spec.md §3.
func (r *Registry) removeExpiredMeters(t int64) {
	r.meters.Range(func(k, v any) bool {
		if v.(meter.Meter).HasExpired(t) {
			r.meters.Delete(k)
		}

		return true
	})
}

// getBatches forces every atlasMeasurements consolidator to complete its
// current window, drops any that ended up empty, runs the result
// through the rollup policy, and slices each resulting group into
// contiguous batchSize sub-lists, per spec.md §4.8.
func (r *Registry) getBatches(t int64) []Batch {
	r.consolMu.Lock()

	input := make([]meter.Measurement, 0, len(r.atlasMeasurements))

	for key, entry := range r.atlasMeasurements {
		entry.c.Update(t, math.NaN())

		if entry.c.IsEmpty() {
			delete(r.atlasMeasurements, key)

			continue
		}

		input = append(input, meter.Measurement{ID: entry.id, Timestamp: t, Value: entry.c.Value(t)})
	}

	r.consolMu.Unlock()

	results := r.rollupPolicy.Apply(r.cfg.CommonTags, input)

	batches := make([]Batch, 0, len(results))

	for _, res := range results {
		for i := 0; i < len(res.Measurements); i += r.cfg.BatchSize {
			end := i + r.cfg.BatchSize
			if end > len(res.Measurements) {
				end = len(res.Measurements)
			}

			batches = append(batches, Batch{CommonTags: res.CommonTags, Measurements: res.Measurements[i:end]})
		}
	}

	return batches
}

// flushPublish runs getBatches(t) and hands every resulting batch to
// the publisher concurrently, awaiting them all before returning, per
// spec.md §4.8's "await all concurrently" and §5's "within each publish
// tick the registry awaits all in-flight publishes before returning".
func (r *Registry) flushPublish(ctx context.Context, t int64) error {
	if r.publisher == nil {
		return nil
	}

	batches := r.getBatches(t)

	g, gctx := errgroup.WithContext(ctx)

	for _, b := range batches {
		b := b

		g.Go(func() error {
			r.publishBatch(gctx, b)

			return nil
		})
	}

	return g.Wait()
}

func (r *Registry) publishBatch(ctx context.Context, b Batch) {
	body, err := r.marshalPublishBatch(b)
	if err != nil {
		r.logger.Warn("marshal publish batch failed", "error", err)

		return
	}

	res, err := r.publisher.Publish(ctx, publish.Payload{Body: body, Count: len(b.Measurements)})
	if err != nil {
		r.logger.Warn("publish failed", "error", err)

		if r.metrics != nil {
			r.metrics.MeasurementsDroppedHTTP.Add(ctx, int64(len(b.Measurements)))
		}

		return
	}

	r.skewTracker.Observe(time.Now(), res)

	if r.metrics != nil {
		r.metrics.MeasurementsSentHTTP.Add(ctx, int64(res.Sent))
		r.metrics.MeasurementsDroppedHTTP.Add(ctx, int64(res.DroppedInvalid))
	}
}

func (r *Registry) publishEvalBatch(ctx context.Context, b evalBatch) {
	res, err := r.evalPublisher.Publish(ctx, publish.Payload{Body: b.Body, Count: b.Count})
	if err != nil {
		r.logger.Warn("eval publish failed", "error", err)

		if r.metrics != nil {
			r.metrics.MeasurementsDroppedHTTP.Add(ctx, int64(b.Count))
		}

		return
	}

	r.skewTracker.Observe(time.Now(), res)

	if r.metrics != nil {
		r.metrics.MeasurementsSentHTTP.Add(ctx, int64(res.Sent))
	}
}

// wireMetric is one entry of a publish payload's "metrics" array, per
// spec.md §6.
type wireMetric struct {
	Tags      map[string]string `json:"tags"`
	Timestamp int64             `json:"timestamp"`
	Value     float64           `json:"value"`
}

type wirePublishPayload struct {
	Tags    map[string]string `json:"tags"`
	Metrics []wireMetric      `json:"metrics"`
}

// marshalPublishBatch renders b as a publish payload per spec.md §6:
// common tags once at top level, per-measurement tags with disallowed
// characters rewritten to "_", and atlas.dstype defaulted to "gauge"
// when the measurement didn't already carry one.
func (r *Registry) marshalPublishBatch(b Batch) ([]byte, error) {
	metrics := make([]wireMetric, len(b.Measurements))

	for i, m := range b.Measurements {
		tags := r.sanitizeTags(m.ID.TagMap())
		if _, ok := tags[meter.TagDsType]; !ok {
			tags[meter.TagDsType] = string(meter.DsGauge)
		}

		metrics[i] = wireMetric{Tags: tags, Timestamp: m.Timestamp, Value: m.Value}
	}

	return json.Marshal(wirePublishPayload{Tags: r.sanitizeTags(b.CommonTags), Metrics: metrics})
}

func (r *Registry) sanitizeTags(tags map[string]string) map[string]string {
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = r.validCharsRe.ReplaceAllString(v, "_")
	}

	return out
}

// wireEvalMetric is one entry of an eval payload's "metrics" array, per
// spec.md §6.
type wireEvalMetric struct {
	ID    string            `json:"id"`
	Tags  map[string]string `json:"tags"`
	Value float64           `json:"value"`
}

type wireEvalPayload struct {
	Timestamp int64            `json:"timestamp"`
	Metrics   []wireEvalMetric `json:"metrics"`
}

// evalBatch is one eval payload ready to publish, alongside the count
// of EvalResults it encodes.
type evalBatch struct {
	Body  []byte
	Count int
}

// buildEvalBatches slices results into batchSize-sized eval payloads
// sharing timestamp t, per spec.md §6's "Batched by batchSize".
func buildEvalBatches(t int64, results []evaluate.EvalResult, batchSize int) ([]evalBatch, error) {
	batches := make([]evalBatch, 0, len(results)/batchSize+1)

	for i := 0; i < len(results); i += batchSize {
		end := i + batchSize
		if end > len(results) {
			end = len(results)
		}

		chunk := results[i:end]
		metrics := make([]wireEvalMetric, len(chunk))

		for j, res := range chunk {
			metrics[j] = wireEvalMetric{ID: res.SubscriptionID, Tags: res.Tags, Value: res.Value}
		}

		body, err := json.Marshal(wireEvalPayload{Timestamp: t, Metrics: metrics})
		if err != nil {
			return nil, err
		}

		batches = append(batches, evalBatch{Body: body, Count: len(chunk)})
	}

	return batches, nil
}

func lastCompletedMultipleOf(now, step int64) int64 {
	if step <= 0 {
		return now
	}

	return (now / step) * step
}
