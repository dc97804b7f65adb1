// Package subscribe implements the subscription manager: it periodically
// polls a configuration URL for the list of active LWC subscriptions,
// honoring ETag-conditional requests, and filters the result to
// frequencies the evaluator can actually serve, per spec.md §4.10.
package subscribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/stepmetrics/stepmetrics/evaluate"
	"github.com/stepmetrics/stepmetrics/internal/errkind"
	"github.com/stepmetrics/stepmetrics/meter"
)

// responseSchema validates the subscription endpoint's body shape before
// it's unmarshaled, per SPEC_FULL.md's domain-stack wiring for
// xeipuuv/gojsonschema, grounded on the teacher's own gojsonschema usage
// (cmd/uast/validate.go): build a loader, call Validate, inspect
// result.Valid()/result.Errors().
var responseSchema = gojsonschema.NewStringLoader(`{
	"type": "object",
	"required": ["expressions"],
	"properties": {
		"expressions": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "expression", "frequency"],
				"properties": {
					"id": {"type": "string"},
					"expression": {"type": "string"},
					"frequency": {"type": "number"}
				}
			}
		}
	}
}`)

type wireExpression struct {
	ID         string `json:"id"`
	Expression string `json:"expression"`
	Frequency  int64  `json:"frequency"`
}

type wireResponse struct {
	Expressions []wireExpression `json:"expressions"`
}

// trackedSub pairs a subscription with the last time it appeared in a
// refresh response, so apply can tell a subscription that's still
// active from one that dropped out of the feed.
type trackedSub struct {
	sub        evaluate.Subscription
	lastSeenMs int64
}

// Manager polls configURI for the active subscription list and exposes a
// point-in-time snapshot. A subscription missing from the latest
// refresh isn't dropped immediately: it's retained until configTTL
// elapses since it was last seen, per spec.md §6's "how long a seen
// subscription survives with no refresh" — a single dropped poll
// response (a transient config-service hiccup, not a real
// unsubscribe) shouldn't interrupt evaluation of an otherwise-live
// subscription.
type Manager struct {
	configURI         string
	lwcStepMillis     int64
	stepMillis        int64
	ignorePublishStep bool
	configTTLMillis   int64
	client            *http.Client
	clock             meter.Clock

	mu   sync.RWMutex
	etag string
	subs map[string]trackedSub
}

// New returns a Manager that will poll configURI. client may be nil to
// use http.DefaultClient. configTTLMillis is how long a subscription is
// retained after it last appeared in a refresh response; 0 disables
// the grace period (a missed refresh drops it immediately).
func New(configURI string, lwcStepMillis, stepMillis, configTTLMillis int64, ignorePublishStep bool, client *http.Client) *Manager {
	if client == nil {
		client = http.DefaultClient
	}

	return &Manager{
		configURI:         configURI,
		lwcStepMillis:     lwcStepMillis,
		stepMillis:        stepMillis,
		ignorePublishStep: ignorePublishStep,
		configTTLMillis:   configTTLMillis,
		client:            client,
		clock:             meter.SystemClock{},
		subs:              make(map[string]trackedSub),
	}
}

// SetClock overrides the clock used to timestamp last-seen subscriptions.
// Intended for tests exercising the configTTL grace period with a
// meter.ManualClock instead of real time.
func (m *Manager) SetClock(c meter.Clock) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clock = c
}

// Subscriptions returns a snapshot of the currently known subscriptions,
// including any within their post-refresh grace period.
func (m *Manager) Subscriptions() []evaluate.Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]evaluate.Subscription, 0, len(m.subs))
	for _, t := range m.subs {
		out = append(out, t.sub)
	}

	return out
}

// Refresh performs one conditional GET against configURI: a 304 leaves
// the current snapshot untouched; a 200 (after schema validation and
// frequency filtering) adds or refreshes every listed subscription and
// drops those unseen for longer than configTTL; any other status or
// transport failure is returned as an errkind.Transient.
func (m *Manager) Refresh(ctx context.Context) error {
	if m.configURI == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.configURI, nil)
	if err != nil {
		return errkind.NewUserInput("subscribe.Refresh", err)
	}

	m.mu.RLock()
	etag := m.etag
	m.mu.RUnlock()

	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return errkind.NewTransient("subscribe.Refresh", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		return nil
	case http.StatusOK:
		return m.apply(resp)
	default:
		return errkind.NewTransient("subscribe.Refresh",
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
}

func (m *Manager) apply(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errkind.NewTransient("subscribe.Refresh", err)
	}

	result, err := gojsonschema.Validate(responseSchema, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return errkind.NewTransient("subscribe.Refresh", err)
	}

	if !result.Valid() {
		return errkind.NewUserInput("subscribe.Refresh", schemaError(result.Errors()))
	}

	var wire wireResponse
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&wire); err != nil {
		return errkind.NewUserInput("subscribe.Refresh", err)
	}

	now := m.clock.NowMillis()
	seen := make(map[string]struct{}, len(wire.Expressions))

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range wire.Expressions {
		if !m.accept(e.Frequency) {
			continue
		}

		seen[e.ID] = struct{}{}
		m.subs[e.ID] = trackedSub{
			sub:        evaluate.Subscription{ID: e.ID, Expression: e.Expression, FrequencyMs: e.Frequency},
			lastSeenMs: now,
		}
	}

	for id, t := range m.subs {
		if _, stillPresent := seen[id]; stillPresent {
			continue
		}

		if now-t.lastSeenMs > m.configTTLMillis {
			delete(m.subs, id)
		}
	}

	m.etag = resp.Header.Get("ETag")

	return nil
}

// accept drops subscriptions whose frequency is not a multiple of
// lwcStep, or that equal the publish step unless ignorePublishStep is
// set, per spec.md §4.10.
func (m *Manager) accept(frequencyMs int64) bool {
	if frequencyMs <= 0 || m.lwcStepMillis <= 0 {
		return false
	}

	if frequencyMs%m.lwcStepMillis != 0 {
		return false
	}

	if frequencyMs == m.stepMillis && !m.ignorePublishStep {
		return false
	}

	return true
}

func schemaError(errs []gojsonschema.ResultError) error {
	if len(errs) == 0 {
		return fmt.Errorf("invalid subscription payload")
	}

	return fmt.Errorf("invalid subscription payload: %s", errs[0].String())
}

// RunForever refreshes on interval until ctx is cancelled. Intended to be
// driven by schedule.Scheduler under FixedDelay per spec.md §4.8's
// "subscription refresh" task; exposed standalone so callers that don't
// use the scheduler package can still drive it directly.
func (m *Manager) RunForever(ctx context.Context, interval time.Duration, onErr func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Refresh(ctx); err != nil && onErr != nil {
				onErr(err)
			}
		}
	}
}
