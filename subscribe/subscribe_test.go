package subscribe_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepmetrics/stepmetrics/meter"
	"github.com/stepmetrics/stepmetrics/subscribe"
)

func TestRefreshParsesAndFiltersByFrequency(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte(`{"expressions":[
			{"id":"a","expression":"name,cpu,:eq,:sum","frequency":10000},
			{"id":"b","expression":"name,mem,:eq,:sum","frequency":7000},
			{"id":"c","expression":"name,disk,:eq,:sum","frequency":60000}
		]}`))
	}))
	defer srv.Close()

	m := subscribe.New(srv.URL, 10000, 60000, 0, false, srv.Client())

	require.NoError(t, m.Refresh(context.Background()))

	subs := m.Subscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, "a", subs[0].ID)
}

func TestRefreshIgnorePublishStepAllowsEqualFrequency(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"expressions":[{"id":"a","expression":"name,cpu,:eq,:sum","frequency":60000}]}`))
	}))
	defer srv.Close()

	m := subscribe.New(srv.URL, 10000, 60000, 0, true, srv.Client())

	require.NoError(t, m.Refresh(context.Background()))
	assert.Len(t, m.Subscriptions(), 1)
}

func TestRefreshHonorsNotModified(t *testing.T) {
	t.Parallel()

	calls := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++

		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}

		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte(`{"expressions":[{"id":"a","expression":"name,cpu,:eq,:sum","frequency":10000}]}`))
	}))
	defer srv.Close()

	m := subscribe.New(srv.URL, 10000, 60000, 0, false, srv.Client())

	require.NoError(t, m.Refresh(context.Background()))
	require.Len(t, m.Subscriptions(), 1)

	require.NoError(t, m.Refresh(context.Background()))
	assert.Equal(t, 2, calls)
	assert.Len(t, m.Subscriptions(), 1)
}

func TestRefreshRejectsMalformedSchema(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"expressions":[{"id":"a"}]}`))
	}))
	defer srv.Close()

	m := subscribe.New(srv.URL, 10000, 60000, 0, false, srv.Client())

	err := m.Refresh(context.Background())
	require.Error(t, err)
}

func TestRefreshRetainsDroppedSubscriptionWithinTTL(t *testing.T) {
	t.Parallel()

	var body atomic.Value

	body.Store(`{"expressions":[{"id":"a","expression":"name,cpu,:eq,:sum","frequency":10000}]}`)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body.Load().(string)))
	}))
	defer srv.Close()

	clock := meter.NewManualClock(time.Unix(0, 0))

	const configTTLMillis = 150_000

	m := subscribe.New(srv.URL, 10000, 60000, configTTLMillis, false, srv.Client())
	m.SetClock(clock)

	require.NoError(t, m.Refresh(context.Background()))
	require.Len(t, m.Subscriptions(), 1)

	// "a" drops out of the next refresh, but we're still inside the TTL.
	body.Store(`{"expressions":[]}`)
	clock.Advance(configTTLMillis / 2 * time.Millisecond)

	require.NoError(t, m.Refresh(context.Background()))
	subs := m.Subscriptions()
	require.Len(t, subs, 1, "a dropped subscription must survive within configTTL")
	assert.Equal(t, "a", subs[0].ID)

	// Now past the TTL since "a" was last seen.
	clock.Advance(configTTLMillis * time.Millisecond)

	require.NoError(t, m.Refresh(context.Background()))
	assert.Empty(t, m.Subscriptions(), "a subscription must be dropped once configTTL elapses")
}

func TestRefreshRefreshesLastSeenWhileSubscriptionStillActive(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"expressions":[{"id":"a","expression":"name,cpu,:eq,:sum","frequency":10000}]}`))
	}))
	defer srv.Close()

	clock := meter.NewManualClock(time.Unix(0, 0))

	const configTTLMillis = 150_000

	m := subscribe.New(srv.URL, 10000, 60000, configTTLMillis, false, srv.Client())
	m.SetClock(clock)

	require.NoError(t, m.Refresh(context.Background()))

	// Keep refreshing past what would be the TTL if last-seen weren't
	// updated on every sighting.
	for range 3 {
		clock.Advance(configTTLMillis * time.Millisecond)
		require.NoError(t, m.Refresh(context.Background()))
	}

	assert.Len(t, m.Subscriptions(), 1, "a subscription seen on every refresh must never expire")
}
