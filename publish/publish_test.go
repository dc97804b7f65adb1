package publish_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepmetrics/stepmetrics/publish"
)

func TestPublishSuccessReportsFullCount(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := publish.New(publish.Config{URL: srv.URL, ConnectTimeout: time.Second, ReadTimeout: time.Second})

	res, err := p.Publish(context.Background(), publish.Payload{Body: []byte(`{}`), Count: 5})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Sent)
	assert.Zero(t, res.DroppedInvalid)
}

func TestPublishValidationResponseSplitsSentAndDropped(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"errorCount":2,"message":["bad tag"]}`))
	}))
	defer srv.Close()

	p := publish.New(publish.Config{URL: srv.URL, ConnectTimeout: time.Second, ReadTimeout: time.Second})

	res, err := p.Publish(context.Background(), publish.Payload{Body: []byte(`{}`), Count: 10})
	require.NoError(t, err)
	assert.Equal(t, 8, res.Sent)
	assert.Equal(t, 2, res.DroppedInvalid)
}

func TestPublishServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := publish.New(publish.Config{URL: srv.URL, ConnectTimeout: time.Second, ReadTimeout: time.Second})

	_, err := p.Publish(context.Background(), publish.Payload{Body: []byte(`{}`), Count: 1})
	require.Error(t, err)
}

func TestPublishCompressesWhenEnabled(t *testing.T) {
	t.Parallel()

	var gotEncoding string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEncoding = r.Header.Get("Content-Encoding")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := publish.New(publish.Config{URL: srv.URL, ConnectTimeout: time.Second, ReadTimeout: time.Second, Compress: true})

	_, err := p.Publish(context.Background(), publish.Payload{Body: []byte(`{"a":1}`), Count: 1})
	require.NoError(t, err)
	assert.Equal(t, "lz4", gotEncoding)
}

func TestClockSkewTrackerSmooths(t *testing.T) {
	t.Parallel()

	tracker := publish.NewClockSkewTracker(1.0)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	serverDate := now.Add(2 * time.Second)

	skew := tracker.Observe(now, publish.Result{ServerDate: serverDate})
	assert.Equal(t, 2*time.Second, skew)
}

func TestClockSkewTrackerIgnoresZeroDate(t *testing.T) {
	t.Parallel()

	tracker := publish.NewClockSkewTracker(0.5)
	assert.Zero(t, tracker.Skew())

	skew := tracker.Observe(time.Now(), publish.Result{})
	assert.Zero(t, skew)
}
