// Package publish implements the HTTP sinks that deliver publish and
// eval payloads, per spec.md §4.8 and §6's external interfaces. Both
// sinks share the same connect/read-timeout, optional LZ4 compression,
// and 202/400-validation-response handling, grounded on spec.md §7's
// "202/400 may carry {errorCount, message[]}" rule.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pierrec/lz4/v4"

	"github.com/stepmetrics/stepmetrics/internal/errkind"
	"github.com/stepmetrics/stepmetrics/pkg/alg/stats"
)

// Payload is what a Publisher sends in one HTTP request.
type Payload struct {
	// Body is the already-serialized JSON payload (a publish-payload or
	// eval-payload shape per spec.md §6).
	Body []byte
	// Count is the number of measurements Body encodes, used to report
	// an accurate Sent count when the response carries no validation
	// body to split against.
	Count int
}

// Result reports the outcome of one Publish call: how many measurements
// in the payload were accepted vs. rejected as invalid by the receiver's
// 202/400 validation response, plus the server's advertised time (for
// clock-skew tracking).
type Result struct {
	Sent           int
	DroppedInvalid int
	ServerDate     time.Time
}

// Publisher delivers one Payload over HTTP.
type Publisher interface {
	Publish(ctx context.Context, p Payload) (Result, error)
}

// HTTPPublisher posts payloads as JSON (optionally LZ4-compressed) to a
// fixed URL. It holds no per-call mutable state, so a single instance is
// safe to call Publish on concurrently — spec.md §4.8's publish tick
// awaits all in-flight batch publishes concurrently.
type HTTPPublisher struct {
	url      string
	client   *http.Client
	compress bool
}

// Config controls HTTPPublisher construction.
type Config struct {
	URL            string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	Compress       bool
}

// New returns an HTTPPublisher per cfg. Connect/read timeouts are
// enforced the way the teacher's own HTTP clients are built: a custom
// http.Transport.DialContext timeout plus the client's own top-level
// Timeout acting as the read deadline.
func New(cfg Config) *HTTPPublisher {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   cfg.ReadTimeout,
	}

	return &HTTPPublisher{url: cfg.URL, client: client, compress: cfg.Compress}
}

// validationResponse is the optional 202/400 body per spec.md §7.
type validationResponse struct {
	ErrorCount int      `json:"errorCount"`
	Message    []string `json:"message"`
}

// Publish posts p.Body to the configured URL. A non-2xx/202 status other
// than 400 is an errkind.Transient. A 400 or 202 with a validation body
// splits the batch count between DroppedInvalid and Sent per spec.md §7.
func (p *HTTPPublisher) Publish(ctx context.Context, payload Payload) (Result, error) {
	body := payload.Body
	encoding := ""

	if p.compress {
		compressed, err := compress(body)
		if err != nil {
			return Result{}, errkind.NewInvariant("publish: lz4 compression failed: " + err.Error())
		}

		body = compressed
		encoding = "lz4"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, errkind.NewUserInput("publish.Publish", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Result{}, errkind.NewTransient("publish.Publish", err)
	}
	defer resp.Body.Close()

	serverDate, _ := http.ParseTime(resp.Header.Get("Date"))

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return Result{Sent: payload.Count, ServerDate: serverDate}, nil
	case http.StatusAccepted, http.StatusBadRequest:
		return withValidation(resp, payload.Count, serverDate)
	default:
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, errkind.NewTransient("publish.Publish",
			fmt.Errorf("unexpected status %d: %s", resp.StatusCode, respBody))
	}
}

func withValidation(resp *http.Response, batchCount int, serverDate time.Time) (Result, error) {
	var v validationResponse

	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		// No body, or not JSON: treat the whole batch as sent since the
		// status itself (202/400) doesn't tell us which measurements
		// failed without a validation body.
		return Result{Sent: batchCount, ServerDate: serverDate}, nil
	}

	sent := batchCount - v.ErrorCount
	if sent < 0 {
		sent = 0
	}

	return Result{Sent: sent, DroppedInvalid: v.ErrorCount, ServerDate: serverDate}, nil
}

// DescribeSize renders n bytes human-readably, e.g. "4.2 kB", for log
// fields such as publish payload sizes; no code in this module calls it.
func DescribeSize(n int) string { return humanize.Bytes(uint64(n)) }

// ClockSkewTracker smooths the observed offset between the local clock
// and a publish endpoint's advertised Date header into a rolling
// estimate, per spec.md §4.8's "record clock skew from each response's
// Date header". Wraps pkg/alg/stats.EMA (the teacher's own smoothing
// primitive) rather than a raw running average, matching the teacher's
// own choice of EMA for any "observed vs. expected" drift tracking.
type ClockSkewTracker struct {
	ema *stats.EMA
}

// NewClockSkewTracker returns a tracker smoothing with the given alpha
// in (0, 1].
func NewClockSkewTracker(alpha float64) *ClockSkewTracker {
	return &ClockSkewTracker{ema: stats.NewEMA(alpha)}
}

// Observe folds one Result's ServerDate against localNow into the
// rolling estimate and returns the updated skew. A zero ServerDate (no
// Date header present) is ignored.
func (c *ClockSkewTracker) Observe(localNow time.Time, r Result) time.Duration {
	if r.ServerDate.IsZero() {
		return c.Skew()
	}

	return time.Duration(c.ema.Update(float64(r.ServerDate.Sub(localNow))))
}

// Skew returns the current smoothed clock-skew estimate.
func (c *ClockSkewTracker) Skew() time.Duration {
	return time.Duration(c.ema.Value())
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	w := lz4.NewWriter(&buf)

	if _, err := w.Write(data); err != nil {
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
