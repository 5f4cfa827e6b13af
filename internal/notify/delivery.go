package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const errorBodyLimit = 1024

// deliveryPolicy bounds the outbound traffic of one notifier.
type deliveryPolicy struct {
	timeout        time.Duration
	every          time.Duration
	burst          int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	maxElapsed     time.Duration
}

func defaultPolicy() deliveryPolicy {
	return deliveryPolicy{
		timeout:        10 * time.Second,
		every:          time.Second,
		burst:          1,
		initialBackoff: time.Second,
		maxBackoff:     10 * time.Second,
		maxElapsed:     30 * time.Second,
	}
}

// DeliveryOption tunes rate limiting and retries for HTTP notifiers.
type DeliveryOption func(*deliveryPolicy)

// WithRateLimit allows burst deliveries per source, refilled every interval.
func WithRateLimit(every time.Duration, burst int) DeliveryOption {
	return func(p *deliveryPolicy) {
		if every > 0 {
			p.every = every
		}
		if burst > 0 {
			p.burst = burst
		}
	}
}

// WithBackoff sets the exponential retry schedule for transient failures.
func WithBackoff(initial, maxInterval, maxElapsed time.Duration) DeliveryOption {
	return func(p *deliveryPolicy) {
		p.initialBackoff = initial
		p.maxBackoff = maxInterval
		p.maxElapsed = maxElapsed
	}
}

// WithRequestTimeout bounds a single HTTP attempt.
func WithRequestTimeout(d time.Duration) DeliveryOption {
	return func(p *deliveryPolicy) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// deliveryError describes one failed POST. Status is zero for transport failures.
type deliveryError struct {
	target     string
	status     string
	code       int
	body       string
	retryAfter time.Duration
	err        error
}

func (e *deliveryError) Error() string {
	switch {
	case e.err != nil:
		return fmt.Sprintf("%s delivery failed: %v", e.target, e.err)
	case e.body != "":
		return fmt.Sprintf("%s delivery failed: %s (%s)", e.target, e.status, e.body)
	default:
		return fmt.Sprintf("%s delivery failed: %s", e.target, e.status)
	}
}

func (e *deliveryError) Unwrap() error { return e.err }

func (e *deliveryError) transient() bool {
	return e.code == 0 || e.code == http.StatusTooManyRequests || e.code >= http.StatusInternalServerError
}

// hintedBackOff prefers a server-provided Retry-After over the exponential schedule.
type hintedBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (h *hintedBackOff) NextBackOff() time.Duration {
	if h.hint > 0 {
		wait := h.hint
		h.hint = 0
		return wait
	}
	return h.BackOff.NextBackOff()
}

// deliverer posts JSON payloads to one endpoint with per-source rate limiting.
type deliverer struct {
	logger  zerolog.Logger
	target  string
	url     string
	client  *retryablehttp.Client
	policy  deliveryPolicy
	mu      sync.Mutex
	sources map[string]*rate.Limiter
}

func newDeliverer(logger zerolog.Logger, target, url string, policy deliveryPolicy) *deliverer {
	client := retryablehttp.NewClient()
	// Retries are driven by deliver so Retry-After and the rate limiter stay in one place.
	client.RetryMax = 0
	client.CheckRetry = func(context.Context, *http.Response, error) (bool, error) { return false, nil }
	client.Logger = nil
	client.HTTPClient = &http.Client{Timeout: policy.timeout}

	return &deliverer{
		logger:  logger.With().Str("target", target).Logger(),
		target:  target,
		url:     url,
		client:  client,
		policy:  policy,
		sources: make(map[string]*rate.Limiter),
	}
}

func (d *deliverer) limiter(source string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()

	if l, ok := d.sources[source]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Every(d.policy.every), d.policy.burst)
	d.sources[source] = l
	return l
}

// admit blocks until source may send again or ctx ends.
func (d *deliverer) admit(ctx context.Context, source string) error {
	return d.limiter(source).Wait(ctx)
}

// deliver posts payload, retrying transient failures until the policy gives up.
func (d *deliverer) deliver(ctx context.Context, payload []byte) error {
	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = d.policy.initialBackoff
	schedule.MaxInterval = d.policy.maxBackoff
	schedule.MaxElapsedTime = d.policy.maxElapsed
	hinted := &hintedBackOff{BackOff: schedule}

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := d.post(ctx, payload)
		if err == nil {
			return nil
		}
		var failed *deliveryError
		if errors.As(err, &failed) && failed.transient() {
			hinted.hint = failed.retryAfter
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(hinted, ctx), func(err error, wait time.Duration) {
		d.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("notification delivery failed, retrying")
	})
}

func (d *deliverer) post(ctx context.Context, payload []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, d.policy.timeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(reqCtx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", d.target, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return &deliveryError{target: d.target, err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, errorBodyLimit))
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	failed := &deliveryError{
		target: d.target,
		status: resp.Status,
		code:   resp.StatusCode,
		body:   strings.TrimSpace(string(body)),
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		failed.retryAfter = retryAfter(resp.Header.Get("Retry-After"), time.Now())
	}
	return failed
}

// retryAfter parses a Retry-After header given as seconds or an HTTP date.
// Zero means no usable hint.
func retryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if when, err := http.ParseTime(value); err == nil && when.After(now) {
		return when.Sub(now)
	}
	return 0
}
