package s3fs

import (
	"context"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	smithy "github.com/aws/smithy-go"
)

// ErrorDetail is the abstract shape a RetryStrategy reasons about,
// decoupled from the AWS SDK's own error types so user-supplied
// strategies never need to import aws-sdk-go-v2 themselves.
type ErrorDetail struct {
	ErrorCode     string
	Message       string
	ExceptionName string
	TransientHint bool
}

// RetryStrategy decides whether and how long to wait before retrying a
// failed S3 call, and is also consulted by the CompleteMultipartUpload
// 200-with-embedded-error workaround (§4.G) with a synthesized
// ErrorDetail built from the response body.
type RetryStrategy interface {
	ShouldRetry(detail ErrorDetail, attempt int) bool
	Delay(detail ErrorDetail, attempt int) time.Duration
}

// defaultRetryStrategy is exponential backoff (with a deterministic
// shortening on odd attempts, see Delay) over a fixed retryable-error
// set, grounded on the pack's customRetryer: it treats
// InternalError, RequestTimeout, RequestTimeTooSkewed, SlowDown, and
// connection-reset/timeout text as retryable, and refuses to retry
// ExpiredToken/InvalidToken even if TransientHint is set.
type defaultRetryStrategy struct {
	maxAttempts int
	base        time.Duration
	max         time.Duration
}

// NewDefaultRetryStrategy returns the built-in RetryStrategy used when
// Options.RetryStrategy is nil.
func NewDefaultRetryStrategy() RetryStrategy {
	return &defaultRetryStrategy{maxAttempts: 3, base: 200 * time.Millisecond, max: 5 * time.Second}
}

var nonRetryableCodes = map[string]struct{}{
	"ExpiredToken":         {},
	"InvalidToken":         {},
	"AccessDenied":         {},
	"InvalidAccessKeyId":   {},
	"SignatureDoesNotMatch": {},
}

var retryableCodes = map[string]struct{}{
	"InternalError":        {},
	"RequestTimeout":       {},
	"RequestTimeTooSkewed": {},
	"SlowDown":             {},
	"ServiceUnavailable":   {},
	"Throttling":           {},
	"ThrottlingException":  {},
}

func (d *defaultRetryStrategy) ShouldRetry(detail ErrorDetail, attempt int) bool {
	if attempt >= d.maxAttempts {
		return false
	}
	if _, deny := nonRetryableCodes[detail.ErrorCode]; deny {
		return false
	}
	if _, ok := retryableCodes[detail.ErrorCode]; ok {
		return true
	}
	msg := strings.ToLower(detail.Message)
	if strings.Contains(msg, "connection reset") || strings.Contains(msg, "timeout") || strings.Contains(msg, "eof") {
		return true
	}
	return detail.TransientHint
}

func (d *defaultRetryStrategy) Delay(_ ErrorDetail, attempt int) time.Duration {
	delay := d.base << attempt
	if delay > d.max || delay <= 0 {
		delay = d.max
	}
	// No random jitter: the spread is derived from the delay and the
	// attempt number only. Even attempts wait the full delay; odd attempts
	// wait delay - (delay/2)/(attempt+1).
	spread := delay / 2
	if attempt%2 == 1 {
		return delay - spread/time.Duration(attempt+1)
	}
	return delay
}

// retryerAdapter bridges a RetryStrategy into aws.Retryer, the interface
// the SDK's client actually calls into.
type retryerAdapter struct {
	strategy RetryStrategy
}

func newRetryerAdapter(strategy RetryStrategy) aws.Retryer {
	if strategy == nil {
		strategy = NewDefaultRetryStrategy()
	}
	return &retryerAdapter{strategy: strategy}
}

func (r *retryerAdapter) IsErrorRetryable(err error) bool {
	return r.strategy.ShouldRetry(detailFromError(err), 0)
}

func (r *retryerAdapter) MaxAttempts() int {
	return 3
}

func (r *retryerAdapter) RetryDelay(attempt int, err error) (time.Duration, error) {
	return r.strategy.Delay(detailFromError(err), attempt), nil
}

func (r *retryerAdapter) GetRetryToken(_ context.Context, _ error) (func(error) error, error) {
	return func(error) error { return nil }, nil
}

func (r *retryerAdapter) GetInitialToken() func(error) error {
	return func(error) error { return nil }
}

// detailFromError converts an SDK/smithy error into the abstract
// ErrorDetail a RetryStrategy reasons about.
func detailFromError(err error) ErrorDetail {
	if err == nil {
		return ErrorDetail{}
	}
	var apiErr smithy.APIError
	if asAPIError(err, &apiErr) {
		return ErrorDetail{
			ErrorCode:     apiErr.ErrorCode(),
			Message:       apiErr.ErrorMessage(),
			ExceptionName: apiErr.ErrorCode(),
			TransientHint: apiErr.ErrorFault() == smithy.FaultServer,
		}
	}
	return ErrorDetail{Message: err.Error(), TransientHint: true}
}

// asAPIError walks err's Unwrap chain looking for a smithy.APIError,
// equivalent to errors.As but without pulling in the errors package for
// one call site.
func asAPIError(err error, target *smithy.APIError) bool {
	for err != nil {
		if ae, ok := err.(smithy.APIError); ok {
			*target = ae
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
