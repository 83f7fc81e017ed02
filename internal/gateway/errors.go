package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v84/github"
	"github.com/naka-gawa/github-interactions/internal/domain"
)

// classify maps a go-github error onto the transient/permanent taxonomy.
// Context errors pass through so callers can tell cancellation apart. now
// anchors the retry hint of primary rate-limit rejections.
func classify(ctx context.Context, now time.Time, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return &domain.TransientError{Op: op, RetryAfter: max(rateErr.Rate.Reset.Sub(now), 0), Err: err}
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return &domain.TransientError{Op: op, RetryAfter: abuseErr.GetRetryAfter(), Err: err}
	}
	var acceptedErr *github.AcceptedError
	if errors.As(err, &acceptedErr) {
		return &domain.TransientError{Op: op, Err: err}
	}
	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		status := respErr.Response.StatusCode
		if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
			return &domain.TransientError{Op: op, Err: err}
		}
		return &domain.PermanentError{Op: op, StatusCode: status, Err: err}
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return &domain.PermanentError{Op: op, Err: err}
	}
	// Anything else failed below HTTP: DNS, connection resets, timeouts.
	return &domain.TransientError{Op: op, Err: err}
}

// classifyGraphQL inspects githubv4 errors, which only carry the HTTP status in
// their message.
func classifyGraphQL(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	msg := err.Error()
	const marker = "non-200 OK status code: "
	if i := strings.Index(msg, marker); i >= 0 {
		status := msg[i+len(marker):]
		switch {
		case strings.HasPrefix(status, "5"), strings.HasPrefix(status, "403"), strings.HasPrefix(status, "429"):
			return &domain.TransientError{Op: op, Err: err}
		default:
			return &domain.PermanentError{Op: op, Err: err}
		}
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return &domain.TransientError{Op: op, Err: err}
	}
	// A 200 with a GraphQL errors list, e.g. NOT_FOUND for an unknown login.
	return &domain.PermanentError{Op: op, Err: err}
}
