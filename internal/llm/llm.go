// Package llm provides text-completion clients for the model providers the
// capability gateway talks to. Provider errors are classified into the
// failure taxonomy here so callers never inspect vendor error types.
package llm

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/ShayCichocki/foresight/internal/failure"
)

// Completion is the text a provider returned for one prompt.
type Completion struct {
	Text string
	// Citations lists source URLs reported by search-backed providers.
	Citations []string
}

// Completer sends a single system + user prompt and returns the reply.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (Completion, error)
	Name() string
}

// KindForStatus maps an HTTP status from a provider onto a failure kind.
func KindForStatus(code int) failure.Kind {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusConflict, code == http.StatusTooManyRequests:
		return failure.Transient
	case code >= 500:
		return failure.Transient
	case code >= 400:
		return failure.Permanent
	default:
		return failure.Unknown
	}
}

// classify wraps a provider error with its failure kind. status is the HTTP
// status extracted from the SDK error, or 0 if there was none.
func classify(op string, err error, status int) error {
	if status != 0 {
		return failure.New(KindForStatus(status), op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return failure.New(failure.Transient, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return failure.New(failure.Transient, op, err)
	}
	return failure.New(failure.Unknown, op, err)
}
