package dataservice

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gitrecap/recap/internal/github"
	"github.com/gitrecap/recap/internal/response"
)

// statusClientClosedRequest is logged when the caller went away first.
const statusClientClosedRequest = 499

// upstreamStatus maps a classified GitHub failure to the status returned
// to the caller.
func upstreamStatus(ge *github.Error) int {
	switch ge.Kind {
	case github.KindRateLimited:
		return http.StatusTooManyRequests
	case github.KindNotFound:
		return http.StatusNotFound
	case github.KindUnauthorized:
		return http.StatusUnauthorized
	}
	if ge.StatusCode >= 400 {
		return ge.StatusCode
	}
	return http.StatusBadGateway
}

// fail writes the error envelope for err. Upstream failures keep their
// kind; anything else is an internal error.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()

	if ge, ok := github.AsError(err); ok {
		code := upstreamStatus(ge)
		h.logger.WarnContext(ctx, "github request failed",
			"path", r.URL.Path, "kind", ge.Kind.String(), "status", ge.StatusCode, "error", ge.Message)
		if ge.Kind == github.KindRateLimited {
			response.RateLimited(w, ge.Kind.String(), "GitHub API rate limit exceeded", ge.RetryAfter(time.Now()))
			return
		}
		response.Error(w, code, ge.Kind.String(), response.Mask(h.dev.Load(), code, ge.Message))
		return
	}

	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		h.logger.DebugContext(ctx, "request canceled by client", "path", r.URL.Path)
		w.WriteHeader(statusClientClosedRequest)
		return
	}

	h.logger.ErrorContext(ctx, "request failed", "path", r.URL.Path, "error", err)
	response.Error(w, http.StatusInternalServerError, "internal_error",
		response.Mask(h.dev.Load(), http.StatusInternalServerError, err.Error()))
}
