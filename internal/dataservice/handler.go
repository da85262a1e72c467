// Package dataservice serves GitHub profile data and stored recaps behind
// the trust-header consumer.
package dataservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/gitrecap/recap/internal/auth"
	"github.com/gitrecap/recap/internal/cache"
	"github.com/gitrecap/recap/internal/github"
	"github.com/gitrecap/recap/internal/recap"
	"github.com/gitrecap/recap/internal/response"
)

// Cache key namespaces. Each is also a tag accepted by the invalidate
// endpoint.
const (
	TagUser   = "github:user"
	TagRepos  = "github:repos"
	TagSearch = "github:search"
)

const maxBodyBytes = 1 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

type usernameParam struct {
	Username string `validate:"required,max=39,printascii,excludesall=/?#%"`
}

type searchParam struct {
	Query string `validate:"required,max=256"`
}

type invalidateRequest struct {
	Tags []string `json:"tags" validate:"required,min=1,dive,required,max=128"`
}

// Handler serves the data service API.
type Handler struct {
	github *github.Client
	cache  *cache.ReadThrough
	recaps *recap.Service
	auth   *auth.Consumer
	logger *slog.Logger

	dev atomic.Bool
	ttl atomic.Int64
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithDevMode exposes server-side error detail in responses.
func WithDevMode(dev bool) Option {
	return func(h *Handler) { h.dev.Store(dev) }
}

// New builds the handler. ttl is the lifetime of cached GitHub responses.
func New(gh *github.Client, rt *cache.ReadThrough, recaps *recap.Service, consumer *auth.Consumer, ttl time.Duration, opts ...Option) *Handler {
	h := &Handler{
		github: gh,
		cache:  rt,
		recaps: recaps,
		auth:   consumer,
		logger: slog.Default(),
	}
	h.ttl.Store(int64(ttl))
	for _, o := range opts {
		o(h)
	}
	return h
}

// SetCacheTTL changes the lifetime of entries stored from now on.
func (h *Handler) SetCacheTTL(d time.Duration) { h.ttl.Store(int64(d)) }

func (h *Handler) cacheTTL() time.Duration { return time.Duration(h.ttl.Load()) }

// Routes returns the service mux. Everything but /ping requires a
// principal.
func (h *Handler) Routes() http.Handler {
	protected := http.NewServeMux()
	protected.HandleFunc("GET /search", h.search)
	protected.HandleFunc("GET /user/{username}", h.user)
	protected.HandleFunc("GET /user/{username}/repos", h.userRepos)
	protected.HandleFunc("GET /fetch/{year}", h.fetchByYear)
	protected.HandleFunc("POST /admin/refresh", h.refresh)
	protected.HandleFunc("POST /admin/purge", h.purge)
	protected.HandleFunc("POST /admin/delete", h.deleteYear)
	protected.HandleFunc("POST /admin/cache/invalidate", h.invalidate)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", h.ping)
	mux.Handle("/", h.auth.Middleware(protected))
	return mux
}

func (h *Handler) ping(w http.ResponseWriter, _ *http.Request) {
	response.Success(w, http.StatusOK, "Data service pinged successfully", "Pong")
}

func (h *Handler) search(w http.ResponseWriter, r *http.Request) {
	p := searchParam{Query: strings.TrimSpace(r.URL.Query().Get("query"))}
	if err := validate.Struct(p); err != nil {
		response.Error(w, http.StatusBadRequest, "validation_error", "Query parameter is required")
		return
	}
	key := cache.Key(TagSearch, p.Query)
	body, err := h.cache.GetOrSet(r.Context(), key, h.cacheTTL(), func(ctx context.Context) (any, error) {
		return h.github.SearchRepositories(ctx, p.Query)
	}, cache.Debounced())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	response.Success(w, http.StatusOK, "Repositories fetched", body)
}

func (h *Handler) user(w http.ResponseWriter, r *http.Request) {
	name, ok := h.username(w, r)
	if !ok {
		return
	}
	body, err := h.cache.GetOrSet(r.Context(), cache.Key(TagUser, name), h.cacheTTL(), func(ctx context.Context) (any, error) {
		return h.github.User(ctx, name)
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	response.Success(w, http.StatusOK, "User data fetched", body)
}

func (h *Handler) userRepos(w http.ResponseWriter, r *http.Request) {
	name, ok := h.username(w, r)
	if !ok {
		return
	}
	body, err := h.cache.GetOrSet(r.Context(), cache.Key(TagRepos, name), h.cacheTTL(), func(ctx context.Context) (any, error) {
		return h.github.UserRepos(ctx, name)
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	response.Success(w, http.StatusOK, "User repositories fetched", body)
}

func (h *Handler) username(w http.ResponseWriter, r *http.Request) (string, bool) {
	p := usernameParam{Username: strings.ToLower(strings.TrimSpace(r.PathValue("username")))}
	if err := validate.Struct(p); err != nil {
		response.Error(w, http.StatusBadRequest, "validation_error", "Username parameter is invalid")
		return "", false
	}
	return p.Username, true
}

func (h *Handler) fetchByYear(w http.ResponseWriter, r *http.Request) {
	year, err := recap.ValidYear(r.PathValue("year"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	rec, err := h.recaps.FetchByYear(r.Context(), year)
	switch {
	case errors.Is(err, recap.ErrNotFound):
		response.Success(w, http.StatusOK, "Data fetched", struct{}{})
	case err != nil:
		h.fail(w, r, err)
	default:
		response.Success(w, http.StatusOK, "Data fetched", rec)
	}
}

type refreshResult struct {
	Year         int            `json:"year"`
	Title        string         `json:"title"`
	Username     string         `json:"username"`
	ImageURL     string         `json:"imageUrl,omitempty"`
	RecordsCount map[string]int `json:"recordsCount"`
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	var req recap.RefreshRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		h.invalid(w, err)
		return
	}

	rec, err := h.recaps.Refresh(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	repos, events, commits := rec.Counts()
	response.Success(w, http.StatusOK,
		fmt.Sprintf("GitHub recap data for %s (%d) refreshed successfully", req.Username, req.Year),
		refreshResult{
			Year:     rec.Year,
			Title:    rec.Title,
			Username: req.Username,
			ImageURL: rec.ImageURL,
			RecordsCount: map[string]int{
				"repositories": repos,
				"events":       events,
				"commits":      commits,
			},
		})
}

func (h *Handler) purge(w http.ResponseWriter, r *http.Request) {
	n, err := h.recaps.Purge(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	response.Success(w, http.StatusOK, "Data purged", map[string]int{"deleted": n})
}

func (h *Handler) deleteYear(w http.ResponseWriter, r *http.Request) {
	var req recap.DeleteRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		h.invalid(w, err)
		return
	}
	err := h.recaps.DeleteByYear(r.Context(), req.Year)
	switch {
	case errors.Is(err, recap.ErrNotFound):
		response.Error(w, http.StatusNotFound, "not_found", fmt.Sprintf("No recap data for year %d", req.Year))
	case err != nil:
		h.fail(w, r, err)
	default:
		response.Success(w, http.StatusOK, fmt.Sprintf("Recap data for year %d deleted successfully", req.Year),
			map[string]int{"year": req.Year})
	}
}

func (h *Handler) invalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := validate.Struct(req); err != nil {
		h.invalid(w, err)
		return
	}
	n := h.cache.Store().InvalidateTags(r.Context(), req.Tags...)
	h.logger.InfoContext(r.Context(), "cache invalidated", "tags", req.Tags, "deleted", n)
	response.Success(w, http.StatusOK, "Cache invalidated", map[string]int{"deleted": n})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		response.Error(w, http.StatusBadRequest, "validation_error", "Request body must be valid JSON")
		return false
	}
	return true
}

func (h *Handler) invalid(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
		response.Error(w, http.StatusBadRequest, "validation_error", strings.Join(fields, "; "))
		return
	}
	response.Error(w, http.StatusBadRequest, "validation_error", err.Error())
}
