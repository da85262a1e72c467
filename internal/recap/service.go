// Package recap builds and stores the yearly GitHub summary.
package recap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"github.com/gitrecap/recap/internal/github"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Recap is everything fetched from GitHub for one user and year.
type Recap struct {
	Username     string            `json:"username"`
	Year         int               `json:"year"`
	Profile      json.RawMessage   `json:"profile"`
	Repositories []json.RawMessage `json:"repositories"`
	Events       []json.RawMessage `json:"events"`
	Commits      []json.RawMessage `json:"commits"`
	Stats        Stats             `json:"stats"`
	FetchedAt    time.Time         `json:"fetchedAt"`
}

// Record is the stored form of a recap.
type Record struct {
	Year      int       `json:"year"`
	Title     string    `json:"title"`
	ImageURL  string    `json:"imageUrl,omitempty"`
	Payload   Recap     `json:"payload"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Counts returns the number of repositories, events and commits held.
func (r *Record) Counts() (repos, events, commits int) {
	return len(r.Payload.Repositories), len(r.Payload.Events), len(r.Payload.Commits)
}

// RefreshRequest asks for a year's recap to be rebuilt from GitHub using
// the caller's own token.
type RefreshRequest struct {
	Year        int    `json:"year" validate:"required,min=1970,max=9999"`
	Username    string `json:"username" validate:"required,min=1,max=39"`
	GitHubToken string `json:"githubToken" validate:"required,min=20"`
	Title       string `json:"title" validate:"omitempty,max=200"`
	ImageURL    string `json:"imageUrl" validate:"omitempty,uri"`
}

// Validate trims string fields and checks the request.
func (r *RefreshRequest) Validate() error {
	r.Username = strings.TrimSpace(r.Username)
	r.GitHubToken = strings.TrimSpace(r.GitHubToken)
	r.Title = strings.TrimSpace(r.Title)
	r.ImageURL = strings.TrimSpace(r.ImageURL)
	return validate.Struct(r)
}

// DeleteRequest names the year to delete.
type DeleteRequest struct {
	Year int `json:"year" validate:"required,min=1970,max=9999"`
}

// Validate checks the request.
func (r *DeleteRequest) Validate() error {
	return validate.Struct(r)
}

// ValidYear parses and range-checks a year path segment.
func ValidYear(s string) (int, error) {
	year, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.New("year must be a number")
	}
	if err := validate.Var(year, "min=1970,max=9999"); err != nil {
		return 0, errors.New("year must be between 1970 and 9999")
	}
	return year, nil
}

// Service fetches recaps from GitHub and keeps them in the store.
type Service struct {
	github *github.Client
	store  *Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a recap service.
func NewService(gh *github.Client, store *Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{github: gh, store: store, logger: logger, now: time.Now}
}

// FetchByYear returns the stored record for year, or ErrNotFound.
func (s *Service) FetchByYear(ctx context.Context, year int) (*Record, error) {
	return s.store.Get(ctx, year)
}

// Refresh rebuilds and upserts the recap described by req. The request must
// already be validated.
func (s *Service) Refresh(ctx context.Context, req RefreshRequest) (*Record, error) {
	rc, err := s.Collect(ctx, s.github.WithToken(req.GitHubToken), req.Username, req.Year)
	if err != nil {
		return nil, err
	}

	title := req.Title
	if title == "" {
		title = fmt.Sprintf("%s's %d GitHub Recap", req.Username, req.Year)
	}
	now := s.now().UTC()
	rec := &Record{
		Year:      req.Year,
		Title:     title,
		ImageURL:  req.ImageURL,
		Payload:   *rc,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if prev, err := s.store.Get(ctx, req.Year); err == nil {
		rec.CreatedAt = prev.CreatedAt
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err := s.store.Put(ctx, rec); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "recap refreshed", "year", req.Year, "username", req.Username,
		"repositories", len(rc.Repositories), "events", len(rc.Events), "commits", len(rc.Commits))
	return rec, nil
}

// Purge deletes every stored recap.
func (s *Service) Purge(ctx context.Context) (int, error) {
	return s.store.Purge(ctx)
}

// DeleteByYear deletes one stored recap, or returns ErrNotFound.
func (s *Service) DeleteByYear(ctx context.Context, year int) error {
	return s.store.Delete(ctx, year)
}

// Collect fetches the profile, repositories, public events and commits of
// username for year in parallel and computes the stats. A failed profile
// fetch fails the whole call; the other lists degrade to empty.
func (s *Service) Collect(ctx context.Context, gh *github.Client, username string, year int) (*Recap, error) {
	start, end := yearBounds(year)
	user := url.PathEscape(username)

	var (
		profileRaw json.RawMessage
		reposRaw   []json.RawMessage
		eventsRaw  []json.RawMessage
		commitsRaw []json.RawMessage
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return gh.Get(gctx, "/users/"+user, nil, &profileRaw)
	})
	g.Go(func() error {
		q := url.Values{"per_page": {"100"}, "type": {"all"}, "sort": {"updated"}}
		s.optional(gctx, "repositories", gh.Get(gctx, "/users/"+user+"/repos", q, &reposRaw))
		return nil
	})
	g.Go(func() error {
		q := url.Values{"per_page": {"100"}}
		s.optional(gctx, "events", gh.Get(gctx, "/users/"+user+"/events/public", q, &eventsRaw))
		return nil
	})
	g.Go(func() error {
		var page struct {
			Items []json.RawMessage `json:"items"`
		}
		q := url.Values{
			"q":        {fmt.Sprintf("author:%s committer-date:%d-01-01..%d-12-31", username, year, year)},
			"per_page": {"100"},
		}
		if err := gh.Get(gctx, "/search/commits", q, &page); err != nil {
			s.optional(gctx, "commits", err)
			return nil
		}
		commitsRaw = page.Items
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var profile *Profile
	if len(profileRaw) > 0 && string(profileRaw) != "null" {
		profile = &Profile{}
		if err := json.Unmarshal(profileRaw, profile); err != nil {
			profile = nil
		}
	}

	reposRaw, repos := decodeItems[Repo](reposRaw)
	keptRepos := make([]json.RawMessage, 0, len(repos))
	var yearRepos []Repo
	for i, r := range repos {
		if within(r.CreatedAt, start, end) || within(r.UpdatedAt, start, end) {
			keptRepos = append(keptRepos, reposRaw[i])
			yearRepos = append(yearRepos, r)
		}
	}

	eventsRaw, events := decodeItems[Event](eventsRaw)
	keptEvents := make([]json.RawMessage, 0, len(events))
	var yearEvents []Event
	for i, e := range events {
		if within(e.CreatedAt, start, end) {
			keptEvents = append(keptEvents, eventsRaw[i])
			yearEvents = append(yearEvents, e)
		}
	}

	commitsRaw, commits := decodeItems[Commit](commitsRaw)

	return &Recap{
		Username:     username,
		Year:         year,
		Profile:      profileRaw,
		Repositories: keptRepos,
		Events:       keptEvents,
		Commits:      commitsRaw,
		Stats:        ComputeStats(year, profile, yearRepos, yearEvents, commits),
		FetchedAt:    s.now().UTC(),
	}, nil
}

func (s *Service) optional(ctx context.Context, what string, err error) {
	if err != nil {
		s.logger.WarnContext(ctx, "recap: partial data, continuing without "+what, "error", err)
	}
}
