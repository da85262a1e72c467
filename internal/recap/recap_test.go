package recap

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitrecap/recap/internal/config"
	"github.com/gitrecap/recap/internal/github"
	"github.com/gitrecap/recap/internal/redis"
)

func mustTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestComputeStats(t *testing.T) {
	repos := []Repo{
		{CreatedAt: mustTime("2024-03-01T00:00:00Z"), Language: "Go", Stars: 10, Forks: 2},
		{CreatedAt: mustTime("2021-03-01T00:00:00Z"), Language: "Go", Stars: 5},
		{CreatedAt: mustTime("2024-07-01T00:00:00Z"), Language: "", Forks: 1},
	}
	ev := func(typ, repo string) Event {
		e := Event{Type: typ}
		e.Repo.Name = repo
		return e
	}
	events := []Event{
		ev("PushEvent", "o/b"),
		ev("PushEvent", "o/a"),
		ev("PullRequestEvent", "o/a"),
		ev("PushEvent", "o/b"),
		ev("PullRequestReviewEvent", ""),
		ev("IssuesEvent", "o/c"),
	}
	commit := func(date string) Commit {
		var c Commit
		if date != "" {
			c.Commit.Author.Date = mustTime(date)
		}
		return c
	}
	commits := []Commit{commit("2024-01-05T10:00:00Z"), commit("2024-01-20T10:00:00Z"), commit("2024-12-31T23:00:00Z"), commit("")}

	s := ComputeStats(2024, &Profile{Followers: 7, Following: 3, PublicRepos: 12, PublicGists: 1}, repos, events, commits)

	assert.Equal(t, 2024, s.Year)
	assert.Equal(t, ProfileStats{Followers: 7, Following: 3, PublicRepos: 12, PublicGists: 1}, s.Profile)
	assert.Equal(t, 3, s.Repositories.Total)
	assert.Equal(t, 2, s.Repositories.Created)
	assert.Equal(t, 15, s.Repositories.TotalStars)
	assert.Equal(t, 3, s.Repositories.TotalForks)
	assert.Equal(t, map[string]int{"Go": 2}, s.Repositories.Languages)

	assert.Equal(t, 6, s.Activity.TotalEvents)
	assert.Equal(t, 4, s.Activity.TotalCommits)
	assert.Equal(t, 3, s.Activity.EventTypes["PushEvent"])
	assert.Equal(t, [12]int{2, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}, s.Activity.CommitsByMonth)
	assert.Equal(t, "o/b", s.Activity.MostActiveRepo, "tie goes to the first seen repository")

	assert.Equal(t, ContributionStats{PushEvents: 3, PullRequests: 1, Issues: 1, Reviews: 1}, s.Contributions)
}

func TestComputeStatsEmpty(t *testing.T) {
	s := ComputeStats(2023, nil, nil, nil, nil)
	assert.Zero(t, s.Profile)
	assert.Empty(t, s.Activity.MostActiveRepo)

	b, err := json.Marshal(s)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "mostActiveRepo")
	assert.Contains(t, string(b), `"languages":{}`)
}

func newTestRedis(t *testing.T) (redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.NewClient(config.RedisConfig{
		Endpoints: []string{mr.Addr()},
		Mode:      config.RedisModeSingle,
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestStore(t *testing.T) {
	client, mr := newTestRedis(t)
	store := NewStore(client)
	ctx := context.Background()

	_, err := store.Get(ctx, 2024)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put(ctx, &Record{Year: 2024, Title: "t"}))
	require.NoError(t, store.Put(ctx, &Record{Year: 2023, Title: "u"}))
	assert.Zero(t, mr.TTL(KeyPrefix+"2024"), "records never expire")

	rec, err := store.Get(ctx, 2024)
	require.NoError(t, err)
	assert.Equal(t, "t", rec.Title)

	require.NoError(t, store.Delete(ctx, 2024))
	assert.ErrorIs(t, store.Delete(ctx, 2024), ErrNotFound)

	require.NoError(t, mr.Set("github:user:x", "{}"))
	n, err := store.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"github:user:x"}, mr.Keys())
}

func TestRequestValidation(t *testing.T) {
	valid := RefreshRequest{Year: 2024, Username: "  octocat ", GitHubToken: "ghp_0123456789abcdefghij"}
	require.NoError(t, valid.Validate())
	assert.Equal(t, "octocat", valid.Username)

	bad := []RefreshRequest{
		{Year: 1969, Username: "octocat", GitHubToken: "ghp_0123456789abcdefghij"},
		{Year: 2024, Username: "   ", GitHubToken: "ghp_0123456789abcdefghij"},
		{Year: 2024, Username: "octocat", GitHubToken: "short"},
		{Year: 2024, Username: "octocat", GitHubToken: "ghp_0123456789abcdefghij", ImageURL: "not a uri"},
		{Year: 2024, Username: "a-username-that-is-way-too-long-for-github", GitHubToken: "ghp_0123456789abcdefghij"},
	}
	for i, r := range bad {
		assert.Error(t, r.Validate(), "case %d", i)
	}

	assert.NoError(t, (&DeleteRequest{Year: 2020}).Validate())
	assert.Error(t, (&DeleteRequest{}).Validate())

	y, err := ValidYear("2024")
	require.NoError(t, err)
	assert.Equal(t, 2024, y)
	_, err = ValidYear("abc")
	assert.Error(t, err)
	_, err = ValidYear("10000")
	assert.Error(t, err)
}

func stubGitHub(t *testing.T, profileStatus int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/octocat", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer ghp_0123456789abcdefghij", r.Header.Get("Authorization"))
		if profileStatus != http.StatusOK {
			w.WriteHeader(profileStatus)
			_, _ = w.Write([]byte(`{"message":"Not Found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"login":"octocat","followers":9,"following":1,"public_repos":8,"public_gists":0}`))
	})
	mux.HandleFunc("GET /users/octocat/repos", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "100", r.URL.Query().Get("per_page"))
		assert.Equal(t, "all", r.URL.Query().Get("type"))
		_, _ = w.Write([]byte(`[
			{"name":"new","created_at":"2024-02-01T00:00:00Z","updated_at":"2024-05-01T00:00:00Z","language":"Go","stargazers_count":3,"forks_count":1},
			{"name":"touched","created_at":"2020-02-01T00:00:00Z","updated_at":"2024-06-01T00:00:00Z","language":"Rust","stargazers_count":2,"forks_count":0},
			{"name":"stale","created_at":"2019-02-01T00:00:00Z","updated_at":"2022-06-01T00:00:00Z","language":"C","stargazers_count":50,"forks_count":5}
		]`))
	})
	mux.HandleFunc("GET /users/octocat/events/public", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[
			{"type":"PushEvent","created_at":"2024-06-01T00:00:00Z","repo":{"name":"octocat/new"}},
			{"type":"PushEvent","created_at":"2023-12-31T23:59:59Z","repo":{"name":"octocat/old"}}
		]`))
	})
	mux.HandleFunc("GET /search/commits", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "author:octocat committer-date:2024-01-01..2024-12-31", r.URL.Query().Get("q"))
		_, _ = w.Write([]byte(`{"total_count":1,"items":[{"sha":"abc","commit":{"author":{"date":"2024-03-03T00:00:00Z"}}}]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestService(t *testing.T, ghURL string) (*Service, *Store) {
	t.Helper()
	client, _ := newTestRedis(t)
	gh, err := github.New(config.GitHubConfig{BaseURL: ghURL, Timeout: "2s"})
	require.NoError(t, err)
	store := NewStore(client)
	svc := NewService(gh, store, nil)
	svc.now = func() time.Time { return mustTime("2025-01-02T03:04:05Z") }
	return svc, store
}

func TestServiceRefresh(t *testing.T) {
	srv := stubGitHub(t, http.StatusOK)
	svc, store := newTestService(t, srv.URL)
	ctx := context.Background()

	req := RefreshRequest{Year: 2024, Username: "octocat", GitHubToken: "ghp_0123456789abcdefghij"}
	rec, err := svc.Refresh(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, "octocat's 2024 GitHub Recap", rec.Title)
	repos, events, commits := rec.Counts()
	assert.Equal(t, 2, repos)
	assert.Equal(t, 1, events)
	assert.Equal(t, 1, commits)
	assert.Equal(t, 1, rec.Payload.Stats.Repositories.Created)
	assert.Equal(t, 5, rec.Payload.Stats.Repositories.TotalStars)
	assert.Equal(t, 9, rec.Payload.Stats.Profile.Followers)
	assert.Equal(t, 1, rec.Payload.Stats.Activity.CommitsByMonth[2])
	assert.Equal(t, "octocat/new", rec.Payload.Stats.Activity.MostActiveRepo)

	stored, err := store.Get(ctx, 2024)
	require.NoError(t, err)
	assert.Equal(t, rec.Title, stored.Title)
	assert.JSONEq(t, string(rec.Payload.Profile), string(stored.Payload.Profile))

	t.Run("upsert keeps creation time", func(t *testing.T) {
		svc.now = func() time.Time { return mustTime("2025-02-01T00:00:00Z") }
		req.Title = "Custom"
		again, err := svc.Refresh(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, "Custom", again.Title)
		assert.True(t, again.CreatedAt.Equal(mustTime("2025-01-02T03:04:05Z")))
		assert.True(t, again.UpdatedAt.Equal(mustTime("2025-02-01T00:00:00Z")))
	})
}

func TestServiceRefreshProfileErrorPropagates(t *testing.T) {
	srv := stubGitHub(t, http.StatusNotFound)
	svc, store := newTestService(t, srv.URL)

	_, err := svc.Refresh(context.Background(), RefreshRequest{Year: 2024, Username: "octocat", GitHubToken: "ghp_0123456789abcdefghij"})
	assert.ErrorIs(t, err, github.ErrNotFound)

	_, err = store.Get(context.Background(), 2024)
	assert.ErrorIs(t, err, ErrNotFound, "nothing stored on failure")
}

func TestServiceCollectDegradesOptionalLists(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/octocat", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"login":"octocat"}`))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = fmt.Fprintf(w, `{"message":"nope %s"}`, r.URL.Path)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	svc, _ := newTestService(t, srv.URL)

	rc, err := svc.Collect(context.Background(), svc.github, "octocat", 2024)
	require.NoError(t, err)
	assert.Empty(t, rc.Repositories)
	assert.Empty(t, rc.Events)
	assert.Empty(t, rc.Commits)
	assert.True(t, rc.FetchedAt.Equal(mustTime("2025-01-02T03:04:05Z")))
}

func TestServiceDeleteAndPurge(t *testing.T) {
	svc, store := newTestService(t, "http://127.0.0.1:1")
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &Record{Year: 2022}))
	require.NoError(t, store.Put(ctx, &Record{Year: 2023}))

	rec, err := svc.FetchByYear(ctx, 2022)
	require.NoError(t, err)
	assert.Equal(t, 2022, rec.Year)

	require.NoError(t, svc.DeleteByYear(ctx, 2022))
	assert.ErrorIs(t, svc.DeleteByYear(ctx, 2022), ErrNotFound)

	n, err := svc.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
