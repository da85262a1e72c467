package recap

import (
	"encoding/json"
	"time"
)

// Profile is the subset of a GitHub user profile used for stats.
type Profile struct {
	Followers   int `json:"followers"`
	Following   int `json:"following"`
	PublicRepos int `json:"public_repos"`
	PublicGists int `json:"public_gists"`
}

// Repo is the subset of a GitHub repository used for stats.
type Repo struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Language  string    `json:"language"`
	Stars     int       `json:"stargazers_count"`
	Forks     int       `json:"forks_count"`
}

// Event is the subset of a GitHub public event used for stats.
type Event struct {
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Repo      struct {
		Name string `json:"name"`
	} `json:"repo"`
}

// Commit is the subset of a commit search item used for stats.
type Commit struct {
	Commit struct {
		Author struct {
			Date time.Time `json:"date"`
		} `json:"author"`
	} `json:"commit"`
}

// Stats summarises one user's year on GitHub.
type Stats struct {
	Year          int               `json:"year"`
	Profile       ProfileStats      `json:"profile"`
	Repositories  RepositoryStats   `json:"repositories"`
	Activity      ActivityStats     `json:"activity"`
	Contributions ContributionStats `json:"contributions"`
}

type ProfileStats struct {
	Followers   int `json:"followers"`
	Following   int `json:"following"`
	PublicRepos int `json:"publicRepos"`
	PublicGists int `json:"publicGists"`
}

type RepositoryStats struct {
	Total      int            `json:"total"`
	Created    int            `json:"created"`
	TotalStars int            `json:"totalStars"`
	TotalForks int            `json:"totalForks"`
	Languages  map[string]int `json:"languages"`
}

type ActivityStats struct {
	TotalEvents    int            `json:"totalEvents"`
	TotalCommits   int            `json:"totalCommits"`
	EventTypes     map[string]int `json:"eventTypes"`
	CommitsByMonth [12]int        `json:"commitsByMonth"`
	MostActiveRepo string         `json:"mostActiveRepo,omitempty"`
}

type ContributionStats struct {
	PushEvents   int `json:"pushEvents"`
	PullRequests int `json:"pullRequests"`
	Issues       int `json:"issues"`
	Reviews      int `json:"reviews"`
}

// ComputeStats derives the year summary. profile may be nil.
func ComputeStats(year int, profile *Profile, repos []Repo, events []Event, commits []Commit) Stats {
	s := Stats{Year: year}
	if profile != nil {
		s.Profile = ProfileStats{
			Followers:   profile.Followers,
			Following:   profile.Following,
			PublicRepos: profile.PublicRepos,
			PublicGists: profile.PublicGists,
		}
	}

	s.Repositories.Total = len(repos)
	s.Repositories.Languages = make(map[string]int)
	for _, r := range repos {
		if r.CreatedAt.UTC().Year() == year {
			s.Repositories.Created++
		}
		s.Repositories.TotalStars += r.Stars
		s.Repositories.TotalForks += r.Forks
		if r.Language != "" {
			s.Repositories.Languages[r.Language]++
		}
	}

	s.Activity.TotalEvents = len(events)
	s.Activity.TotalCommits = len(commits)
	s.Activity.EventTypes = make(map[string]int)

	repoCounts := make(map[string]int)
	var order []string
	for _, e := range events {
		s.Activity.EventTypes[e.Type]++
		if name := e.Repo.Name; name != "" {
			if repoCounts[name] == 0 {
				order = append(order, name)
			}
			repoCounts[name]++
		}
	}
	// Ties go to the repository seen first.
	best := 0
	for _, name := range order {
		if repoCounts[name] > best {
			best = repoCounts[name]
			s.Activity.MostActiveRepo = name
		}
	}

	for _, c := range commits {
		if d := c.Commit.Author.Date; !d.IsZero() {
			s.Activity.CommitsByMonth[d.UTC().Month()-1]++
		}
	}

	s.Contributions = ContributionStats{
		PushEvents:   s.Activity.EventTypes["PushEvent"],
		PullRequests: s.Activity.EventTypes["PullRequestEvent"],
		Issues:       s.Activity.EventTypes["IssuesEvent"],
		Reviews:      s.Activity.EventTypes["PullRequestReviewEvent"],
	}
	return s
}

// yearBounds returns the first and last instant of year in UTC.
func yearBounds(year int) (time.Time, time.Time) {
	start := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(year, time.December, 31, 23, 59, 59, 0, time.UTC)
	return start, end
}

func within(t, start, end time.Time) bool {
	return !t.Before(start) && !t.After(end)
}

// decodeItems decodes each raw item into T, keeping the raw form alongside.
// Items that do not decode are dropped.
func decodeItems[T any](raw []json.RawMessage) ([]json.RawMessage, []T) {
	keptRaw := make([]json.RawMessage, 0, len(raw))
	items := make([]T, 0, len(raw))
	for _, r := range raw {
		var v T
		if err := json.Unmarshal(r, &v); err != nil {
			continue
		}
		keptRaw = append(keptRaw, r)
		items = append(items, v)
	}
	return keptRaw, items
}
