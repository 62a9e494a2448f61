package contributors

import (
	"slices"
	"strings"
)

// Fold records one commit's activity for username in acc and returns the updated accumulator.
// A new contributor or a new repository starts at one commit; a repeated
// (username, repository) pair increments the count and keeps the later commit time.
// Fold may reuse acc's storage.
func Fold(acc []Contributor, activity RepositoryActivity, username string) []Contributor {
	idx := slices.IndexFunc(acc, func(c Contributor) bool {
		return c.Username == username
	})
	activity.NumberOfCommits = 1
	if idx < 0 {
		return append(acc, Contributor{
			Username:     username,
			Repositories: []RepositoryActivity{activity},
		})
	}

	existing := &acc[idx]
	repoIdx := slices.IndexFunc(existing.Repositories, func(r RepositoryActivity) bool {
		return r.ID == activity.ID
	})
	if repoIdx < 0 {
		existing.Repositories = append(existing.Repositories, activity)
		return acc
	}

	repo := &existing.Repositories[repoIdx]
	repo.NumberOfCommits++
	if activity.LastCommit.After(repo.LastCommit) {
		repo.LastCommit = activity.LastCommit
	}
	return acc
}

// FoldCommits folds one repository's commits, in order, into a fresh contributor list.
func FoldCommits(repo Repository, commits []Commit) []Contributor {
	var acc []Contributor
	for _, commit := range commits {
		username := strings.TrimSpace(commit.Author)
		if username == "" {
			username = UnknownAuthor
		}
		acc = Fold(acc, RepositoryActivity{
			ID:         repo.ID,
			Name:       repo.Name,
			IsPrivate:  repo.IsPrivate,
			LastCommit: commit.Date,
		}, username)
	}
	return acc
}

// Merge unions per-repository contributor lists into one list keyed by username.
// When a (username, repository ID) pair appears more than once the first
// occurrence wins; counts are never summed. The result shares no slices with
// the inputs and keeps first-seen order.
func Merge(batches [][]Contributor) []Contributor {
	merged := make([]Contributor, 0)
	index := make(map[string]int)
	for _, batch := range batches {
		for _, contributor := range batch {
			pos, ok := index[contributor.Username]
			if !ok {
				index[contributor.Username] = len(merged)
				merged = append(merged, Contributor{
					Username:     contributor.Username,
					Repositories: slices.Clone(contributor.Repositories),
				})
				continue
			}

			existing := &merged[pos]
			for _, repo := range contributor.Repositories {
				if slices.ContainsFunc(existing.Repositories, func(r RepositoryActivity) bool {
					return r.ID == repo.ID
				}) {
					continue
				}
				existing.Repositories = append(existing.Repositories, repo)
			}
		}
	}
	return merged
}

// Sorted returns a copy ordered by username, with each contributor's repositories ordered by name.
func Sorted(list []Contributor) []Contributor {
	sorted := make([]Contributor, len(list))
	for i, contributor := range list {
		repos := slices.Clone(contributor.Repositories)
		slices.SortStableFunc(repos, func(a, b RepositoryActivity) int {
			if c := strings.Compare(a.Name, b.Name); c != 0 {
				return c
			}
			return strings.Compare(a.ID, b.ID)
		})
		sorted[i] = Contributor{Username: contributor.Username, Repositories: repos}
	}
	slices.SortStableFunc(sorted, func(a, b Contributor) int {
		return strings.Compare(a.Username, b.Username)
	})
	return sorted
}
