package contributors

import "time"

// UnknownAuthor is the username recorded for commits without an author identity.
const UnknownAuthor = "Unknown Author"

// RepositoryActivity is one contributor's commit activity in one repository.
type RepositoryActivity struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	IsPrivate       bool      `json:"isPrivate"`
	NumberOfCommits int       `json:"numberOfCommits"`
	LastCommit      time.Time `json:"lastCommit"`
}

// Contributor is one author and the repositories they committed to.
type Contributor struct {
	Username     string               `json:"username"`
	Repositories []RepositoryActivity `json:"repositories"`
}

// Metadata describes the run that produced an AuditResult.
type Metadata struct {
	ScriptVersion string `json:"scriptVersion"`
	Days          int    `json:"days"`
}

// AuditResult is the report for one organization or workspace.
type AuditResult struct {
	OrganizationName string        `json:"organizationName"`
	Metadata         Metadata      `json:"metadata"`
	Contributors     []Contributor `json:"contributors"`
}

// Repository is the provider-neutral repository identity activities are keyed on.
type Repository struct {
	ID        string
	Name      string
	IsPrivate bool
}

// Commit is the provider-neutral view of one commit.
type Commit struct {
	Author string
	Date   time.Time
}

// RepositoryCount returns the number of distinct repositories with activity.
func (r AuditResult) RepositoryCount() int {
	seen := make(map[string]struct{})
	for _, contributor := range r.Contributors {
		for _, repo := range contributor.Repositories {
			seen[repo.ID] = struct{}{}
		}
	}
	return len(seen)
}
