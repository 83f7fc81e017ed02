package domain

import (
	"fmt"
	"strings"
)

// Target is what an ingestion run points at: an organization, or one of its
// repositories when Repository is set.
type Target struct {
	Organization string `json:"organization"`
	Repository   string `json:"repository,omitempty"`
}

// ParseTarget accepts "org" or "org/repo".
func ParseTarget(s string) (Target, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Target{}, &ConfigurationError{Field: "target", Msg: "target is empty"}
	}
	org, repo, found := strings.Cut(s, "/")
	if strings.Contains(repo, "/") || org == "" || (found && repo == "") {
		return Target{}, &ConfigurationError{Field: "target", Msg: fmt.Sprintf("%q is not in org or org/repo form", s)}
	}
	return Target{Organization: NormalizeName(org), Repository: NormalizeName(repo)}, nil
}

func (t Target) IsRepository() bool { return t.Repository != "" }

func (t Target) String() string {
	if t.IsRepository() {
		return t.Organization + "/" + t.Repository
	}
	return t.Organization
}
