package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTarget(t *testing.T) {
	testCases := []struct {
		name        string
		input       string
		expected    Target
		expectError bool
	}{
		{name: "organization", input: "Acme", expected: Target{Organization: "acme"}},
		{name: "repository", input: "Acme/Widgets", expected: Target{Organization: "acme", Repository: "widgets"}},
		{name: "empty", input: " ", expectError: true},
		{name: "trailing slash", input: "acme/", expectError: true},
		{name: "too many segments", input: "acme/widgets/extra", expectError: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			target, err := ParseTarget(tc.input)
			if tc.expectError {
				assert.True(t, IsConfiguration(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, target)
		})
	}
}

func TestCandidate_NaturalKey(t *testing.T) {
	repoScoped := Candidate{Organization: "Acme", Repository: "Widgets", Type: InteractionCommit, SourceID: "abc"}
	orgScoped := Candidate{Organization: "ACME", Type: InteractionAPICall, SourceID: "x"}

	assert.Equal(t, "repo:acme/widgets|commit|abc", repoScoped.NaturalKey())
	assert.Equal(t, "org:acme|api_call|x", orgScoped.NaturalKey())
}

func TestFilter_Validate(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	orgs := []string{" Acme "}
	f := Filter{Organizations: orgs, Repositories: []string{"Acme/Widgets"}}
	require.NoError(t, f.Validate())
	assert.Equal(t, []string{"acme"}, f.Organizations)
	assert.Equal(t, []string{"acme/widgets"}, f.Repositories)
	assert.Equal(t, " Acme ", orgs[0])

	inverted := Filter{Start: now, End: now.Add(-time.Hour)}
	assert.True(t, IsConfiguration(inverted.Validate()))

	badRepo := Filter{Repositories: []string{"widgets"}}
	assert.True(t, IsConfiguration(badRepo.Validate()))

	badType := Filter{InteractionTypes: []InteractionType{"telepathy"}}
	assert.True(t, IsConfiguration(badType.Validate()))
}

func TestBucket_Floor(t *testing.T) {
	// Thursday.
	ts := time.Date(2024, 2, 15, 17, 30, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC), BucketDay.Floor(ts))
	assert.Equal(t, time.Date(2024, 2, 12, 0, 0, 0, 0, time.UTC), BucketWeek.Floor(ts))
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), BucketMonth.Floor(ts))

	sunday := time.Date(2024, 2, 18, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 2, 12, 0, 0, 0, 0, time.UTC), BucketWeek.Floor(sunday))

	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), BucketMonth.Next(BucketMonth.Floor(ts)))
}

func TestParseInteractionType(t *testing.T) {
	typ, err := ParseInteractionType("PULL_REQUEST")
	require.NoError(t, err)
	assert.Equal(t, InteractionPullRequest, typ)

	_, err = ParseInteractionType("gist")
	assert.True(t, IsConfiguration(err))
}
