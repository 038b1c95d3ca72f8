package universe

import (
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestPrimaryMirrorReturnsFalseWithoutLinkedRepo(t *testing.T) {
	u := Universe{Sources: []Source{{Type: SourceTypeGitHub, Owner: "acme", Repo: "universe"}}}
	_, found := u.PrimaryMirror()
	assert.False(t, found)
}

func TestPrimaryMirrorMatchesLinkedRepo(t *testing.T) {
	u := Universe{
		GitRepo: GitRepo{LinkedRepo: &LinkedRepo{Host: "github.com", Owner: "acme", Repo: "universe"}},
		Sources: []Source{
			{ID: "s1", Type: SourceTypeGitHub, Owner: "acme", Repo: "universe"},
			{ID: "s2", Type: SourceTypeURL, URL: "https://example.com/schema.json"},
		},
	}
	source, found := u.PrimaryMirror()
	assert.True(t, found)
	assert.Equal(t, "s1", source.ID)
}

func TestCountPrimaryMirrorMatchesDetectsDuplicates(t *testing.T) {
	u := Universe{
		GitRepo: GitRepo{LinkedRepo: &LinkedRepo{Owner: "acme", Repo: "universe"}},
		Sources: []Source{
			{Type: SourceTypeGitHub, Owner: "acme", Repo: "universe"},
			{Type: SourceTypeGitea, Owner: "acme", Repo: "universe"},
		},
	}
	assert.Equal(t, 2, countPrimaryMirrorMatches(u))
}

func TestCountPrimaryMirrorMatchesIsZeroWithoutLinkedRepo(t *testing.T) {
	u := Universe{Sources: []Source{{Type: SourceTypeGitHub, Owner: "acme", Repo: "universe"}}}
	assert.Equal(t, 0, countPrimaryMirrorMatches(u))
}
