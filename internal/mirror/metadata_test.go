package mirror

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeMetadataState(t *testing.T) {
	st := decodeMetadataState(`{"labels":true,"issues":42}`)
	assert.True(t, st.Labels)
	assert.False(t, st.Milestones)
	assert.Equal(t, 42, st.IssueNum)
	assert.Equal(t, 0, st.PullNum)
}

func TestDecodeMetadataStateEmptyAndCorrupt(t *testing.T) {
	// Both decode to the zero cursor; replication restarts from scratch.
	assert.Equal(t, MetadataState{}, decodeMetadataState(""))
	assert.Equal(t, MetadataState{}, decodeMetadataState("{}"))
	assert.Equal(t, MetadataState{}, decodeMetadataState("{garbage"))
}

func TestMetadataStateEncodeRoundTrip(t *testing.T) {
	st := MetadataState{Labels: true, Releases: true, IssueNum: 7, PullNum: 3}
	assert.Equal(t, st, decodeMetadataState(st.encode()))

	// The zero state encodes to the canonical empty blob.
	assert.Equal(t, "{}", MetadataState{}.encode())
}

func TestProvenanceBody(t *testing.T) {
	got := provenanceBody("original text", "octocat", "issue", 12)
	assert.Contains(t, got, "original text")
	assert.Contains(t, got, "issue #12")
	assert.Contains(t, got, "@octocat")

	// Comments carry no number.
	got = provenanceBody("a comment", "octocat", "comment", 0)
	assert.Contains(t, got, "*Original comment by @octocat*")
}
