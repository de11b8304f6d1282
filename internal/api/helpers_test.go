package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgesync-io/forgesync/internal/store"
)

func TestPaginationOpts(t *testing.T) {
	cases := []struct {
		query string
		want  store.ListOptions
	}{
		{"", store.ListOptions{Limit: 50}},
		{"limit=10", store.ListOptions{Limit: 10}},
		{"limit=10&offset=30", store.ListOptions{Limit: 10, Offset: 30}},
		{"limit=5000", store.ListOptions{Limit: 200}}, // capped
		{"limit=0", store.ListOptions{Limit: 50}},     // non-positive ignored
		{"limit=-3", store.ListOptions{Limit: 50}},
		{"limit=abc&offset=xyz", store.ListOptions{Limit: 50}},
		{"offset=-1", store.ListOptions{Limit: 50}},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/?"+tc.query, nil)
		assert.Equal(t, tc.want, paginationOpts(req), "query %q", tc.query)
	}
}

func TestParseUUIDList(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	ids, err := parseUUIDList([]string{a.String(), b.String()})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a, b}, ids)

	_, err = parseUUIDList([]string{a.String(), "not-a-uuid"})
	assert.Error(t, err)

	ids, err = parseUUIDList(nil)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestTimeString(t *testing.T) {
	assert.Nil(t, timeString(nil))

	at := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	got := timeString(&at)
	require.NotNil(t, got)
	assert.Equal(t, "2025-06-01T12:30:00Z", *got)
}
