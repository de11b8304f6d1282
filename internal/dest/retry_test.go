package dest

import (
	"errors"
	"net/http"
	"testing"

	"code.gitea.io/sdk/gitea"
	"github.com/stretchr/testify/assert"

	"github.com/forgesync-io/forgesync/internal/errkind"
)

func respWithStatus(code int) *gitea.Response {
	return &gitea.Response{Response: &http.Response{StatusCode: code}}
}

func TestClassify(t *testing.T) {
	base := errors.New("request failed")
	cases := []struct {
		code int
		want errkind.Kind
	}{
		{http.StatusUnauthorized, errkind.DestinationAuthInvalid},
		{http.StatusForbidden, errkind.Fatal},
		{http.StatusNotFound, errkind.NotFound},
		{http.StatusConflict, errkind.Conflict},
		{http.StatusUnprocessableEntity, errkind.Conflict},
		{http.StatusTooManyRequests, errkind.RateLimited},
		{http.StatusInternalServerError, errkind.Transient},
		{http.StatusBadGateway, errkind.Transient},
		{http.StatusBadRequest, errkind.Fatal},
	}
	for _, tc := range cases {
		err := classify("op", respWithStatus(tc.code), base)
		assert.Equal(t, tc.want, errkind.KindOf(err), "status %d", tc.code)
	}
}

func TestClassifyNoResponseIsTransient(t *testing.T) {
	err := classify("op", nil, errors.New("connection refused"))
	assert.Equal(t, errkind.Transient, errkind.KindOf(err))
}

func TestClassifyForbiddenIsDetectable(t *testing.T) {
	// EnsureOwner falls back to the authenticated user on 403, so the
	// wrapper must stay visible through the taxonomy wrapping.
	err := classify("op", respWithStatus(http.StatusForbidden), errors.New("token lacks org scope"))
	assert.True(t, isForbidden(err))

	err = classify("op", respWithStatus(http.StatusNotFound), errors.New("gone"))
	assert.False(t, isForbidden(err))
}
