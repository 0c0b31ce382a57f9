package providers_test

import (
	"net/http"
	"strings"
	"testing"

	"github.com/agentflow/gateway/providers"
	"github.com/agentflow/gateway/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapHTTPError_ClassifiesKnownStatusCodes(t *testing.T) {
	cases := []struct {
		status    int
		code      types.ErrorCode
		retryable bool
	}{
		{http.StatusUnauthorized, types.ErrAuthentication, false},
		{http.StatusForbidden, types.ErrForbidden, false},
		{http.StatusNotFound, types.ErrModelNotFound, false},
		{http.StatusTooManyRequests, types.ErrRateLimited, true},
		{http.StatusRequestEntityTooLarge, types.ErrContextTooLong, false},
		{http.StatusInternalServerError, types.ErrUpstreamError, true},
		{http.StatusBadRequest, types.ErrUpstreamError, false},
	}
	for _, c := range cases {
		err := providers.MapHTTPError(c.status, "msg", "prov")
		assert.Equal(t, c.code, err.Code, "status %d", c.status)
		assert.Equal(t, c.retryable, err.Retryable, "status %d", c.status)
		assert.Equal(t, "prov", err.Provider)
		assert.Equal(t, c.status, err.HTTPStatus)
	}
}

func TestReadErrorMessage_PrefersNestedErrorField(t *testing.T) {
	got := providers.ReadErrorMessage(strings.NewReader(`{"error":{"message":"bad request"}}`))
	assert.Equal(t, "bad request", got)
}

func TestReadErrorMessage_FallsBackToTopLevelMessage(t *testing.T) {
	got := providers.ReadErrorMessage(strings.NewReader(`{"message":"top level"}`))
	assert.Equal(t, "top level", got)
}

func TestReadErrorMessage_FallsBackToRawBodyOnNonJSON(t *testing.T) {
	got := providers.ReadErrorMessage(strings.NewReader("not json"))
	assert.Equal(t, "not json", got)
}

func TestChooseModel_PrefersExplicitRequestOverConfigured(t *testing.T) {
	assert.Equal(t, "gpt-4o", providers.ChooseModel("gpt-4o", "gpt-3.5-turbo"))
	assert.Equal(t, "gpt-3.5-turbo", providers.ChooseModel("", "gpt-3.5-turbo"))
	assert.Equal(t, "gpt-3.5-turbo", providers.ChooseModel("   ", "gpt-3.5-turbo"))
}

func TestSSEReader_SkipsBlankAndCommentLinesAndStripsPrefix(t *testing.T) {
	body := "data: first\n\n: this is a comment\n\ndata:  second  \n\n"
	r := providers.NewSSEReader(strings.NewReader(body))

	first, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "first", first)

	second, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "second", second)

	_, err = r.Next()
	assert.Error(t, err)
}

func TestSSEReader_SkipsNonDataFields(t *testing.T) {
	body := "event: message\nid: 1\ndata: payload\n\n"
	r := providers.NewSSEReader(strings.NewReader(body))
	payload, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "payload", payload)
}
