package client

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/workbench/internal/core/models"
)

const testBase = "http://workbench.test"

var (
	note  = models.Ref("note", "123")
	alice = models.UserRef{PK: "1", Username: "alice"}
	bob   = models.UserRef{PK: "2", Username: "bob"}
)

func newMockedAPI(t *testing.T) (*APIClient, *httpmock.MockTransport) {
	t.Helper()
	transport := httpmock.NewMockTransport()
	config := DefaultClientConfig()
	config.BaseURL = testBase
	config.Token = "secret"

	api, err := NewAPIClient(config, &http.Client{Transport: transport}, nil)
	require.NoError(t, err)
	return api, transport
}

func lockedBody(user models.UserRef) models.LockState {
	now := time.Now().UTC().Truncate(time.Second)
	return models.LockedBy(note, user, now, now.Add(5*time.Minute))
}

func TestLockGranted(t *testing.T) {
	api, transport := newMockedAPI(t)
	transport.RegisterResponder(http.MethodPut, testBase+"/api/note/123/lock",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "Token secret", req.Header.Get("Authorization"))
			return httpmock.NewJsonResponse(http.StatusOK, lockedBody(alice))
		})

	state, err := api.Lock(context.Background(), note)
	require.NoError(t, err)
	assert.True(t, state.HeldBy(alice))
	assert.Equal(t, note, state.Ref())
}

func TestLockDeniedIsNotAnError(t *testing.T) {
	api, transport := newMockedAPI(t)
	transport.RegisterResponder(http.MethodPut, testBase+"/api/note/123/lock",
		httpmock.NewJsonResponderOrPanic(http.StatusLocked, lockedBody(bob)))

	state, err := api.Lock(context.Background(), note)
	require.NoError(t, err)
	assert.True(t, state.HeldByOther(alice))
	assert.Equal(t, bob.PK, state.Holder().PK)
}

func TestLockFillsMissingModelFields(t *testing.T) {
	api, transport := newMockedAPI(t)
	transport.RegisterResponder(http.MethodPut, testBase+"/api/note/123/lock",
		httpmock.NewStringResponder(http.StatusOK, `{"locked":false}`))

	state, err := api.Lock(context.Background(), note)
	require.NoError(t, err)
	assert.False(t, state.Locked)
	assert.Equal(t, note, state.Ref())
}

func TestLockRejectsInconsistentBody(t *testing.T) {
	api, transport := newMockedAPI(t)
	transport.RegisterResponder(http.MethodPut, testBase+"/api/note/123/lock",
		httpmock.NewStringResponder(http.StatusOK, `{"locked":true}`))

	_, err := api.Lock(context.Background(), note)
	assert.ErrorIs(t, err, models.ErrMalformed)
}

func TestUnexpectedStatusIsNotRetried(t *testing.T) {
	api, transport := newMockedAPI(t)
	transport.RegisterResponder(http.MethodPut, testBase+"/api/note/123/lock",
		httpmock.NewStringResponder(http.StatusInternalServerError, "boom"))

	_, err := api.Lock(context.Background(), note)
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusInternalServerError))
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, 1, transport.GetTotalCallCount())
}

func TestTransportErrorIsWrapped(t *testing.T) {
	api, transport := newMockedAPI(t)
	cause := errors.New("connection refused")
	transport.RegisterResponder(http.MethodPut, testBase+"/api/note/123/unlock",
		httpmock.NewErrorResponder(cause))

	err := api.Unlock(context.Background(), note)
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 1, transport.GetTotalCallCount())
}

func TestUnlockAndStatus(t *testing.T) {
	api, transport := newMockedAPI(t)
	transport.RegisterResponder(http.MethodPut, testBase+"/api/note/123/unlock",
		httpmock.NewStringResponder(http.StatusNoContent, ""))
	transport.RegisterResponder(http.MethodGet, testBase+"/api/note/123/lock",
		httpmock.NewJsonResponderOrPanic(http.StatusOK, models.Unlocked(note)))

	require.NoError(t, api.Unlock(context.Background(), note))

	state, err := api.LockStatus(context.Background(), note)
	require.NoError(t, err)
	assert.False(t, state.Locked)
}

func TestRelationsAndChanged(t *testing.T) {
	api, transport := newMockedAPI(t)
	transport.RegisterResponder(http.MethodGet, testBase+"/api/note/123/relations",
		httpmock.NewStringResponder(http.StatusOK, `{"count":4}`))
	transport.RegisterResponder(http.MethodPost, testBase+"/api/note/123/relations",
		httpmock.NewStringResponder(http.StatusCreated, `{"count":5}`))
	transport.RegisterResponder(http.MethodPost, testBase+"/api/note/123/changed",
		httpmock.NewStringResponder(http.StatusLocked, `{"detail":"locked"}`))

	count, err := api.CountRelations(context.Background(), note)
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	count, err = api.AddRelation(context.Background(), note)
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	err = api.MarkChanged(context.Background(), note)
	assert.True(t, IsStatus(err, http.StatusLocked))
}

func TestInvalidRefFailsFast(t *testing.T) {
	api, transport := newMockedAPI(t)
	_, err := api.Lock(context.Background(), models.Ref("note", ""))
	assert.ErrorIs(t, err, models.ErrInvalidRef)
	assert.Zero(t, transport.GetTotalCallCount())
}

func TestConfigRejectsBadBaseURL(t *testing.T) {
	config := DefaultClientConfig()
	config.BaseURL = "ftp://workbench"
	_, err := NewAPIClient(config, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	config.BaseURL = "https://workbench.example/base"
	config.Token = "t0k"
	u, err := config.channelURL()
	require.NoError(t, err)
	assert.Equal(t, "wss://workbench.example/ws/elements/?auth_token=t0k", u)
}

func TestLockDecodesNumericOwnerPK(t *testing.T) {
	api, transport := newMockedAPI(t)
	transport.RegisterResponder(http.MethodPut, testBase+"/api/note/123/lock",
		httpmock.NewStringResponder(http.StatusLocked, `{"locked":true,"model_name":"note","model_pk":123,
			"lock_details":{"locked_by":{"pk":2,"username":"bob"},
			"locked_at":"2026-10-16T10:00:00Z","locked_until":"2026-10-16T10:05:00Z"}}`))

	state, err := api.Lock(context.Background(), note)
	require.NoError(t, err)
	assert.True(t, state.HeldByOther(alice))
	assert.True(t, state.HeldBy(bob))
	assert.Equal(t, note, state.Ref())
}
