package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/workbench/internal/core/events/bus"
	"github.com/zeusync/workbench/internal/core/locking"
	"github.com/zeusync/workbench/internal/core/models"
	"github.com/zeusync/workbench/internal/core/observability/metrics"
	"github.com/zeusync/workbench/internal/core/protocol"
	"github.com/zeusync/workbench/internal/core/storage"
	sdkclient "github.com/zeusync/workbench/sdk/go/client"
	"github.com/zeusync/workbench/sdk/go/editor"
)

const eventually = 3 * time.Second

var (
	note  = models.Ref("note", "N123")
	alice = models.UserRef{PK: "1", Username: "alice"}
	bob   = models.UserRef{PK: "2", Username: "bob"}

	testUsers = []User{
		{Token: "alice-token", PK: alice.PK, Username: alice.Username},
		{Token: "bob-token", PK: bob.PK, Username: bob.Username},
	}
)

type testEnv struct {
	server  *Server
	hub     *Hub
	manager *locking.Manager
	http    *httptest.Server
}

func newTestEnv(t *testing.T, ttl time.Duration) *testEnv {
	t.Helper()

	store := storage.NewMemoryStore(0)
	eventBus := bus.New()
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	eventBus.AddObserver(m)

	manager := locking.NewManager(locking.Config{TTL: ttl}, store, eventBus, nil, m)

	cfg := DefaultServerConfig()
	cfg.Users = testUsers
	proto := protocol.DefaultConfig()
	hub, err := NewHub(cfg, proto, eventBus, nil, m)
	require.NoError(t, err)

	srv := New(cfg, proto, manager, hub, m, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
		_ = store.Close()
	})
	return &testEnv{server: srv, hub: hub, manager: manager, http: ts}
}

func (env *testEnv) clientConfig(token string) sdkclient.Config {
	cfg := sdkclient.DefaultClientConfig()
	cfg.BaseURL = env.http.URL
	cfg.Token = token
	return cfg
}

type session struct {
	api     *sdkclient.APIClient
	channel *sdkclient.Channel
	user    models.UserRef
}

func (env *testEnv) session(t *testing.T, token string, user models.UserRef) session {
	t.Helper()
	cfg := env.clientConfig(token)

	api, err := sdkclient.NewAPIClient(cfg, nil, nil)
	require.NoError(t, err)
	ch, err := sdkclient.NewChannel(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, ch.Connect(context.Background()))
	t.Cleanup(func() { _ = ch.Close() })

	return session{api: api, channel: ch, user: user}
}

func (env *testEnv) openEditor(t *testing.T, s session, ref models.EntityRef) *editor.Editor {
	t.Helper()
	before := env.hub.Watchers(ref)
	watching := s.channel.RefCount(ref) > 0

	cfg := editor.DefaultEditorConfig()
	cfg.Ref = ref
	cfg.User = s.user
	cfg.Locks = s.api
	cfg.Relations = s.api
	cfg.Subscription = s.channel.NewSubscriber()

	e, err := editor.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		e.Close()
		e.Wait()
	})

	if !watching {
		require.Eventually(t, func() bool { return env.hub.Watchers(ref) > before }, eventually, 5*time.Millisecond)
	}
	return e
}

func waitState(t *testing.T, e *editor.Editor, cond func(editor.State) bool) editor.State {
	t.Helper()
	require.Eventually(t, func() bool { return cond(e.State()) }, eventually, 5*time.Millisecond)
	return e.State()
}

func TestLockHandoffBetweenEditors(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	a := env.session(t, "alice-token", alice)
	b := env.session(t, "bob-token", bob)

	// A opens an unlocked note and gets the lock.
	editorA := env.openEditor(t, a, note)
	stateA := waitState(t, editorA, editor.State.HeldBySelf)
	assert.Equal(t, alice.PK, stateA.LockUser().PK)

	// B is denied and sees A as the holder.
	editorB := env.openEditor(t, b, note)
	stateB := waitState(t, editorB, editor.State.ReadOnly)
	assert.Equal(t, alice.PK, stateB.LockUser().PK)

	// A saves: only B, who does not hold the lock, is flagged.
	require.NoError(t, a.api.MarkChanged(context.Background(), note))
	waitState(t, editorB, func(s editor.State) bool { return s.ModifiedByOther })
	assert.False(t, editorA.State().ModifiedByOther)

	// A leaves: the release is pushed to B, who can now take the lock.
	editorA.Close()
	stateB = waitState(t, editorB, func(s editor.State) bool { return s.Lock != nil && !s.Lock.Locked })
	assert.False(t, stateB.ModifiedByOther)

	require.NoError(t, editorB.RequestLock())
	stateB = waitState(t, editorB, editor.State.HeldBySelf)
	assert.Equal(t, bob.PK, stateB.LockUser().PK)
}

func TestChangeAfterExpiryIsNotFlagged(t *testing.T) {
	env := newTestEnv(t, 100*time.Millisecond)
	a := env.session(t, "alice-token", alice)
	b := env.session(t, "bob-token", bob)

	editorA := env.openEditor(t, a, note)
	waitState(t, editorA, editor.State.HeldBySelf)

	time.Sleep(150 * time.Millisecond)
	n, err := env.manager.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	waitState(t, editorA, func(s editor.State) bool { return !s.Lock.Locked })

	require.NoError(t, b.api.MarkChanged(context.Background(), note))
	_, err = b.api.AddRelation(context.Background(), note)
	require.NoError(t, err)

	// the relation event follows the change event, so once the count moves
	// the change has been applied
	s := waitState(t, editorA, func(s editor.State) bool { return s.RelationCount == 1 })
	assert.False(t, s.ModifiedByOther)
}

func TestClosingOneEditorKeepsOthersSubscribed(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	a := env.session(t, "alice-token", alice)
	b := env.session(t, "bob-token", bob)

	first := env.openEditor(t, a, note)
	second := env.openEditor(t, a, note)
	waitState(t, first, func(s editor.State) bool { return s.Lock != nil })
	waitState(t, second, func(s editor.State) bool { return s.Lock != nil })
	assert.Equal(t, 1, env.hub.Watchers(note), "one connection watches the note once")

	first.Close()
	first.Wait()
	assert.Equal(t, 1, a.channel.RefCount(note))

	_, err := b.api.AddRelation(context.Background(), note)
	require.NoError(t, err)
	waitState(t, second, func(s editor.State) bool { return s.RelationCount == 1 })
}

func doRequest(t *testing.T, env *testEnv, method, path, token string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, env.http.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Token "+token)
	}
	resp, err := env.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestAPIStatusCodes(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	lockPath := "/api/note/N123/lock"

	code, _ := doRequest(t, env, http.MethodPut, lockPath, "")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = doRequest(t, env, http.MethodPut, lockPath, "nobody")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body := doRequest(t, env, http.MethodPut, lockPath, "alice-token")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"locked":true`)

	code, body = doRequest(t, env, http.MethodPut, lockPath, "bob-token")
	assert.Equal(t, http.StatusLocked, code)
	assert.Contains(t, body, `"username":"alice"`)

	code, _ = doRequest(t, env, http.MethodPut, "/api/note/N123/unlock", "bob-token")
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = doRequest(t, env, http.MethodPost, "/api/note/N123/changed", "bob-token")
	assert.Equal(t, http.StatusLocked, code)

	code, _ = doRequest(t, env, http.MethodPut, "/api/note/N123/unlock", "alice-token")
	assert.Equal(t, http.StatusNoContent, code)

	code, body = doRequest(t, env, http.MethodGet, lockPath, "bob-token")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"locked":false`)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, time.Minute)

	code, body := doRequest(t, env, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"status":"ok"`)

	doRequest(t, env, http.MethodPut, "/api/note/N123/lock", "alice-token")
	code, body = doRequest(t, env, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, strings.Contains(body, "workbench_lock_requests_total"))
	assert.True(t, strings.Contains(body, "workbench_notifications_published_total"))
}

func TestWebSocketRequiresToken(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	ch, err := sdkclient.NewChannel(env.clientConfig("nobody"), nil)
	require.NoError(t, err)

	err = ch.Connect(context.Background())
	assert.True(t, sdkclient.IsStatus(err, http.StatusUnauthorized))
	require.NoError(t, ch.Close())
}

func TestRunStopsOnCancel(t *testing.T) {
	store := storage.NewMemoryStore(0)
	defer store.Close()
	eventBus := bus.New()
	manager := locking.NewManager(locking.DefaultConfig(), store, eventBus, nil, nil)

	cfg := DefaultServerConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	proto := protocol.DefaultConfig()
	hub, err := NewHub(cfg, proto, eventBus, nil, nil)
	require.NoError(t, err)
	srv := New(cfg, proto, manager, hub, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool { return srv.Addr() != nil }, eventually, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(eventually):
		t.Fatal("Run did not return")
	}
	assert.ErrorIs(t, srv.Stop(context.Background()), ErrServerNotRunning)
}
