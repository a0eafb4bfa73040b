package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/auth"
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/httpapi"
	"github.com/xraph/entitle/scheduler"
	"github.com/xraph/entitle/store/memory"
)

var (
	secret = []byte("http-test-secret")
	t0     = time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)
)

type harness struct {
	t      *testing.T
	store  *memory.Store
	engine *entitle.Engine
	router http.Handler
	now    time.Time
}

func newHarness(t *testing.T, s *memory.Store) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := &harness{t: t, store: s, now: t0}
	h.engine = entitle.New(s, entitle.WithClock(func() time.Time { return h.now }))
	authn := auth.NewHMAC(secret, auth.WithClock(func() time.Time { return h.now }))
	h.router = httpapi.New(h.engine, authn).Handler()
	return h
}

func (h *harness) token(uid string, admin bool) string {
	h.t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		Admin: admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid,
			ExpiresAt: jwt.NewNumericDate(h.now.Add(time.Hour)),
		},
	}).SignedString(secret)
	require.NoError(h.t, err)
	return tok
}

func (h *harness) do(method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)

	out := map[string]any{}
	if w.Body.Len() > 0 {
		require.NoError(h.t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

func TestAuthentication(t *testing.T) {
	h := newHarness(t, memory.New())

	w, body := h.do(http.MethodPost, "/v1/users", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "not_authenticated", body["error"])

	w, _ = h.do(http.MethodPost, "/v1/users", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = h.do(http.MethodPost, "/v1/admin/reconcile", h.token("u1", false), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCreateUser(t *testing.T) {
	h := newHarness(t, memory.New())
	tok := h.token("u1", false)

	w, body := h.do(http.MethodPost, "/v1/users", tok, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	ent := body["entitlement"].(map[string]any)
	assert.Equal(t, "u1", ent["userId"])
	assert.EqualValues(t, 10, ent["bookLimit"])

	w, body = h.do(http.MethodPost, "/v1/users", tok, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "already exists", body["message"])

	w, _ = h.do(http.MethodPost, "/v1/users", tok, map[string]string{"uid": "u2"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = h.do(http.MethodPost, "/v1/users", h.token("ops", true), map[string]string{"uid": "u2"})
	assert.Equal(t, http.StatusCreated, w.Code)

	all, err := h.store.FindAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestPurchaseAndStatus(t *testing.T) {
	h := newHarness(t, memory.New())
	tok := h.token("u1", false)

	w, body := h.do(http.MethodGet, "/v1/users/u1/status", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["active"])
	assert.Equal(t, false, body["exists"])

	w, _ = h.do(http.MethodPost, "/v1/purchases", tok, map[string]string{"productId": "premium_monthly"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = h.do(http.MethodPost, "/v1/purchases", tok, map[string]string{
		"transactionId": "tx-1",
		"productId":     "premium_monthly",
		"platform":      "ios",
	})
	require.Equal(t, http.StatusOK, w.Code, body)
	assert.Equal(t, "premium", body["entitlement"].(map[string]any)["tier"])

	w, body = h.do(http.MethodGet, "/v1/users/u1/status", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["active"])
	assert.Equal(t, "premium", body["tier"])

	w, _ = h.do(http.MethodGet, "/v1/users/u1/status", h.token("u2", false), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdminRuns(t *testing.T) {
	h := newHarness(t, memory.New())
	admin := h.token("ops", true)

	w, body := h.do(http.MethodPost, "/v1/admin/backfill/users", admin, map[string][]string{"uids": {"a", "b"}})
	require.Equal(t, http.StatusOK, w.Code, body)
	assert.EqualValues(t, 2, body["updatedCount"])

	h.now = h.now.Add(8 * 24 * time.Hour)
	w, body = h.do(http.MethodPost, "/v1/admin/reconcile", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, body["updatedCount"])

	w, body = h.do(http.MethodPost, "/v1/admin/reconcile", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, body["updatedCount"])

	w, body = h.do(http.MethodGet, "/v1/admin/report", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, body["count"])

	w, _ = h.do(http.MethodPost, "/v1/admin/backfill/limits", admin, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminCorrections(t *testing.T) {
	h := newHarness(t, memory.New())
	admin := h.token("ops", true)
	ctx := context.Background()

	_, err := h.engine.CreateFreeEntitlement(ctx, "u1")
	require.NoError(t, err)

	w, body := h.do(http.MethodPut, "/v1/admin/users/u1/usage", admin, map[string]int{"booksRead": 14})
	require.Equal(t, http.StatusOK, w.Code, body)
	ent := body["entitlement"].(map[string]any)
	assert.EqualValues(t, 14, ent["booksRead"])
	assert.EqualValues(t, 15, ent["bookLimit"])

	w, _ = h.do(http.MethodPut, "/v1/admin/users/u1/usage", admin, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = h.do(http.MethodPut, "/v1/admin/users/ghost/usage", admin, map[string]int{"booksRead": 1})
	assert.Equal(t, http.StatusNotFound, w.Code)

	rec, err := h.store.FindByUserID(ctx, "u1")
	require.NoError(t, err)

	w, _ = h.do(http.MethodPut, "/v1/admin/entitlements/"+rec.ID+"/tier", admin, map[string]string{"tier": "gold"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = h.do(http.MethodPut, "/v1/admin/entitlements/"+rec.ID+"/tier", admin, map[string]string{"tier": "unlimited"})
	require.Equal(t, http.StatusOK, w.Code, body)
	assert.Equal(t, "unlimited", body["entitlement"].(map[string]any)["tier"])
}

func TestAdminDedup(t *testing.T) {
	s := memory.New()
	h := newHarness(t, s)
	admin := h.token("ops", true)
	ctx := context.Background()

	for _, e := range []*entitlement.Entitlement{
		entitlement.NewFreeWithID("a", "u2", t0),
		entitlement.NewFreeWithID("b", "u2", t0),
		entitlement.NewFreeWithID("c", "u3", t0),
		entitlement.NewFreeWithID("d", "u3", t0),
	} {
		require.NoError(t, s.Create(ctx, e))
	}

	w, body := h.do(http.MethodPost, "/v1/admin/dedup", admin, map[string]string{"userId": "u2"})
	require.Equal(t, http.StatusOK, w.Code, body)
	assert.Equal(t, true, body["relocated"])

	w, body = h.do(http.MethodPost, "/v1/admin/dedup", admin, nil)
	require.Equal(t, http.StatusOK, w.Code, body)
	assert.Equal(t, "dedup-sweep", body["kind"])

	all, err := s.FindAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStoreUnavailable(t *testing.T) {
	s := memory.New()
	h := newHarness(t, s)
	require.NoError(t, s.Close())

	w, body := h.do(http.MethodPost, "/v1/users", h.token("u1", false), nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "store_unavailable", body["error"])
	assert.Equal(t, true, body["retryable"])

	w, _ = h.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

// flakyStore fails any group that writes failID.
type flakyStore struct {
	*memory.Store
	failID string
}

func (f *flakyStore) CommitGroup(ctx context.Context, group []entitlement.Mutation) error {
	for _, m := range group {
		if m.ID == f.failID {
			return errors.New("injected write failure")
		}
	}
	return f.Store.CommitGroup(ctx, group)
}

func TestPartialCommitReportsGroups(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	mem := memory.New(memory.WithMaxGroupSize(3))
	for _, uid := range []string{"u-0", "u-1", "u-2", "u-3"} {
		require.NoError(t, mem.Create(ctx, entitlement.NewFreeWithID(uid, uid, t0)))
	}

	now := t0.Add(8 * 24 * time.Hour)
	clock := func() time.Time { return now }
	engine := entitle.New(&flakyStore{Store: mem, failID: "u-3"}, entitle.WithClock(clock), entitle.WithCommitConcurrency(1))
	h := &harness{t: t, store: mem, engine: engine, now: now}
	h.router = httpapi.New(engine, auth.NewHMAC(secret, auth.WithClock(clock))).Handler()

	w, body := h.do(http.MethodPost, "/v1/admin/reconcile", h.token("ops", true), nil)
	require.Equal(t, http.StatusInternalServerError, w.Code, body)
	assert.Equal(t, "partial_commit", body["error"])
	assert.Equal(t, true, body["retryable"])
	assert.Equal(t, "commit", body["phase"])

	groups := body["result"].(map[string]any)["groups"].(map[string]any)
	assert.EqualValues(t, 1, groups["committedGroups"])
	assert.EqualValues(t, 1, groups["failedGroups"])
}

func TestAdminRunsHonorRunLock(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	locker := scheduler.NewLocalLocker()

	h := &harness{t: t, store: memory.New(), now: t0}
	h.engine = entitle.New(h.store, entitle.WithClock(func() time.Time { return h.now }))
	h.router = httpapi.New(h.engine, auth.NewHMAC(secret, auth.WithClock(func() time.Time { return h.now })),
		httpapi.WithGuard(scheduler.NewGuard(locker, time.Minute, nil)),
	).Handler()
	admin := h.token("ops", true)

	lease, err := locker.TryLock(ctx, scheduler.RunLockKey, time.Minute)
	require.NoError(t, err)

	for _, tc := range []struct {
		path string
		body any
	}{
		{"/v1/admin/reconcile", nil},
		{"/v1/admin/backfill/limits", nil},
		{"/v1/admin/backfill/users", map[string][]string{"uids": {"a"}}},
		{"/v1/admin/dedup", nil},
		{"/v1/admin/dedup", map[string]string{"userId": "a"}},
	} {
		w, body := h.do(http.MethodPost, tc.path, admin, tc.body)
		assert.Equal(t, http.StatusConflict, w.Code, tc.path)
		assert.Equal(t, "run_in_progress", body["error"], tc.path)
	}
	all, err := h.store.FindAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	require.NoError(t, lease.Release(ctx))
	w, body := h.do(http.MethodPost, "/v1/admin/backfill/users", admin, map[string][]string{"uids": {"a"}})
	require.Equal(t, http.StatusOK, w.Code, body)
	assert.EqualValues(t, 1, body["updatedCount"])
}
