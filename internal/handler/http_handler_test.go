package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live/relation-service/internal/domain"
	"github.com/weiawesome/wes-io-live/relation-service/internal/service"
	"github.com/weiawesome/wes-io-live/relation-service/pkg/jwt"
	"github.com/weiawesome/wes-io-live/relation-service/pkg/middleware"
)

// fakeService scripts RelationService results per call.
type fakeService struct {
	service.RelationService

	mu          sync.Mutex
	followErrs  []error
	followCalls int
	lastPair    [2]string
	page        *domain.EdgePage
	stats       *domain.Counter
	statsErr    error
	provisioned map[string]bool
}

func (f *fakeService) Follow(_ context.Context, followerID, followingID string) (domain.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.followCalls++
	f.lastPair = [2]string{followerID, followingID}
	if followerID == followingID {
		return domain.OutcomeError, service.ErrSelfFollow
	}
	if len(f.followErrs) > 0 {
		err := f.followErrs[0]
		f.followErrs = f.followErrs[1:]
		if err != nil {
			return domain.OutcomeError, err
		}
	}
	return domain.OutcomeFollowed, nil
}

func (f *fakeService) Unfollow(_ context.Context, followerID, followingID string) (domain.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPair = [2]string{followerID, followingID}
	return domain.OutcomeNotFollowing, nil
}

func (f *fakeService) GetFollowers(_ context.Context, entityID string, page, pageSize int) (*domain.EdgePage, error) {
	return f.page, nil
}

func (f *fakeService) GetFollowing(_ context.Context, entityID string, page, pageSize int) (*domain.EdgePage, error) {
	return f.page, nil
}

func (f *fakeService) GetStats(_ context.Context, entityID string) (*domain.Counter, error) {
	return f.stats, f.statsErr
}

func (f *fakeService) BatchIsFollowing(_ context.Context, followerID string, targetIDs []string) (map[string]bool, error) {
	out := map[string]bool{}
	for _, id := range targetIDs {
		out[id] = id == "b"
	}
	return out, nil
}

func (f *fakeService) ProvisionCounter(_ context.Context, entityID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.provisioned[entityID] {
		return false, nil
	}
	f.provisioned[entityID] = true
	return true, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code string `json:"code"`
	} `json:"error"`
	Pagination *struct {
		Page       int   `json:"page"`
		PageSize   int   `json:"page_size"`
		Total      int64 `json:"total"`
		TotalPages int   `json:"total_pages"`
	} `json:"pagination"`
}

type testServer struct {
	router *gin.Engine
	svc    *fakeService
	tokens *jwt.Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tokens, err := jwt.NewManager("test-secret", time.Minute, "test")
	require.NoError(t, err)

	svc := &fakeService{provisioned: map[string]bool{}}
	h := NewHandler(svc, middleware.NewAuthMiddleware(tokens), RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
	})

	r := gin.New()
	h.RegisterRoutes(r)
	return &testServer{router: r, svc: svc, tokens: tokens}
}

func (s *testServer) token(t *testing.T, userID string, roles ...string) string {
	t.Helper()
	tok, err := s.tokens.GenerateAccessToken(userID, userID, roles)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	json.Unmarshal(w.Body.Bytes(), &env)
	return w, env
}

func TestFollowRequiresAuth(t *testing.T) {
	s := newTestServer(t)
	w, env := s.do(t, http.MethodPost, "/api/v1/users/u2/follow", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, "UNAUTHORIZED", env.Error.Code)
	assert.Zero(t, s.svc.followCalls)
}

func TestFollowReturnsOutcome(t *testing.T) {
	s := newTestServer(t)
	w, env := s.do(t, http.MethodPost, "/api/v1/users/u2/follow", s.token(t, "u1"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.Success)
	assert.Equal(t, [2]string{"u1", "u2"}, s.svc.lastPair)

	var data struct {
		Status    string `json:"status"`
		Following bool   `json:"following"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "FOLLOWED", data.Status)
	assert.True(t, data.Following)
}

func TestUnfollowReturnsOutcome(t *testing.T) {
	s := newTestServer(t)
	w, env := s.do(t, http.MethodDelete, "/api/v1/users/u2/follow", s.token(t, "u1"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(env.Data), "NOT_FOLLOWING")
}

func TestFollowSelf(t *testing.T) {
	s := newTestServer(t)
	w, env := s.do(t, http.MethodPost, "/api/v1/users/u1/follow", s.token(t, "u1"), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "SELF_FOLLOW", env.Error.Code)
	assert.Equal(t, 1, s.svc.followCalls)
}

func TestFollowRetriesTransientFailures(t *testing.T) {
	s := newTestServer(t)
	s.svc.followErrs = []error{fmt.Errorf("%w: locked", service.ErrTransientStorage)}

	w, _ := s.do(t, http.MethodPost, "/api/v1/users/u2/follow", s.token(t, "u1"), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, s.svc.followCalls)
}

func TestFollowGivesUpAfterMaxAttempts(t *testing.T) {
	s := newTestServer(t)
	transient := fmt.Errorf("%w: timeout", service.ErrTransientStorage)
	s.svc.followErrs = []error{transient, transient, transient, transient}

	w, env := s.do(t, http.MethodPost, "/api/v1/users/u2/follow", s.token(t, "u1"), nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "TRANSIENT_STORAGE_FAILURE", env.Error.Code)
	assert.Equal(t, 3, s.svc.followCalls)
}

func TestFollowErrorsAreNotRetried(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{fmt.Errorf("%w: u2", service.ErrEntityNotProvisioned), "ENTITY_NOT_PROVISIONED"},
		{fmt.Errorf("%w: u2", service.ErrInvariantViolation), "INVARIANT_VIOLATION"},
		{fmt.Errorf("boom"), "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			s := newTestServer(t)
			s.svc.followErrs = []error{tc.err}

			w, env := s.do(t, http.MethodPost, "/api/v1/users/u2/follow", s.token(t, "u1"), nil)
			assert.Equal(t, http.StatusInternalServerError, w.Code)
			require.NotNil(t, env.Error)
			assert.Equal(t, tc.code, env.Error.Code)
			assert.Equal(t, 1, s.svc.followCalls)
		})
	}
}

func TestGetFollowersPaginated(t *testing.T) {
	s := newTestServer(t)
	s.svc.page = domain.NewEdgePage([]domain.Edge{{ID: "e1", FollowerID: "a", FollowingID: "x"}}, 3, 10, 25)

	w, env := s.do(t, http.MethodGet, "/api/v1/users/x/followers?page=3&limit=10", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, env.Pagination)
	assert.Equal(t, 3, env.Pagination.Page)
	assert.Equal(t, 10, env.Pagination.PageSize)
	assert.Equal(t, int64(25), env.Pagination.Total)
	assert.Equal(t, 3, env.Pagination.TotalPages)

	var edges []domain.Edge
	require.NoError(t, json.Unmarshal(env.Data, &edges))
	require.Len(t, edges, 1)
	assert.Equal(t, "a", edges[0].FollowerID)

	w, _ = s.do(t, http.MethodGet, "/api/v1/users/x/following?page=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetStats(t *testing.T) {
	s := newTestServer(t)
	s.svc.stats = &domain.Counter{EntityID: "x", FollowersCount: 4}

	w, env := s.do(t, http.MethodGet, "/api/v1/users/x/stats", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(env.Data), `"followers_count":4`)

	s.svc.statsErr = fmt.Errorf("%w: x", service.ErrEntityNotProvisioned)
	w, _ = s.do(t, http.MethodGet, "/api/v1/users/x/stats", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBatchIsFollowing(t *testing.T) {
	s := newTestServer(t)

	w, env := s.do(t, http.MethodPost, "/api/v1/users/a/following/status", "", gin.H{"target_ids": []string{"b", "c"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"results":{"b":true,"c":false}}`, string(env.Data))

	w, _ = s.do(t, http.MethodPost, "/api/v1/users/a/following/status", "", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProvisionRequiresServiceRole(t *testing.T) {
	s := newTestServer(t)
	body := gin.H{"entity_id": "u9"}

	w, env := s.do(t, http.MethodPost, "/internal/v1/counters", s.token(t, "u1"), body)
	assert.Equal(t, http.StatusForbidden, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "FORBIDDEN", env.Error.Code)

	svcToken := s.token(t, "user-service", RoleService)
	w, _ = s.do(t, http.MethodPost, "/internal/v1/counters", svcToken, body)
	assert.Equal(t, http.StatusCreated, w.Code)

	w, env = s.do(t, http.MethodPost, "/internal/v1/counters", svcToken, body)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"entity_id":"u9","created":false}`, string(env.Data))
}
