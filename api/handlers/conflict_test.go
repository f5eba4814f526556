package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/bus"
	"github.com/BaSui01/taskmesh/conflict"
	"github.com/BaSui01/taskmesh/types"
)

// =============================================================================
// ⚔️ 冲突端点测试
// =============================================================================

func (e *handlerEnv) conflictHandler(t *testing.T) *ConflictHandler {
	t.Helper()
	exchange := bus.NewExchange(bus.NewChannelTransport(), nil, nil, nil, 50*time.Millisecond)
	resolver := conflict.NewResolver(e.store, exchange, nil, nil, zap.NewNop(), 50*time.Millisecond)
	return NewConflictHandler(e.store, resolver, zap.NewNop())
}

func (e *handlerEnv) seedConflict(t *testing.T) *types.Conflict {
	t.Helper()
	record, err := e.store.CreateConflict(e.ctx, &types.Conflict{
		Type:        types.ConflictCapabilityOverlap,
		Severity:    types.SeverityMedium,
		Description: "two busy agents share an identical capability set",
	})
	require.NoError(t, err)
	return record
}

func TestConflictHandler_ListAndGet(t *testing.T) {
	env := newHandlerEnv(t)
	h := env.conflictHandler(t)
	seeded := env.seedConflict(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/conflicts", nil)
	w := httptest.NewRecorder()
	h.HandleList(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var conflicts []types.Conflict
	decodeData(t, w, &conflicts)
	require.Len(t, conflicts, 1)
	assert.Equal(t, seeded.ID, conflicts[0].ID)

	get := httptest.NewRequest(http.MethodGet, "/api/v1/conflicts/"+strconvID(seeded.ID), nil)
	get.SetPathValue("id", strconvID(seeded.ID))
	w = httptest.NewRecorder()
	h.HandleGet(w, get)

	require.Equal(t, http.StatusOK, w.Code)
	var got types.Conflict
	decodeData(t, w, &got)
	assert.Equal(t, types.ConflictDetected, got.Status)
}

func TestConflictHandler_GetNotFound(t *testing.T) {
	env := newHandlerEnv(t)
	h := env.conflictHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/conflicts/42", nil)
	req.SetPathValue("id", "42")
	w := httptest.NewRecorder()
	h.HandleGet(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(types.ErrConflictNotFound), errorCode(t, w))
}

func TestConflictHandler_ResolveWithoutVotesFails(t *testing.T) {
	env := newHandlerEnv(t)
	h := env.conflictHandler(t)
	seeded := env.seedConflict(t)

	req := jsonRequest(t, http.MethodPost, "/api/v1/conflicts/"+strconvID(seeded.ID)+"/resolve",
		ResolveConflictRequest{Strategy: string(types.StrategyMajorityVote)})
	req.SetPathValue("id", strconvID(seeded.ID))
	w := httptest.NewRecorder()
	h.HandleResolve(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var outcome types.ResolutionOutcome
	decodeData(t, w, &outcome)
	assert.False(t, outcome.Resolved)
	assert.Equal(t, types.StrategyMajorityVote, outcome.Strategy)

	record, err := env.store.GetConflict(env.ctx, seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ConflictFailed, record.Status)
}

func TestConflictHandler_ResolveTwiceConflicts(t *testing.T) {
	env := newHandlerEnv(t)
	h := env.conflictHandler(t)
	seeded := env.seedConflict(t)

	resolve := func() *httptest.ResponseRecorder {
		req := jsonRequest(t, http.MethodPost, "/api/v1/conflicts/"+strconvID(seeded.ID)+"/resolve",
			ResolveConflictRequest{Strategy: string(types.StrategyMajorityVote)})
		req.SetPathValue("id", strconvID(seeded.ID))
		w := httptest.NewRecorder()
		h.HandleResolve(w, req)
		return w
	}

	require.Equal(t, http.StatusOK, resolve().Code)

	w := resolve()
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, string(types.ErrInvalidTransition), errorCode(t, w))
}

func TestConflictHandler_ResolveValidation(t *testing.T) {
	env := newHandlerEnv(t)
	h := env.conflictHandler(t)
	seeded := env.seedConflict(t)

	tests := []struct {
		name     string
		strategy string
	}{
		{name: "missing strategy", strategy: ""},
		{name: "unknown strategy", strategy: "coin_flip"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := jsonRequest(t, http.MethodPost, "/api/v1/conflicts/"+strconvID(seeded.ID)+"/resolve",
				ResolveConflictRequest{Strategy: tt.strategy})
			req.SetPathValue("id", strconvID(seeded.ID))
			w := httptest.NewRecorder()
			h.HandleResolve(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, string(types.ErrInvalidRequest), errorCode(t, w))
		})
	}
}
