package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/taskmesh/config"
	"github.com/BaSui01/taskmesh/types"
)

func chatServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Len(t, req.Messages, 2)

		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": content}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testClient(baseURL string, maxRetries int) *Client {
	return NewClient(config.OracleConfig{
		Enabled:    true,
		BaseURL:    baseURL,
		APIKey:     "test-key",
		Model:      "test-model",
		Timeout:    5 * time.Second,
		MaxRetries: maxRetries,
	}, nil, nil)
}

func TestAnalyzeTask(t *testing.T) {
	srv := chatServer(t, `{"complexity_score": 7, "requires_decomposition": true, "estimated_duration": 45, "required_capabilities": ["data_analysis"]}`)
	c := testClient(srv.URL, 0)

	result, err := c.AnalyzeTask(context.Background(), "analyze sales data", types.Requirements{
		Capabilities: types.StringList{"data_analysis"},
	})
	require.NoError(t, err)
	assert.Equal(t, 7, result.ComplexityScore)
	assert.True(t, result.RequiresDecomposition)
	assert.Equal(t, 45, result.EstimatedDurationMinutes)
	assert.Equal(t, types.StringList{"data_analysis"}, result.RequiredCapabilities)
	assert.Equal(t, "oracle", result.Source)
}

func TestAnalyzeTaskClampsScore(t *testing.T) {
	srv := chatServer(t, `{"complexity_score": 42, "requires_decomposition": true}`)
	c := testClient(srv.URL, 0)

	result, err := c.AnalyzeTask(context.Background(), "x", types.Requirements{})
	require.NoError(t, err)
	assert.Equal(t, 10, result.ComplexityScore)
}

func TestAnalyzeTaskToleratesCodeFences(t *testing.T) {
	srv := chatServer(t, "Here you go:\n```json\n{\"complexity_score\": 3, \"requires_decomposition\": false}\n```\n")
	c := testClient(srv.URL, 0)

	result, err := c.AnalyzeTask(context.Background(), "x", types.Requirements{})
	require.NoError(t, err)
	assert.Equal(t, 3, result.ComplexityScore)
	assert.False(t, result.RequiresDecomposition)
}

func TestDecompose(t *testing.T) {
	srv := chatServer(t, `{"subtasks": [
		{"title": "collect", "description": "collect data", "required_capabilities": ["web_scraping"], "priority": 2, "estimated_duration": 20, "dependencies": []},
		{"title": "report", "description": "write report", "required_capabilities": ["report_generation"], "priority": 9, "estimated_duration": 15, "dependencies": [0]}
	]}`)
	c := testClient(srv.URL, 0)

	subtasks, err := c.Decompose(context.Background(), "scrape and report", types.Requirements{Priority: 3})
	require.NoError(t, err)
	require.Len(t, subtasks, 2)
	assert.Equal(t, "collect", subtasks[0].Title)
	assert.Equal(t, 2, subtasks[0].Priority)
	// Out-of-range priorities fall back to the parent's.
	assert.Equal(t, 3, subtasks[1].Priority)
	assert.Equal(t, []int{0}, subtasks[1].DependencyIndices)
}

func TestPlan(t *testing.T) {
	srv := chatServer(t, `{
		"execution_phases": [
			{"parallel_tasks": [{"subtask_index": 0, "assigned_agent_id": 1}, {"subtask_index": 1, "assigned_agent_id": 2}]},
			{"parallel_tasks": [{"subtask_index": 2, "assigned_agent_id": 1}]}
		],
		"critical_path": [0, 2],
		"total_duration": 60,
		"resource_summary": {"cpu": 0.5}
	}`)
	c := testClient(srv.URL, 0)

	plan, err := c.Plan(context.Background(), []types.Subtask{{Title: "a"}, {Title: "b"}, {Title: "c"}}, nil)
	require.NoError(t, err)
	require.Len(t, plan.Phases, 2)
	assert.Len(t, plan.Phases[0].ParallelAssignments, 2)
	assert.Equal(t, uint(1), plan.Phases[1].ParallelAssignments[0].AgentID)
	assert.Equal(t, []int{0, 2}, plan.CriticalPath)
	assert.Equal(t, 60, plan.TotalDurationMinutes)
	assert.InDelta(t, 0.5, plan.ResourceSummary["cpu"], 1e-9)
	assert.False(t, plan.Empty())
}

func TestSynthesize(t *testing.T) {
	srv := chatServer(t, `{"success": true, "decision": "sequential-queue", "rationale": "least disruption"}`)
	c := testClient(srv.URL, 0)

	res, err := c.Synthesize(context.Background(), map[string]any{"type": "resource_contention"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "sequential-queue", res.Decision)
}

func TestParseFailureIsTyped(t *testing.T) {
	srv := chatServer(t, "I cannot answer that in JSON, sorry.")
	c := testClient(srv.URL, 0)

	_, err := c.AnalyzeTask(context.Background(), "x", types.Requirements{})
	require.Error(t, err)
	assert.Equal(t, types.ErrOracleParse, types.GetErrorCode(err))
	assert.False(t, types.IsRetryable(err))
}

func TestServerErrorRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "upstream overloaded", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"choices": [{"message": {"role": "assistant", "content": "{\"complexity_score\": 2}"}}]}`)
	}))
	t.Cleanup(srv.Close)

	c := testClient(srv.URL, 2)
	result, err := c.AnalyzeTask(context.Background(), "x", types.Requirements{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.ComplexityScore)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClientErrorDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	c := testClient(srv.URL, 3)
	_, err := c.AnalyzeTask(context.Background(), "x", types.Requirements{})
	require.Error(t, err)
	assert.Equal(t, types.ErrOracleFailure, types.GetErrorCode(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare object", `{"a": 1}`, `{"a": 1}`},
		{"fenced", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"prose around object", `Sure! {"a": 1} Hope that helps.`, `{"a": 1}`},
		{"array", `[1, 2]`, `[1, 2]`},
		{"nothing", "no structured data here", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractJSON(tt.in))
		})
	}
}
