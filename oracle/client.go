package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/taskmesh/config"
	"github.com/BaSui01/taskmesh/internal/metrics"
	"github.com/BaSui01/taskmesh/types"
)

// Client talks to an OpenAI-compatible chat completions endpoint and coerces
// the model's output into the structured results the coordinator needs.
type Client struct {
	cfg       config.OracleConfig
	http      *http.Client
	limiter   *rate.Limiter
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewClient builds an oracle client from configuration. The collector may be
// nil when metrics are disabled.
func NewClient(cfg config.OracleConfig, collector *metrics.Collector, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RateLimitRPS > 0 {
		limit = rate.Limit(cfg.RateLimitRPS)
	}
	return &Client{
		cfg:       cfg,
		http:      &http.Client{Timeout: timeout},
		limiter:   rate.NewLimiter(limit, 1),
		collector: collector,
		logger:    logger.With(zap.String("component", "oracle")),
	}
}

// AnalyzeTask implements Oracle.
func (c *Client) AnalyzeTask(ctx context.Context, description string, req types.Requirements) (*types.TriageResult, error) {
	prompt := analyzePrompt(description, req)

	var result struct {
		ComplexityScore       int      `json:"complexity_score"`
		RequiresDecomposition bool     `json:"requires_decomposition"`
		EstimatedDuration     int      `json:"estimated_duration"`
		RequiredCapabilities  []string `json:"required_capabilities"`
	}
	if err := c.ask(ctx, "analyze_task", prompt, &result); err != nil {
		return nil, err
	}

	if result.ComplexityScore < 1 {
		result.ComplexityScore = 1
	}
	if result.ComplexityScore > 10 {
		result.ComplexityScore = 10
	}
	caps := result.RequiredCapabilities
	if len(caps) == 0 {
		caps = req.Capabilities
	}
	return &types.TriageResult{
		ComplexityScore:          result.ComplexityScore,
		RequiresDecomposition:    result.RequiresDecomposition,
		RequiredCapabilities:     types.StringList(caps),
		EstimatedDurationMinutes: result.EstimatedDuration,
		Source:                   "oracle",
	}, nil
}

// Decompose implements Oracle.
func (c *Client) Decompose(ctx context.Context, description string, req types.Requirements) ([]types.Subtask, error) {
	prompt := decomposePrompt(description, req)

	var result struct {
		Subtasks []struct {
			Title                string   `json:"title"`
			Description          string   `json:"description"`
			RequiredCapabilities []string `json:"required_capabilities"`
			Priority             int      `json:"priority"`
			EstimatedDuration    int      `json:"estimated_duration"`
			Dependencies         []int    `json:"dependencies"`
		} `json:"subtasks"`
	}
	if err := c.ask(ctx, "decompose", prompt, &result); err != nil {
		return nil, err
	}

	subtasks := make([]types.Subtask, 0, len(result.Subtasks))
	for _, st := range result.Subtasks {
		priority := st.Priority
		if priority < 1 || priority > 5 {
			priority = req.Priority
		}
		subtasks = append(subtasks, types.Subtask{
			Title:                    st.Title,
			Description:              st.Description,
			RequiredCapabilities:     types.StringList(st.RequiredCapabilities),
			Priority:                 priority,
			EstimatedDurationMinutes: st.EstimatedDuration,
			DependencyIndices:        st.Dependencies,
		})
	}
	return subtasks, nil
}

// Plan implements Oracle.
func (c *Client) Plan(ctx context.Context, subtasks []types.Subtask, agents []types.Agent) (*types.ExecutionPlan, error) {
	prompt := planPrompt(subtasks, agents)

	var result struct {
		ExecutionPhases []struct {
			ParallelTasks []struct {
				SubtaskIndex    int  `json:"subtask_index"`
				AssignedAgentID uint `json:"assigned_agent_id"`
			} `json:"parallel_tasks"`
		} `json:"execution_phases"`
		CriticalPath    []int              `json:"critical_path"`
		TotalDuration   int                `json:"total_duration"`
		ResourceSummary map[string]float64 `json:"resource_summary"`
	}
	if err := c.ask(ctx, "plan", prompt, &result); err != nil {
		return nil, err
	}

	plan := &types.ExecutionPlan{
		CriticalPath:         result.CriticalPath,
		TotalDurationMinutes: result.TotalDuration,
		ResourceSummary:      types.ResourceProfile(result.ResourceSummary),
	}
	for _, phase := range result.ExecutionPhases {
		p := types.Phase{}
		for _, a := range phase.ParallelTasks {
			p.ParallelAssignments = append(p.ParallelAssignments, types.Assignment{
				SubtaskIndex: a.SubtaskIndex,
				AgentID:      a.AssignedAgentID,
			})
		}
		plan.Phases = append(plan.Phases, p)
	}
	return plan, nil
}

// Synthesize implements Oracle.
func (c *Client) Synthesize(ctx context.Context, payload map[string]any) (*Resolution, error) {
	prompt := synthesizePrompt(payload)

	var result Resolution
	if err := c.ask(ctx, "synthesize", prompt, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ask sends one prompt and unmarshals the extracted JSON answer into out.
// Transport failures retry with backoff up to the configured limit; parse
// failures do not retry since the model already consumed the budget once.
func (c *Client) ask(ctx context.Context, operation, prompt string, out any) error {
	start := time.Now()

	content, err := c.chat(ctx, prompt)
	if err != nil {
		c.observe(operation, "error", start)
		return err
	}

	raw := extractJSON(content)
	if raw == "" {
		c.observe(operation, "parse_error", start)
		return types.NewError(types.ErrOracleParse, "no JSON object in oracle response")
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		c.observe(operation, "parse_error", start)
		return types.NewError(types.ErrOracleParse, "malformed oracle response").WithCause(err)
	}

	c.observe(operation, "ok", start)
	return nil
}

func (c *Client) observe(operation, status string, start time.Time) {
	if c.collector != nil {
		c.collector.RecordOracleRequest(operation, status, time.Since(start))
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

const systemPrompt = "You are a task coordination assistant. Always answer with a single JSON object and nothing else."

func (c *Client) chat(ctx context.Context, prompt string) (string, error) {
	attempts := c.cfg.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return "", types.NewError(types.ErrTimeout, "oracle call cancelled").WithCause(ctx.Err())
			case <-time.After(backoff):
			}
		}

		content, err := c.chatOnce(ctx, prompt)
		if err == nil {
			return content, nil
		}
		lastErr = err
		if !types.IsRetryable(err) {
			return "", err
		}
		c.logger.Warn("oracle call failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return "", lastErr
}

func (c *Client) chatOnce(ctx context.Context, prompt string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", types.NewError(types.ErrTimeout, "oracle rate limit wait cancelled").WithCause(err)
	}

	payload, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return "", types.NewError(types.ErrInternalError, "failed to marshal oracle request").WithCause(err)
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", types.NewError(types.ErrInternalError, "failed to build oracle request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", types.NewError(types.ErrOracleFailure, "oracle request failed").
			WithCause(err).
			WithHTTPStatus(http.StatusBadGateway).
			WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", mapHTTPError(resp.StatusCode, string(body))
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", types.NewError(types.ErrOracleFailure, "failed to decode oracle response").
			WithCause(err).
			WithRetryable(true)
	}
	if len(cr.Choices) == 0 {
		return "", types.NewError(types.ErrOracleParse, "oracle returned no choices")
	}
	return cr.Choices[0].Message.Content, nil
}

func mapHTTPError(status int, body string) error {
	msg := fmt.Sprintf("oracle returned status %d", status)
	if body != "" {
		msg = fmt.Sprintf("%s: %s", msg, strings.TrimSpace(body))
	}
	e := types.NewError(types.ErrOracleFailure, msg).WithHTTPStatus(status)
	if status == http.StatusTooManyRequests || status >= 500 {
		return e.WithRetryable(true)
	}
	return e
}

// extractJSON pulls the first JSON object or array out of a model reply,
// tolerating markdown code fences and surrounding prose.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)

	if idx := strings.Index(s, "```"); idx >= 0 {
		rest := s[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			s = strings.TrimSpace(rest[:end])
		}
	}

	for _, pair := range [][2]byte{{'{', '}'}, {'[', ']'}} {
		start := strings.IndexByte(s, pair[0])
		end := strings.LastIndexByte(s, pair[1])
		if start >= 0 && end > start {
			return s[start : end+1]
		}
	}
	return ""
}

var _ Oracle = (*Client)(nil)
