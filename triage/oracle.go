package triage

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/internal/metrics"
	"github.com/BaSui01/taskmesh/oracle"
	"github.com/BaSui01/taskmesh/types"
)

// OracleAnalyzer asks the decision oracle for a complexity estimate and
// falls back to the heuristic when the oracle fails or returns garbage. The
// fallback is silent: callers only ever see a valid result.
type OracleAnalyzer struct {
	oracle    oracle.Oracle
	fallback  *HeuristicAnalyzer
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewOracleAnalyzer wires the oracle-backed analyzer. The collector may be
// nil when metrics are disabled.
func NewOracleAnalyzer(o oracle.Oracle, fallback *HeuristicAnalyzer, collector *metrics.Collector, logger *zap.Logger) *OracleAnalyzer {
	if fallback == nil {
		fallback = NewHeuristicAnalyzer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OracleAnalyzer{
		oracle:    o,
		fallback:  fallback,
		collector: collector,
		logger:    logger.With(zap.String("component", "triage")),
	}
}

// Analyze implements Analyzer.
func (a *OracleAnalyzer) Analyze(ctx context.Context, description string, req types.Requirements) (*types.TriageResult, error) {
	if a.oracle == nil {
		return a.fallback.Analyze(ctx, description, req)
	}

	result, err := a.oracle.AnalyzeTask(ctx, description, req)
	if err != nil {
		a.logger.Info("oracle triage failed, using heuristic",
			zap.String("error_code", string(types.GetErrorCode(err))),
			zap.Error(err),
		)
		if a.collector != nil {
			a.collector.RecordOracleFallback("analyze_task")
		}
		return a.fallback.Analyze(ctx, description, req)
	}
	return result, nil
}

var _ Analyzer = (*OracleAnalyzer)(nil)
