package planner

import (
	"context"
	"strings"

	"econos/internal/capability"
	"econos/internal/logging"
	"econos/internal/task"
)

// RuleAnalyzer decomposes requests with keyword heuristics. It serves
// as the fallback when no LLM backend is configured, and keeps local
// runs deterministic.
type RuleAnalyzer struct {
	logger logging.Logger
}

// NewRuleAnalyzer constructs the heuristic analyzer.
func NewRuleAnalyzer(logger logging.Logger) *RuleAnalyzer {
	return &RuleAnalyzer{logger: logging.OrNop(logger)}
}

// Keyword triggers per service, checked in pipeline order: gather
// material first, then produce, then condense, then illustrate.
var ruleTriggers = []struct {
	serviceType task.TaskType
	keywords    []string
}{
	{task.TypeMarketResearch, []string{"market", "competitor", "industry", "segment"}},
	{task.TypeResearcher, []string{"research", "investigate", "sources", "find out", "analyze"}},
	{task.TypeWriter, []string{"write", "article", "blog", "draft", "report", "essay", "post"}},
	{task.TypeSummaryGeneration, []string{"summar", "tl;dr", "digest", "condense", "shorten"}},
	{task.TypeImageGeneration, []string{"image", "picture", "illustration", "logo", "visual", "draw"}},
}

func (a *RuleAnalyzer) Analyze(ctx context.Context, request string, summary *capability.Summary) (*Analysis, error) {
	lowered := strings.ToLower(request)

	var matched []task.TaskType
	for _, trigger := range ruleTriggers {
		for _, kw := range trigger.keywords {
			if strings.Contains(lowered, kw) {
				matched = append(matched, trigger.serviceType)
				break
			}
		}
	}
	if len(matched) == 0 {
		// Nothing recognizable: hand the whole request to a writer.
		matched = []task.TaskType{task.TypeWriter}
	}

	analysis := &Analysis{
		IsSingleAgent: len(matched) == 1,
		Reasoning:     "keyword heuristics over the request text",
		Confidence:    0.4,
	}
	for i, serviceType := range matched {
		step := AnalysisStep{
			Order:       i + 1,
			ServiceType: string(serviceType),
			Description: "handle the " + string(serviceType) + " part of the request",
			InputSource: InputSourcePrevious,
		}
		if i == 0 {
			step.InputSource = InputSourceUser
		}
		analysis.Steps = append(analysis.Steps, step)
	}
	a.logger.Debug("rule analysis: request=%q steps=%d", request, len(analysis.Steps))
	return analysis, nil
}
