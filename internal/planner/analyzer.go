package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"econos/internal/capability"
	econoserrors "econos/internal/errors"
	"econos/internal/httpclient"
	"econos/internal/logging"
)

// InputSource values accepted from the analyzer.
const (
	InputSourceUser     = "user"
	InputSourcePrevious = "previous"
)

// AnalysisStep is one proposed pipeline step.
type AnalysisStep struct {
	Order       int    `json:"order"`
	ServiceType string `json:"serviceType"`
	Description string `json:"description"`
	InputSource string `json:"inputSource"`
	InputField  string `json:"inputField,omitempty"`
}

// Analysis is the analyzer's decomposition of a request.
type Analysis struct {
	IsSingleAgent bool           `json:"isSingleAgent"`
	Steps         []AnalysisStep `json:"steps"`
	Reasoning     string         `json:"reasoning"`
	Confidence    float64        `json:"confidence"`
}

// Analyzer decomposes a natural-language request into marketplace
// steps, guided by what the marketplace currently offers.
type Analyzer interface {
	Analyze(ctx context.Context, request string, summary *capability.Summary) (*Analysis, error)
}

// LLMConfig configures the chat-completions analyzer backend.
type LLMConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// LLMAnalyzer asks an OpenAI-compatible chat completions endpoint to
// plan the pipeline. Responses are requested as strict JSON; malformed
// output goes through jsonrepair before being rejected.
type LLMAnalyzer struct {
	cfg    LLMConfig
	http   *http.Client
	logger logging.Logger
}

// NewLLMAnalyzer constructs the analyzer.
func NewLLMAnalyzer(cfg LLMConfig, logger logging.Logger) *LLMAnalyzer {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://openrouter.ai/api/v1"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = "deepseek/deepseek-chat"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	logger = logging.OrNop(logger)
	return &LLMAnalyzer{
		cfg:    cfg,
		http:   httpclient.New(cfg.Timeout, logger),
		logger: logger,
	}
}

const analyzerInstructions = `You plan work for a machine-to-machine marketplace. Decompose the request into the fewest ordered steps that satisfy it, using only these service types:
%s
Respond with strict JSON only, no prose, matching:
{"isSingleAgent": bool, "steps": [{"order": 1, "serviceType": "...", "description": "...", "inputSource": "user"|"previous", "inputField": "optional field name"}], "reasoning": "...", "confidence": 0.0-1.0}
The first step always has inputSource "user". A later step that consumes an earlier result uses "previous".`

func (a *LLMAnalyzer) Analyze(ctx context.Context, request string, summary *capability.Summary) (*Analysis, error) {
	payload := map[string]any{
		"model": a.cfg.Model,
		"messages": []map[string]string{
			{"role": "system", "content": fmt.Sprintf(analyzerInstructions, describeServices(summary))},
			{"role": "user", "content": request},
		},
		"temperature": 0.1,
		"max_tokens":  1024,
		"stream":      false,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := a.cfg.BaseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}

	resp, err := a.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("analyzer request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := httpclient.ReadAllWithLimit(resp.Body, 1<<20)
	if err != nil {
		return nil, fmt.Errorf("read analyzer response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("analyzer returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var completion struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Error *struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &completion); err != nil {
		return nil, fmt.Errorf("decode analyzer response: %w", err)
	}
	if completion.Error != nil && completion.Error.Message != "" {
		return nil, fmt.Errorf("analyzer error: %s", completion.Error.Message)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("analyzer returned no choices")
	}

	analysis, err := ParseAnalysis(completion.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("analysis: steps=%d singleAgent=%v confidence=%.2f", len(analysis.Steps), analysis.IsSingleAgent, analysis.Confidence)
	return analysis, nil
}

// ParseAnalysis decodes the model's JSON, repairing it when the model
// wrapped it in fences or emitted slightly broken syntax.
func ParseAnalysis(content string) (*Analysis, error) {
	raw := stripFences(content)

	var analysis Analysis
	if err := json.Unmarshal([]byte(raw), &analysis); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(raw)
		if repairErr != nil {
			return nil, fmt.Errorf("analysis is not valid JSON: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &analysis); err != nil {
			return nil, fmt.Errorf("analysis is not valid JSON after repair: %w", err)
		}
	}

	if len(analysis.Steps) == 0 {
		return nil, econoserrors.NewValidationError("analysis", "no steps proposed")
	}
	sort.SliceStable(analysis.Steps, func(i, j int) bool {
		return analysis.Steps[i].Order < analysis.Steps[j].Order
	})
	for i := range analysis.Steps {
		step := &analysis.Steps[i]
		step.ServiceType = strings.TrimSpace(step.ServiceType)
		if step.ServiceType == "" {
			return nil, econoserrors.NewValidationError("analysis", fmt.Sprintf("step %d has no service type", i+1))
		}
		switch step.InputSource {
		case InputSourceUser, InputSourcePrevious:
		case "":
			if i == 0 {
				step.InputSource = InputSourceUser
			} else {
				step.InputSource = InputSourcePrevious
			}
		default:
			return nil, econoserrors.NewValidationError("analysis", "inputSource must be user or previous")
		}
	}
	if analysis.Confidence < 0 {
		analysis.Confidence = 0
	}
	if analysis.Confidence > 1 {
		analysis.Confidence = 1
	}
	return &analysis, nil
}

func describeServices(summary *capability.Summary) string {
	if summary == nil || len(summary.Services) == 0 {
		return "- (no services currently available)"
	}
	types := make([]string, 0, len(summary.Services))
	for serviceType := range summary.Services {
		types = append(types, serviceType)
	}
	sort.Strings(types)
	var b strings.Builder
	for _, serviceType := range types {
		stats := summary.Services[serviceType]
		fmt.Fprintf(&b, "- %s (%d offers, cheapest %s wei)\n", serviceType, len(stats.Offers), stats.MinPriceWei)
	}
	return strings.TrimRight(b.String(), "\n")
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}
