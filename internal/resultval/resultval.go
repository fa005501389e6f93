// Package resultval is an optional, advisory check that a query result
// plausibly answers the original question — grounded on
// services/result_validator.py. Per spec.md §9 Open Question (b), its
// verdict is surfaced but never affects audit outcome classification or
// whether a result is returned to the caller.
package resultval

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/you/pgmcp/internal/config"
)

const systemPrompt = `You check whether a SQL query result plausibly answers a natural-language
question. Respond with a JSON object: {"is_valid": bool, "confidence": 0..1,
"explanation": "..."}.`

const userPromptTemplate = `Question: %s
SQL: %s
Result summary: %s`

// Verdict is the parsed model judgement, matching result_validator.py's
// ValidationResult pydantic model.
type Verdict struct {
	IsValid     bool
	Confidence  float64
	Explanation string
}

// safeDefault is returned whenever validation can't run to completion —
// on timeout or any client error — so an advisory check failure never
// looks like a negative verdict.
var safeDefault = Verdict{IsValid: true, Confidence: 0.5, Explanation: "validation unavailable"}

type Validator struct {
	client  openai.Client
	model   string
	timeout time.Duration
}

func New(cfg config.OpenAIConfig) *Validator {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(string(cfg.APIKey)))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Validator{client: openai.NewClient(opts...), model: cfg.Model, timeout: 10 * time.Second}
}

type verdictJSON struct {
	IsValid     bool    `json:"is_valid"`
	Confidence  float64 `json:"confidence"`
	Explanation string  `json:"explanation"`
}

// Validate asks the model whether rowCount rows summarized by resultSummary
// plausibly answer question. An empty result is handled specially — it is
// valid whenever the question's phrasing doesn't promise a non-empty
// answer, which the model is asked to judge directly rather than the code
// guessing at phrasing.
func (v *Validator) Validate(ctx context.Context, question, sql, resultSummary string, rowCount int) Verdict {
	cctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	summary := resultSummary
	if rowCount == 0 {
		summary = "(no rows returned)"
	}
	if len(summary) > 2000 {
		summary = summary[:2000] + "... (truncated)"
	}

	resp, err := v.client.Chat.Completions.New(cctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(v.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(fmt.Sprintf(userPromptTemplate, question, sql, summary)),
		},
		Temperature: openai.Float(0),
	})
	if err != nil {
		return safeDefault
	}
	if len(resp.Choices) == 0 {
		return safeDefault
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var parsed verdictJSON
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return safeDefault
	}

	confidence := parsed.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return Verdict{IsValid: parsed.IsValid, Confidence: confidence, Explanation: parsed.Explanation}
}
