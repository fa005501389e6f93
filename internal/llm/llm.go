// Package llm is the Language-Model Client (spec.md C6): turns a schema
// snapshot and a natural-language question into a candidate SQL statement,
// the way openai_client.py's OpenAIClient.generate_sql and the teacher's
// generateSQL do, merged into one client with the original's structured
// JSON response contract.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/you/pgmcp/internal/config"
	"github.com/you/pgmcp/internal/errs"
)

const systemPromptTemplate = `You are a PostgreSQL expert that translates natural-language questions into
safe, read-only SQL.

Rules:
- Only generate SELECT statements. Never INSERT, UPDATE, DELETE, or any DDL.
- Use only the tables and columns shown in the schema below.
- ALWAYS check the schema for foreign key relationships before writing JOINs.
- Prefer single-table queries; limit JOINs to the minimum needed.
- Return a JSON object: {"sql": "...", "explanation": "..."}.

Schema:
%s`

// Result is the parsed model output, matching
// infrastructure/openai_client.py's SQLGenerationResult.
type Result struct {
	SQL         string
	Explanation string
	TokensUsed  int64
}

// Client wraps openai-go the way the teacher's Server embeds an
// openai.Client value, generalized to accept an error-context hint for
// syntax-retry loops (spec.md's SYNTAX_RETRY state).
type Client struct {
	client  openai.Client
	model   string
	timeout time.Duration
}

func New(cfg config.OpenAIConfig) *Client {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(string(cfg.APIKey)))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30
	}
	return &Client{
		client:  openai.NewClient(opts...),
		model:   cfg.Model,
		timeout: time.Duration(timeout * float64(time.Second)),
	}
}

type responseJSON struct {
	SQL         string `json:"sql"`
	Explanation string `json:"explanation"`
}

// GenerateSQL asks the model for one SQL statement. errorContext, when
// non-empty, is appended as a hint about why the previous attempt failed —
// the SYNTAX_RETRY path in spec.md §5 feeds the parser's error message back
// in here.
func (c *Client) GenerateSQL(ctx context.Context, question, schemaPromptText, errorContext string) (Result, error) {
	sys := fmt.Sprintf(systemPromptTemplate, schemaPromptText)
	user := "Question: " + strings.TrimSpace(question) + "\nReturn ONLY a JSON object with \"sql\" and \"explanation\" keys."
	if errorContext != "" {
		user += "\n\nThe previous attempt failed: " + errorContext + "\nProduce a corrected query."
	}

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.Chat.Completions.New(cctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(sys),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(0),
	})
	if err != nil {
		return Result{}, errs.OpenAIErr(err.Error(), err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, errs.OpenAIErr("model returned no choices", nil)
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var parsed responseJSON
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return Result{}, errs.OpenAIErr("model response was not valid JSON: "+err.Error(), err)
	}
	if strings.TrimSpace(parsed.SQL) == "" {
		return Result{}, errs.OpenAIErr("model returned an empty sql field", nil)
	}

	return Result{
		SQL:         strings.TrimSpace(parsed.SQL),
		Explanation: parsed.Explanation,
		TokensUsed:  resp.Usage.TotalTokens,
	}, nil
}

// IsRetryable classifies an OpenAI error the way
// resilience/retry_executor.py's OpenAIRetryExecutor does: rate limits,
// timeouts, and 5xx are retryable; authentication and invalid-request
// errors are not.
func IsRetryable(err error) bool {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "authentication"), strings.Contains(msg, "invalid_request"),
		strings.Contains(msg, "invalid request"), strings.Contains(msg, "401"), strings.Contains(msg, "400"):
		return false
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"),
		strings.Contains(msg, "timeout"), strings.Contains(msg, "500"),
		strings.Contains(msg, "502"), strings.Contains(msg, "503"):
		return true
	default:
		return false
	}
}
