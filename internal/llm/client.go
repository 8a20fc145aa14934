package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ignite/inbox-intel/internal/config"
	"github.com/ignite/inbox-intel/internal/pkg/logger"
)

// completer is the raw backend surface. Both providers take a system and a
// user prompt and return the model's text, which is expected to be JSON.
type completer interface {
	completeJSON(ctx context.Context, model, system, user string) (string, error)
}

// Client implements Collaborator on top of a provider backend. Model
// selection is per task, falling back to the primary model.
type Client struct {
	backend completer
	cfg     config.LLMConfig
}

var _ Collaborator = (*Client)(nil)

// New builds a Client for the configured provider.
func New(cfg config.LLMConfig) (*Client, error) {
	switch cfg.Provider {
	case "openai", "":
		return &Client{backend: newOpenAIBackend(cfg), cfg: cfg}, nil
	case "bedrock":
		b, err := newBedrockBackend(cfg)
		if err != nil {
			return nil, err
		}
		return &Client{backend: b, cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// Classify renders a triage verdict for one message. Transport failures
// surface as errors so the caller can retry; a response that is not valid
// JSON degrades to the fallback verdict instead.
func (c *Client) Classify(ctx context.Context, tc TriageContext) (*TriageVerdict, error) {
	raw, err := c.backend.completeJSON(ctx, c.cfg.Model, classifySystemPrompt, classifyUserPrompt(tc))
	if err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}
	var v TriageVerdict
	if err := json.Unmarshal([]byte(stripFences(raw)), &v); err != nil {
		logger.Warn("triage verdict unparseable, using fallback",
			"message_id", tc.MessageID, "error", err.Error())
		return FallbackVerdict(), nil
	}
	v.Normalize(tc.Categories)
	return &v, nil
}

// Analyze extracts working-memory material from one message.
func (c *Client) Analyze(ctx context.Context, ac AnalysisContext) (*EmailAnalysis, error) {
	model := modelOr(c.cfg.WMModel, c.cfg.Model)
	raw, err := c.backend.completeJSON(ctx, model, analysisSystemPrompt, analysisUserPrompt(ac))
	if err != nil {
		return nil, fmt.Errorf("analyze: %w", err)
	}
	var a EmailAnalysis
	if err := json.Unmarshal([]byte(stripFences(raw)), &a); err != nil {
		return nil, fmt.Errorf("analyze: decode response: %w", err)
	}
	a.Normalize()
	return &a, nil
}

// ParseRule converts a natural-language alert rule into structured
// conditions.
func (c *Client) ParseRule(ctx context.Context, ruleText string) (*ParsedConditions, error) {
	model := modelOr(c.cfg.RuleParserModel, c.cfg.Model)
	raw, err := c.backend.completeJSON(ctx, model, ruleParserSystemPrompt, ruleText)
	if err != nil {
		return nil, fmt.Errorf("parse rule: %w", err)
	}
	var p ParsedConditions
	if err := json.Unmarshal([]byte(stripFences(raw)), &p); err != nil {
		return nil, fmt.Errorf("parse rule: decode response: %w", err)
	}
	p.Normalize()
	return &p, nil
}

// SemanticMatch judges whether an event satisfies a rule's intent.
func (c *Client) SemanticMatch(ctx context.Context, ruleText string, event map[string]any) (*MatchResult, error) {
	model := modelOr(c.cfg.AlertModel, c.cfg.Model)
	raw, err := c.backend.completeJSON(ctx, model, semanticMatchSystemPrompt, semanticMatchUserPrompt(ruleText, event))
	if err != nil {
		return nil, fmt.Errorf("semantic match: %w", err)
	}
	var m MatchResult
	if err := json.Unmarshal([]byte(stripFences(raw)), &m); err != nil {
		return nil, fmt.Errorf("semantic match: decode response: %w", err)
	}
	if m.Confidence < 0 {
		m.Confidence = 0
	}
	if m.Confidence > 1 {
		m.Confidence = 1
	}
	return &m, nil
}

// ExtractFacts pulls flat lookup facts from a source document.
func (c *Client) ExtractFacts(ctx context.Context, fc FactContext) ([]ExtractedFact, error) {
	model := modelOr(c.cfg.FactsModel, c.cfg.Model)
	raw, err := c.backend.completeJSON(ctx, model, factsSystemPrompt, factsUserPrompt(fc))
	if err != nil {
		return nil, fmt.Errorf("extract facts: %w", err)
	}
	var envelope struct {
		Facts []ExtractedFact `json:"facts"`
	}
	if err := json.Unmarshal([]byte(stripFences(raw)), &envelope); err != nil {
		return nil, fmt.Errorf("extract facts: decode response: %w", err)
	}
	kept := envelope.Facts[:0]
	for _, f := range envelope.Facts {
		if f.FactType == "" || f.FactValue == "" {
			continue
		}
		if f.Confidence < 0 {
			f.Confidence = 0
		}
		if f.Confidence > 1 {
			f.Confidence = 1
		}
		kept = append(kept, f)
	}
	return kept, nil
}

func modelOr(specific, fallback string) string {
	if specific != "" {
		return specific
	}
	return fallback
}
