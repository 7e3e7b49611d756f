package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mpedrazzi/intentchat/internal/oracle"
	"github.com/mpedrazzi/intentchat/internal/store"
)

const analyzeMarker = "ANALYZE THIS INPUT: "

// context summary uses at most this many trailing window turns, each
// previewed to this many characters.
const (
	contextSummaryTurns   = 6
	contextPreviewCharLen = 100
)

// ClassifierConfig tunes the oracle call and the acceptance threshold.
type ClassifierConfig struct {
	Threshold   float64
	Temperature float64
	MaxTokens   int
}

// Classifier resolves an utterance to an IntentResult, calling the oracle
// first and falling back to the rule classifier on any transport or
// protocol failure. A valid oracle result below the threshold is delivered
// flagged, never replaced.
type Classifier struct {
	oracle   oracle.Oracle
	fallback *RuleClassifier
	cfg      ClassifierConfig
}

func NewClassifier(o oracle.Oracle, fallback *RuleClassifier, cfg ClassifierConfig) (*Classifier, error) {
	if o == nil {
		return nil, &ConfigurationError{Field: "oracle", Reason: "is required"}
	}
	if fallback == nil {
		return nil, &ConfigurationError{Field: "fallback classifier", Reason: "is required"}
	}
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		return nil, &ConfigurationError{Field: "threshold", Reason: fmt.Sprintf("must be in (0, 1], got %v", cfg.Threshold)}
	}
	return &Classifier{oracle: o, fallback: fallback, cfg: cfg}, nil
}

// Classify resolves text against the closed category set. The window is
// prior conversation context, oldest first.
func (c *Classifier) Classify(ctx context.Context, text string, window []store.Turn) (Result, error) {
	messages := []oracle.Message{{Role: "system", Content: buildIntentPrompt()}}
	if summary := summarizeWindow(window); summary != "" {
		messages = append(messages, oracle.Message{Role: "system", Content: "CONVERSATION CONTEXT: " + summary})
	}
	messages = append(messages, oracle.Message{Role: "user", Content: analyzeMarker + text})

	res, err := c.oracle.Complete(ctx, oracle.Request{
		Messages:    messages,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		if errors.Is(err, oracle.ErrUnavailable) || errors.Is(err, oracle.ErrProtocol) {
			return c.fallback.Classify(text), nil
		}
		return Result{}, fmt.Errorf("classify: %w", err)
	}

	result, err := parseVerdict(res.Content)
	if err != nil {
		return c.fallback.Classify(text), nil
	}

	if result.Confidence < c.cfg.Threshold {
		result.LowConfidence = true
	}
	return result, nil
}

// Fallback exposes the rule classifier for direct use.
func (c *Classifier) Fallback() *RuleClassifier { return c.fallback }

// Threshold reports the configured acceptance threshold.
func (c *Classifier) Threshold() float64 { return c.cfg.Threshold }

func buildIntentPrompt() string {
	descriptions := Descriptions()
	var lines []string
	for _, cat := range Categories() {
		lines = append(lines, fmt.Sprintf("- %s: %s", cat, descriptions[cat]))
	}

	return `You are an expert intent analysis system. Analyze user input and determine their intent with high accuracy.

INTENT CATEGORIES:
` + strings.Join(lines, "\n") + `

RESPONSE FORMAT:
Respond with ONLY a valid JSON object in this exact format:
{
    "category": "intent_category",
    "confidence": 0.85,
    "reasoning": "Clear explanation of why this intent was chosen",
    "entities": {"key": "value"},
    "follow_up_needed": false,
    "context_dependent": false
}

GUIDELINES:
- Be precise and consistent in classification
- Higher confidence for clear, specific requests
- Lower confidence for ambiguous or unclear input
- Extract all relevant entities mentioned
- Consider conversation flow and context

EXAMPLES:

Input: "Hello there!"
Output: {"category": "greeting", "confidence": 0.95, "reasoning": "Clear greeting with friendly tone", "entities": {}, "follow_up_needed": false, "context_dependent": false}

Input: "What's the weather like?"
Output: {"category": "information_seeking", "confidence": 0.90, "reasoning": "Direct request for weather information", "entities": {"topic": "weather"}, "follow_up_needed": true, "context_dependent": false}

Input: "Can you explain what we discussed earlier?"
Output: {"category": "clarification", "confidence": 0.88, "reasoning": "Request to revisit previous conversation", "entities": {"reference": "earlier discussion"}, "follow_up_needed": false, "context_dependent": true}`
}

// summarizeWindow renders the trailing turns as a compact role-prefixed
// line for the oracle context message.
func summarizeWindow(window []store.Turn) string {
	if len(window) > contextSummaryTurns {
		window = window[len(window)-contextSummaryTurns:]
	}
	var parts []string
	for _, turn := range window {
		role := "User"
		if turn.Role == store.RoleAssistant {
			role = "Assistant"
		}
		content := turn.Content
		if len(content) > contextPreviewCharLen {
			content = content[:contextPreviewCharLen] + "..."
		}
		parts = append(parts, role+": "+content)
	}
	return strings.Join(parts, " | ")
}

type verdict struct {
	Category         string            `json:"category"`
	Confidence       *float64          `json:"confidence"`
	Reasoning        string            `json:"reasoning"`
	Entities         map[string]string `json:"entities"`
	FollowUpNeeded   bool              `json:"follow_up_needed"`
	ContextDependent bool              `json:"context_dependent"`
}

// parseVerdict decodes the oracle's JSON verdict, tolerating markdown code
// fences around it. An unknown category or undecodable payload is a
// protocol-level failure that routes to fallback.
func parseVerdict(content string) (Result, error) {
	cleaned := stripCodeFence(strings.TrimSpace(content))

	var v verdict
	if err := json.Unmarshal([]byte(cleaned), &v); err != nil {
		return Result{}, fmt.Errorf("%w: decode verdict: %v", oracle.ErrProtocol, err)
	}
	if v.Category == "" || v.Confidence == nil || v.Reasoning == "" {
		return Result{}, fmt.Errorf("%w: verdict missing required fields", oracle.ErrProtocol)
	}

	category, ok := ParseCategory(v.Category)
	if !ok {
		return Result{}, fmt.Errorf("%w: unknown category %q", oracle.ErrProtocol, v.Category)
	}

	confidence := *v.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	return Result{
		Category:         category,
		Confidence:       confidence,
		Reasoning:        v.Reasoning,
		Entities:         v.Entities,
		FollowUpNeeded:   v.FollowUpNeeded,
		ContextDependent: v.ContextDependent,
		Source:           SourceOracle,
	}, nil
}

func stripCodeFence(s string) string {
	if idx := strings.Index(s, "```json"); idx >= 0 {
		s = s[idx+len("```json"):]
	} else if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+3:]
	} else {
		return s
	}
	if end := strings.Index(s, "```"); end >= 0 {
		s = s[:end]
	}
	return strings.TrimSpace(s)
}
