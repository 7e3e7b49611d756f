package oracle

import (
	"context"
	"fmt"
	"strings"
)

// MockOracle produces deterministic local replies so the rest of the stack
// works without a configured endpoint. Classification prompts get a small
// keyword-driven JSON verdict; everything else gets an echo reply.
type MockOracle struct{}

func NewMockOracle() *MockOracle { return &MockOracle{} }

func (o *MockOracle) Complete(ctx context.Context, req Request) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	default:
	}

	input := lastUserContent(req.Messages)
	if marker := "ANALYZE THIS INPUT: "; strings.Contains(input, marker) {
		utterance := input[strings.Index(input, marker)+len(marker):]
		return Response{Content: mockVerdict(utterance), Model: "mock"}, nil
	}

	reply := strings.TrimSpace(input)
	if reply == "" {
		reply = "I am listening."
	}
	return Response{Content: "I heard you: " + reply, Model: "mock"}, nil
}

func lastUserContent(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

func mockVerdict(utterance string) string {
	lower := strings.ToLower(utterance)
	category, confidence := "general_chat", 0.80
	switch {
	case strings.Contains(lower, "hello") || strings.Contains(lower, "hi "):
		category, confidence = "greeting", 0.95
	case strings.Contains(lower, "bye"):
		category, confidence = "goodbye", 0.95
	case strings.HasSuffix(strings.TrimSpace(lower), "?"):
		category, confidence = "question_answering", 0.85
	}
	return fmt.Sprintf(`{"category": %q, "confidence": %.2f, "reasoning": "mock classification", "entities": {}, "follow_up_needed": false, "context_dependent": false}`,
		category, confidence)
}
