// Package intent classifies user utterances into a closed category set,
// with an oracle-backed primary path and a deterministic rule fallback.
package intent

import "fmt"

// Category is one of the closed classification set. Values outside the set
// never leave this package; an oracle naming an unknown category forces the
// fallback path instead.
type Category string

const (
	GeneralChat        Category = "general_chat"
	QuestionAnswering  Category = "question_answering"
	TaskRequest        Category = "task_request"
	InformationSeeking Category = "information_seeking"
	Clarification      Category = "clarification"
	Greeting           Category = "greeting"
	Goodbye            Category = "goodbye"
)

// Categories lists the closed set in fixed priority order, used for
// fallback tie-breaking and prompt construction.
func Categories() []Category {
	return []Category{
		Greeting,
		Goodbye,
		TaskRequest,
		QuestionAnswering,
		InformationSeeking,
		Clarification,
		GeneralChat,
	}
}

// ParseCategory reports whether s names a category in the closed set.
func ParseCategory(s string) (Category, bool) {
	switch Category(s) {
	case GeneralChat, QuestionAnswering, TaskRequest, InformationSeeking,
		Clarification, Greeting, Goodbye:
		return Category(s), true
	}
	return "", false
}

// Descriptions returns the human-readable gloss per category, fed to the
// oracle prompt.
func Descriptions() map[Category]string {
	return map[Category]string{
		GeneralChat:        "Casual conversation, small talk, or open-ended chat",
		QuestionAnswering:  "A direct question expecting a factual or explanatory answer",
		TaskRequest:        "A request to perform, create, or help with a concrete task",
		InformationSeeking: "Looking up or gathering information on a topic",
		Clarification:      "Asking to clarify, rephrase, or expand on something already said",
		Greeting:           "An opening salutation",
		Goodbye:            "A closing farewell",
	}
}

// Source records which path produced a Result.
type Source string

const (
	SourceOracle   Source = "oracle"
	SourceFallback Source = "fallback"
)

// Result is one classification outcome.
type Result struct {
	Category         Category          `json:"category"`
	Confidence       float64           `json:"confidence"`
	Reasoning        string            `json:"reasoning"`
	Entities         map[string]string `json:"entities,omitempty"`
	FollowUpNeeded   bool              `json:"follow_up_needed"`
	ContextDependent bool              `json:"context_dependent"`
	Source           Source            `json:"source"`

	// LowConfidence marks an oracle-derived result below the acceptance
	// threshold. The result is still delivered; callers decide whether to
	// ask for clarification.
	LowConfidence bool `json:"low_confidence,omitempty"`
}

// ConfigurationError indicates a deployment defect such as a missing
// threshold or an empty rule table. It is fatal at startup and never
// recovered at runtime.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("intent configuration: %s %s", e.Field, e.Reason)
}
