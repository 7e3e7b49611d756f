package intent

import (
	"strings"
	"sync/atomic"
	"unicode"
)

// FallbackConfidence is assigned to every keyword-matched fallback result.
// It sits below any sane acceptance threshold so callers can tell fallback
// results apart from oracle-derived ones by confidence alone.
const FallbackConfidence = 0.40

// MinConfidence is assigned when no rule matches and the classifier
// defaults to general_chat.
const MinConfidence = 0.20

// Rule maps one category to its ordered trigger keywords. Matching is
// case-insensitive on word boundaries, so "hi" triggers on "hi!" but not
// on "this".
type Rule struct {
	Category Category
	Keywords []string
}

// Ruleset is an immutable snapshot of fallback rules. Rule order is the
// category priority order for tie-breaking.
type Ruleset struct {
	Version int
	Rules   []Rule
}

// DefaultRuleset covers every category in the closed set.
func DefaultRuleset() *Ruleset {
	return &Ruleset{
		Version: 1,
		Rules: []Rule{
			{Category: Greeting, Keywords: []string{"hello", "hi", "hey", "good morning", "good afternoon", "good evening"}},
			{Category: Goodbye, Keywords: []string{"bye", "goodbye", "see you", "farewell", "good night"}},
			{Category: TaskRequest, Keywords: []string{"can you", "could you", "please help", "help me", "create", "write me", "make me"}},
			{Category: InformationSeeking, Keywords: []string{"tell me about", "what is", "what are", "find", "search", "look up", "information about"}},
			{Category: Clarification, Keywords: []string{"what do you mean", "clarify", "explain again", "i don't understand", "rephrase"}},
		},
	}
}

func (r *Ruleset) validate() error {
	if len(r.Rules) == 0 {
		return &ConfigurationError{Field: "ruleset", Reason: "has no rules"}
	}
	for _, rule := range r.Rules {
		if _, ok := ParseCategory(string(rule.Category)); !ok {
			return &ConfigurationError{Field: "ruleset", Reason: "names unknown category " + string(rule.Category)}
		}
		if len(rule.Keywords) == 0 {
			return &ConfigurationError{Field: "ruleset", Reason: "category " + string(rule.Category) + " has no keywords"}
		}
	}
	return nil
}

// RuleClassifier is the deterministic local classifier. Classification is a
// pure function of the input text and the current ruleset snapshot; the
// snapshot is swapped atomically so in-flight calls never see a half-updated
// table.
type RuleClassifier struct {
	ruleset atomic.Pointer[Ruleset]
}

func NewRuleClassifier(rs *Ruleset) (*RuleClassifier, error) {
	if rs == nil {
		rs = DefaultRuleset()
	}
	if err := rs.validate(); err != nil {
		return nil, err
	}
	c := &RuleClassifier{}
	c.ruleset.Store(rs)
	return c, nil
}

// Swap installs a new ruleset snapshot. The previous snapshot keeps serving
// calls already in flight.
func (c *RuleClassifier) Swap(rs *Ruleset) error {
	if err := rs.validate(); err != nil {
		return err
	}
	c.ruleset.Store(rs)
	return nil
}

// Version reports the active snapshot version.
func (c *RuleClassifier) Version() int {
	return c.ruleset.Load().Version
}

// Classify matches text against the active ruleset. When several categories
// match, the one whose keyword appears earliest in the text wins; position
// ties go to the category listed first in the ruleset. A trailing question
// mark with no keyword match classifies as question_answering. No match at
// all defaults to general_chat at minimum confidence.
func (c *RuleClassifier) Classify(text string) Result {
	rs := c.ruleset.Load()
	lower := strings.ToLower(text)

	bestPos := -1
	var bestCategory Category
	var bestKeyword string
	for _, rule := range rs.Rules {
		for _, kw := range rule.Keywords {
			pos := keywordIndex(lower, kw)
			if pos < 0 {
				continue
			}
			if bestPos == -1 || pos < bestPos {
				bestPos = pos
				bestCategory = rule.Category
				bestKeyword = kw
			}
		}
	}

	if bestPos >= 0 {
		return Result{
			Category:   bestCategory,
			Confidence: FallbackConfidence,
			Reasoning:  "keyword match on " + strings.TrimSpace(bestKeyword),
			Source:     SourceFallback,
		}
	}

	if strings.HasSuffix(strings.TrimSpace(text), "?") {
		return Result{
			Category:   QuestionAnswering,
			Confidence: FallbackConfidence,
			Reasoning:  "question format",
			Source:     SourceFallback,
		}
	}

	return Result{
		Category:   GeneralChat,
		Confidence: MinConfidence,
		Reasoning:  "no rule matched, defaulting to general chat",
		Source:     SourceFallback,
	}
}

// keywordIndex returns the earliest occurrence of kw in text that sits on
// word boundaries, or -1. Keywords are ASCII, so a byte scan is enough;
// phrases match as a unit with the same boundary rule at each end.
func keywordIndex(text, kw string) int {
	if kw == "" {
		return -1
	}
	for from := 0; from+len(kw) <= len(text); {
		pos := strings.Index(text[from:], kw)
		if pos < 0 {
			return -1
		}
		pos += from
		if wordBounded(text, pos, len(kw)) {
			return pos
		}
		from = pos + 1
	}
	return -1
}

func wordBounded(text string, pos, n int) bool {
	if pos > 0 && isWordChar(rune(text[pos-1])) {
		return false
	}
	if end := pos + n; end < len(text) && isWordChar(rune(text[end])) {
		return false
	}
	return true
}

func isWordChar(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
