// Package conversation drives the per-turn state machine: Received,
// ContextBuilt, Classified, Generated, Committed. Every accepted turn is
// recorded exactly once even under partial failure.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mpedrazzi/intentchat/internal/intent"
	"github.com/mpedrazzi/intentchat/internal/observability"
	"github.com/mpedrazzi/intentchat/internal/oracle"
	"github.com/mpedrazzi/intentchat/internal/reliability"
	"github.com/mpedrazzi/intentchat/internal/store"
)

const (
	commitBackoffBase = 50 * time.Millisecond
	commitBackoffCap  = 1 * time.Second

	// generation history is capped independently of the classifier window.
	generationHistoryTurns = 10
)

// Config tunes one orchestrator instance. All fields are read-only after
// construction and safe for concurrent use.
type Config struct {
	DefaultSession      string
	WindowTurns         int
	WindowChars         int
	OracleTimeout       time.Duration
	CommitRetries       int
	ResponseTemperature float64
	ResponseMaxTokens   int
}

// Request is one inbound utterance.
type Request struct {
	SessionID string
	Input     string
}

// Result is the outcome of a fully committed turn.
type Result struct {
	SessionID    string        `json:"session_id"`
	RequestID    string        `json:"request_id"`
	Intent       intent.Result `json:"intent"`
	Response     string        `json:"response"`
	Degraded     bool          `json:"degraded,omitempty"`
	HumanSeq     int64         `json:"human_seq"`
	AssistantSeq int64         `json:"assistant_seq"`
	Elapsed      time.Duration `json:"-"`
}

// Orchestrator coordinates store, classifier and generation oracle for the
// full turn lifecycle. Safe for concurrent use; per-session write ordering
// is the store's responsibility.
type Orchestrator struct {
	store      store.Store
	classifier *intent.Classifier
	oracle     oracle.Oracle
	window     *Window
	cfg        Config

	metrics *observability.Metrics
	stages  *observability.StageWindow
}

func NewOrchestrator(s store.Store, classifier *intent.Classifier, o oracle.Oracle, cfg Config) (*Orchestrator, error) {
	if s == nil {
		return nil, fmt.Errorf("store is required")
	}
	if classifier == nil {
		return nil, fmt.Errorf("classifier is required")
	}
	if o == nil {
		return nil, fmt.Errorf("oracle is required")
	}
	if cfg.DefaultSession == "" {
		cfg.DefaultSession = "main_session"
	}
	if cfg.OracleTimeout <= 0 {
		cfg.OracleTimeout = 30 * time.Second
	}
	return &Orchestrator{
		store:      s,
		classifier: classifier,
		oracle:     o,
		window:     NewWindow(s, cfg.WindowTurns, cfg.WindowChars),
		cfg:        cfg,
	}, nil
}

// WithObservability attaches metric instruments. Nil values disable the
// corresponding sink.
func (orc *Orchestrator) WithObservability(m *observability.Metrics, w *observability.StageWindow) *Orchestrator {
	orc.metrics = m
	orc.stages = w
	return orc
}

// Process runs one utterance through the full state machine and commits
// both halves of the turn pair. Generation failure degrades the response
// but never loses the classification; commit runs under a cancel-immune
// context so an accepted turn is always recorded.
func (orc *Orchestrator) Process(ctx context.Context, req Request) (Result, error) {
	started := time.Now()
	res, err := orc.process(ctx, req)
	elapsed := time.Since(started)
	res.Elapsed = elapsed

	orc.observeStage(observability.StageTurnTotal, elapsed)
	switch {
	case err != nil:
		orc.countTurn("failed")
	case res.Degraded:
		orc.countTurn("degraded")
	default:
		orc.countTurn("committed")
	}
	return res, err
}

func (orc *Orchestrator) process(ctx context.Context, req Request) (Result, error) {
	input := strings.TrimSpace(req.Input)
	if input == "" {
		return Result{}, ErrEmptyInput
	}

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = orc.cfg.DefaultSession
	}
	res := Result{
		SessionID: sessionID,
		RequestID: uuid.NewString(),
	}

	// ContextBuilt
	stageStart := time.Now()
	window, err := orc.window.Build(ctx, sessionID)
	if err != nil {
		return res, err
	}
	orc.observeStage(observability.StageContext, time.Since(stageStart))

	// Classified
	stageStart = time.Now()
	classified, err := orc.classify(ctx, input, window)
	if err != nil {
		return res, &ClassificationError{Input: req.Input, Err: err}
	}
	res.Intent = classified
	orc.observeStage(observability.StageClassify, time.Since(stageStart))
	orc.countClassification(classified)

	// Generated
	stageStart = time.Now()
	response, degraded := orc.generate(ctx, input, classified, window)
	res.Response = response
	res.Degraded = degraded
	orc.observeStage(observability.StageGenerate, time.Since(stageStart))
	if degraded {
		orc.observeIndicator("degraded_response")
	}

	// Committed. Once commit starts the pair is finished under a detached
	// context: favor "finish and record" over abandoning mid-write.
	stageStart = time.Now()
	commitCtx := context.WithoutCancel(ctx)

	humanTurn := store.Turn{
		Role:       store.RoleHuman,
		Content:    input,
		Intent:     string(classified.Category),
		Confidence: &classified.Confidence,
		Metadata:   humanTurnMetadata(res.RequestID, classified),
	}
	humanSeq, err := orc.appendWithRetry(commitCtx, sessionID, humanTurn)
	if err != nil {
		return res, err
	}
	res.HumanSeq = humanSeq

	assistantTurn := store.Turn{
		Role:       store.RoleAssistant,
		Content:    response,
		Intent:     string(classified.Category),
		Confidence: &classified.Confidence,
		Metadata:   assistantTurnMetadata(res.RequestID, degraded),
	}
	assistantSeq, err := orc.appendWithRetry(commitCtx, sessionID, assistantTurn)
	if err != nil {
		orc.observeIndicator("partial_commit")
		return res, &PartialCommitError{
			SessionID:    sessionID,
			CommittedSeq: humanSeq,
			Missing:      store.RoleAssistant,
			Err:          err,
		}
	}
	res.AssistantSeq = assistantSeq
	orc.observeStage(observability.StageCommit, time.Since(stageStart))

	return res, nil
}

func (orc *Orchestrator) classify(ctx context.Context, input string, window []store.Turn) (intent.Result, error) {
	classifyCtx, cancel := context.WithTimeout(ctx, orc.cfg.OracleTimeout)
	defer cancel()
	return orc.classifier.Classify(classifyCtx, input, window)
}

// generate asks the oracle for a contextual reply. Any failure, timeouts
// included, degrades to the canned per-category response.
func (orc *Orchestrator) generate(ctx context.Context, input string, classified intent.Result, window []store.Turn) (string, bool) {
	messages := []oracle.Message{{Role: "system", Content: generationPrompt(classified)}}

	history := window
	if len(history) > generationHistoryTurns {
		history = history[len(history)-generationHistoryTurns:]
	}
	for _, turn := range history {
		role := "user"
		if turn.Role == store.RoleAssistant {
			role = "assistant"
		}
		messages = append(messages, oracle.Message{Role: role, Content: turn.Content})
	}
	messages = append(messages, oracle.Message{Role: "user", Content: input})

	genCtx, cancel := context.WithTimeout(ctx, orc.cfg.OracleTimeout)
	defer cancel()

	res, err := orc.oracle.Complete(genCtx, oracle.Request{
		Messages:    messages,
		Temperature: orc.cfg.ResponseTemperature,
		MaxTokens:   orc.cfg.ResponseMaxTokens,
	})
	if err != nil || strings.TrimSpace(res.Content) == "" {
		orc.countOracleError("generate", err)
		return degradedResponse(classified.Category), true
	}
	return res.Content, false
}

// appendWithRetry retries transient storage failures a bounded number of
// times with capped backoff. Non-transient failures return immediately.
func (orc *Orchestrator) appendWithRetry(ctx context.Context, sessionID string, turn store.Turn) (int64, error) {
	var lastErr error
	for attempt := 0; attempt <= orc.cfg.CommitRetries; attempt++ {
		if attempt > 0 {
			backoff := reliability.ExponentialBackoff(attempt-1, commitBackoffBase, commitBackoffCap)
			select {
			case <-ctx.Done():
				return 0, lastErr
			case <-time.After(backoff):
			}
		}
		seq, err := orc.store.Append(ctx, sessionID, turn)
		if err == nil {
			return seq, nil
		}
		lastErr = err
		if !reliability.IsTransient(err) {
			return 0, err
		}
	}
	return 0, lastErr
}

// AnalyzeIntent classifies without generating a response or touching the
// session history. A session id supplies read-only context; context read
// failures degrade to classification without context.
func (orc *Orchestrator) AnalyzeIntent(ctx context.Context, sessionID, input string) (intent.Result, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return intent.Result{}, ErrEmptyInput
	}

	var window []store.Turn
	if strings.TrimSpace(sessionID) != "" {
		if w, err := orc.window.Build(ctx, sessionID); err == nil {
			window = w
		}
	}

	classified, err := orc.classify(ctx, input, window)
	if err != nil {
		return intent.Result{}, &ClassificationError{Input: input, Err: err}
	}
	orc.countClassification(classified)
	return classified, nil
}

// History returns up to limit most recent turns, oldest first. Partial
// state after a failed commit stays queryable here.
func (orc *Orchestrator) History(ctx context.Context, sessionID string, limit int) ([]store.Turn, error) {
	if strings.TrimSpace(sessionID) == "" {
		sessionID = orc.cfg.DefaultSession
	}
	return orc.store.ReadRecent(ctx, sessionID, limit)
}

// Sessions lists all known sessions, most recently active first.
func (orc *Orchestrator) Sessions(ctx context.Context) ([]store.Session, error) {
	return orc.store.ListSessions(ctx)
}

// DeleteSession removes a session and its turns. Idempotent.
func (orc *Orchestrator) DeleteSession(ctx context.Context, sessionID string) error {
	return orc.store.DeleteSession(ctx, sessionID)
}

// ClearSession drops a session's turns, keeping the session itself.
func (orc *Orchestrator) ClearSession(ctx context.Context, sessionID string) error {
	return orc.store.ClearSession(ctx, sessionID)
}

func humanTurnMetadata(requestID string, classified intent.Result) map[string]string {
	meta := map[string]string{
		"request_id": requestID,
		"source":     string(classified.Source),
	}
	if classified.LowConfidence {
		meta["low_confidence"] = "true"
	}
	if classified.FollowUpNeeded {
		meta["follow_up_needed"] = "true"
	}
	if classified.ContextDependent {
		meta["context_dependent"] = "true"
	}
	for k, v := range classified.Entities {
		meta["entity."+k] = v
	}
	return meta
}

func assistantTurnMetadata(requestID string, degraded bool) map[string]string {
	meta := map[string]string{"request_id": requestID}
	if degraded {
		meta["degraded"] = "true"
	}
	return meta
}

func (orc *Orchestrator) observeStage(stage string, d time.Duration) {
	if orc.stages != nil {
		orc.stages.Observe(stage, d)
	}
	if orc.metrics != nil && stage == observability.StageTurnTotal {
		orc.metrics.ObserveTurnLatency(d)
	}
}

func (orc *Orchestrator) observeIndicator(name string) {
	if orc.stages != nil {
		orc.stages.ObserveIndicator(name)
	}
}

func (orc *Orchestrator) countTurn(outcome string) {
	if orc.metrics != nil {
		orc.metrics.Turns.WithLabelValues(outcome).Inc()
	}
}

func (orc *Orchestrator) countClassification(res intent.Result) {
	if orc.metrics != nil {
		orc.metrics.Classifications.WithLabelValues(string(res.Category), string(res.Source)).Inc()
	}
	if res.Source == intent.SourceFallback {
		orc.observeIndicator("fallback_used")
	}
}

func (orc *Orchestrator) countOracleError(operation string, err error) {
	if orc.metrics == nil {
		return
	}
	kind := "empty_response"
	switch {
	case errors.Is(err, oracle.ErrProtocol):
		kind = "protocol"
	case err != nil:
		kind = "unavailable"
	}
	orc.metrics.OracleErrors.WithLabelValues(operation, kind).Inc()
}
