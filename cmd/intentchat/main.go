package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/mpedrazzi/intentchat/internal/config"
	"github.com/mpedrazzi/intentchat/internal/conversation"
	"github.com/mpedrazzi/intentchat/internal/intent"
	"github.com/mpedrazzi/intentchat/internal/oracle"
	"github.com/mpedrazzi/intentchat/internal/store"
)

const helpText = `commands:
  help              show this help
  status            show session and oracle configuration
  sessions          list stored sessions
  history           show recent turns for the current session
  switch <id>       switch to another session
  delete <id>       delete a session and its turns
  clear             remove all turns from the current session
  intent <text>     classify text without recording a turn
  quit              exit

anything else is sent as a conversation turn.`

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx := context.Background()
	st, err := store.New(ctx, store.Options{
		Backend:   cfg.StoreBackend,
		Path:      cfg.SQLitePath,
		URL:       storeURL(cfg),
		Retention: store.RetentionPolicy{MaxTurns: cfg.MaxTurns},
	})
	if err != nil {
		log.Fatalf("store init failed: %v", err)
	}
	defer st.Close()

	orc, err := oracle.New(oracle.Config{
		Mode:         cfg.OracleMode,
		Endpoint:     cfg.OracleEndpoint,
		Model:        cfg.OracleModel,
		TokenURL:     cfg.OracleTokenURL,
		ClientID:     cfg.OracleClientID,
		ClientSecret: cfg.OracleClientSecret,
		MaxRetries:   cfg.OracleMaxRetries,
	})
	if err != nil {
		log.Fatalf("oracle init failed: %v", err)
	}

	rules, err := intent.NewRuleClassifier(nil)
	if err != nil {
		log.Fatalf("rule classifier init failed: %v", err)
	}
	classifier, err := intent.NewClassifier(orc, rules, intent.ClassifierConfig{
		Threshold:   cfg.ConfidenceThreshold,
		Temperature: cfg.IntentTemperature,
		MaxTokens:   cfg.IntentMaxTokens,
	})
	if err != nil {
		log.Fatalf("classifier init failed: %v", err)
	}

	orchestrator, err := conversation.NewOrchestrator(st, classifier, orc, conversation.Config{
		DefaultSession:      cfg.DefaultSession,
		WindowTurns:         cfg.WindowTurns,
		WindowChars:         cfg.WindowChars,
		OracleTimeout:       cfg.OracleTimeout,
		CommitRetries:       cfg.CommitRetries,
		ResponseTemperature: cfg.ResponseTemperature,
		ResponseMaxTokens:   cfg.ResponseMaxTokens,
	})
	if err != nil {
		log.Fatalf("orchestrator init failed: %v", err)
	}

	current := cfg.DefaultSession
	fmt.Printf("intentchat (session %q, type 'help' for commands)\n", current)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Printf("%s> ", current)
		if !scanner.Scan() {
			fmt.Println()
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		cmd, arg := splitCommand(line)
		switch cmd {
		case "quit", "exit":
			return
		case "help":
			fmt.Println(helpText)
		case "status":
			printStatus(cfg, current)
		case "sessions":
			listSessions(ctx, orchestrator)
		case "history":
			showHistory(ctx, orchestrator, current)
		case "switch":
			if arg == "" {
				fmt.Println("usage: switch <session-id>")
				continue
			}
			current = arg
			fmt.Printf("switched to session %q\n", current)
		case "delete":
			if arg == "" {
				fmt.Println("usage: delete <session-id>")
				continue
			}
			if err := orchestrator.DeleteSession(ctx, arg); err != nil {
				fmt.Printf("delete failed: %v\n", err)
				continue
			}
			fmt.Printf("deleted session %q\n", arg)
		case "clear":
			if err := orchestrator.ClearSession(ctx, current); err != nil {
				fmt.Printf("clear failed: %v\n", err)
				continue
			}
			fmt.Printf("cleared session %q\n", current)
		case "intent":
			if arg == "" {
				fmt.Println("usage: intent <text>")
				continue
			}
			analyzeOnly(ctx, orchestrator, current, arg)
		default:
			runTurn(ctx, orchestrator, current, line)
		}
	}
}

func splitCommand(line string) (cmd, arg string) {
	parts := strings.SplitN(line, " ", 2)
	cmd = strings.ToLower(parts[0])
	if len(parts) == 2 {
		arg = strings.TrimSpace(parts[1])
	}
	return cmd, arg
}

func runTurn(ctx context.Context, orc *conversation.Orchestrator, sessionID, input string) {
	res, err := orc.Process(ctx, conversation.Request{SessionID: sessionID, Input: input})
	if err != nil {
		fmt.Printf("error [%s]: %v\n", conversation.ErrorCode(err), err)
		return
	}
	tag := fmt.Sprintf("%s %.2f", res.Intent.Category, res.Intent.Confidence)
	if res.Intent.Source == intent.SourceFallback {
		tag += " fallback"
	}
	if res.Intent.LowConfidence {
		tag += " low-confidence"
	}
	if res.Degraded {
		tag += " degraded"
	}
	fmt.Printf("[%s] %s\n", tag, res.Response)
}

func analyzeOnly(ctx context.Context, orc *conversation.Orchestrator, sessionID, input string) {
	res, err := orc.AnalyzeIntent(ctx, sessionID, input)
	if err != nil {
		fmt.Printf("error [%s]: %v\n", conversation.ErrorCode(err), err)
		return
	}
	fmt.Printf("intent: %s (%.2f, source %s)\n", res.Category, res.Confidence, res.Source)
	if res.Reasoning != "" {
		fmt.Printf("reasoning: %s\n", res.Reasoning)
	}
	if len(res.Entities) > 0 {
		pairs := make([]string, 0, len(res.Entities))
		for k, v := range res.Entities {
			pairs = append(pairs, k+"="+v)
		}
		sort.Strings(pairs)
		fmt.Printf("entities: %s\n", strings.Join(pairs, ", "))
	}
}

func printStatus(cfg config.Config, current string) {
	backend := cfg.StoreBackend
	if backend == "" {
		backend = "sqlite"
	}
	fmt.Printf("session:   %s\n", current)
	fmt.Printf("store:     %s\n", backend)
	fmt.Printf("oracle:    %s (model %s)\n", cfg.OracleMode, cfg.OracleModel)
	fmt.Printf("threshold: %.2f\n", cfg.ConfidenceThreshold)
	fmt.Printf("retention: %d turns\n", cfg.MaxTurns)
}

func listSessions(ctx context.Context, orc *conversation.Orchestrator) {
	sessions, err := orc.Sessions(ctx)
	if err != nil {
		fmt.Printf("sessions failed: %v\n", err)
		return
	}
	if len(sessions) == 0 {
		fmt.Println("no sessions")
		return
	}
	for _, s := range sessions {
		fmt.Printf("%-24s created %s, last activity %s\n",
			s.ID,
			s.CreatedAt.Format("2006-01-02 15:04:05"),
			s.LastActivityAt.Format("2006-01-02 15:04:05"))
	}
}

func showHistory(ctx context.Context, orc *conversation.Orchestrator, sessionID string) {
	turns, err := orc.History(ctx, sessionID, 20)
	if err != nil {
		fmt.Printf("history failed: %v\n", err)
		return
	}
	if len(turns) == 0 {
		fmt.Println("no turns yet")
		return
	}
	for _, t := range turns {
		label := string(t.Role)
		if t.Intent != "" {
			label = fmt.Sprintf("%s (%s)", label, t.Intent)
		}
		fmt.Printf("%3d %-32s %s\n", t.Seq, label, t.Content)
	}
}

// storeURL picks the connection URL matching the selected backend.
func storeURL(cfg config.Config) string {
	switch cfg.StoreBackend {
	case "redis":
		return cfg.RedisURL
	case "postgres":
		return cfg.DatabaseURL
	}
	if cfg.DatabaseURL != "" {
		return cfg.DatabaseURL
	}
	return cfg.RedisURL
}
