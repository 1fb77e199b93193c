package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/campusconnect/assistant/internal/api"
	"github.com/campusconnect/assistant/internal/assistant"
	"github.com/campusconnect/assistant/internal/config"
	"github.com/campusconnect/assistant/internal/conversation"
	"github.com/campusconnect/assistant/internal/identity"
	"github.com/campusconnect/assistant/internal/observability"
	"github.com/campusconnect/assistant/internal/stream"
)

func main() {
	cfg := config.Load()
	logger := observability.Logger()

	ident := identity.NewResolver()
	if token := os.Getenv("ASSISTANT_TOKEN"); token != "" {
		if err := ident.SetFromToken(token, os.Getenv("ASSISTANT_TOKEN_SECRET")); err != nil {
			logger.Error("invalid sign-in token", "error", err)
			os.Exit(1)
		}
	} else if email := os.Getenv("ASSISTANT_USER_EMAIL"); email != "" {
		ident.SetEmail(email)
	} else {
		fmt.Fprintln(os.Stderr, "set ASSISTANT_USER_EMAIL or ASSISTANT_TOKEN")
		os.Exit(1)
	}

	storeOpts := []conversation.StoreOption{conversation.WithLogger(observability.Component("conversation"))}
	repo, err := conversation.Open(cfg.DBPath)
	if err != nil {
		logger.Warn("conversation snapshot unavailable", "path", cfg.DBPath, "error", err)
	} else {
		storeOpts = append(storeOpts, conversation.WithRepo(repo))
	}
	store := conversation.NewStore(storeOpts...)

	apiClient := api.NewClient(cfg.APIBaseURL, cfg.WSPath, cfg.RequestTimeout)

	wsURL := func() (string, error) {
		email, err := ident.Email()
		if err != nil {
			return "", err
		}
		return apiClient.WebSocketURL(email), nil
	}

	streamClient := stream.New(stream.Config{
		IdleWindow:      cfg.IdleCompletionWindow,
		ResponseCeiling: cfg.ResponseCeiling,
		BackoffBase:     cfg.ReconnectBaseDelay,
		MaxReconnects:   cfg.MaxReconnectAttempts,
	}, stream.NewWebSocketDialer(), wsURL, store, observability.Component("stream"))

	orch := assistant.NewOrchestrator(store, apiClient, streamClient, ident,
		cfg.SystemPrompt, cfg.HistoryLimit, observability.Component("assistant"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := store.Hydrate(ctx); err != nil {
		logger.Warn("snapshot hydrate failed", "error", err)
	}
	if len(store.Messages()) == 0 {
		if err := orch.HydrateHistory(ctx); err != nil {
			logger.Warn("history hydrate failed", "error", err)
		}
	}

	store.Subscribe(newPrinter(store))

	fmt.Println("campus assistant: type a message, /clear to reset, /quit to exit")
	go repl(ctx, stop, orch, store)

	<-ctx.Done()
	streamClient.Disconnect()
	fmt.Println("\nbye")
}

func repl(ctx context.Context, stop func(), orch *assistant.Orchestrator, store *conversation.Store) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			stop()
			return
		case line == "/clear":
			store.Clear()
			continue
		}
		if err := orch.SubmitUserMessage(ctx, line); err != nil {
			fmt.Fprintf(os.Stderr, "! %v\n", err)
		}
	}
	stop()
}

// newPrinter renders assistant text incrementally: it tracks how much of the
// trailing assistant message has been printed and emits only the new tail.
func newPrinter(store *conversation.Store) func() {
	var mu sync.Mutex
	lastID := ""
	printed := 0
	return func() {
		mu.Lock()
		defer mu.Unlock()
		msgs := store.Messages()
		if len(msgs) == 0 {
			lastID, printed = "", 0
			return
		}
		m := msgs[len(msgs)-1]
		if m.Role != conversation.RoleAssistant {
			return
		}
		if m.MessageID != lastID {
			lastID = m.MessageID
			printed = 0
			fmt.Print("assistant> ")
		}
		if len(m.Text) > printed {
			fmt.Print(m.Text[printed:])
			printed = len(m.Text)
		}
		if !store.ResponseInFlight() && printed > 0 {
			fmt.Println()
			lastID, printed = "", 0
		}
	}
}
