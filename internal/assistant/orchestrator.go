// Package assistant decides, per user message, whether the streaming path or
// the request/response fallback answers it, and keeps the conversation store
// coherent either way.
package assistant

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/campusconnect/assistant/internal/api"
	"github.com/campusconnect/assistant/internal/common"
	"github.com/campusconnect/assistant/internal/conversation"
	"github.com/campusconnect/assistant/internal/identity"
	"github.com/campusconnect/assistant/internal/stream"
)

// ApologyText is appended as an assistant message when both the streaming
// path and the fallback fail, so the exchange stays legible in the
// conversation instead of vanishing into a modal error.
const ApologyText = "Sorry, I couldn't get an answer right now. Please try sending that again in a moment."

// ErrEmptyMessage rejects blank user input before anything is appended.
var ErrEmptyMessage = errors.New("assistant: empty message")

type Orchestrator struct {
	store   *conversation.Store
	api     *api.Client
	stream  *stream.Client
	ident   *identity.Resolver
	system  string
	histLim int
	logger  *slog.Logger
}

func NewOrchestrator(store *conversation.Store, apiClient *api.Client, streamClient *stream.Client, ident *identity.Resolver, systemPrompt string, historyLimit int, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if historyLimit <= 0 {
		historyLimit = 20
	}
	return &Orchestrator{
		store:   store,
		api:     apiClient,
		stream:  streamClient,
		ident:   ident,
		system:  systemPrompt,
		histLim: historyLimit,
		logger:  logger,
	}
}

// SubmitUserMessage is the single entry point for a user turn. The user
// message is appended optimistically; the streaming path is tried first
// (connecting on demand) and the request/response fallback once after that.
// A fallback failure is terminal for the turn: the apology message is
// appended and the user must resubmit.
func (o *Orchestrator) SubmitUserMessage(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}

	o.store.Append(conversation.Message{
		MessageID: common.NewMessageID(),
		Role:      conversation.RoleUser,
		Text:      text,
		CreatedAt: time.Now(),
	})
	o.store.SetResponseInFlight(true)

	if err := o.trySend(ctx, text); err == nil {
		o.store.SetStreamingActive(true)
		return nil
	} else {
		o.logger.Info("streaming unavailable, falling back", "error", err)
	}

	return o.fallback(ctx, text)
}

// trySend attempts the streaming path, connecting first when the session is
// not up yet.
func (o *Orchestrator) trySend(ctx context.Context, text string) error {
	_, err := o.stream.Send(text, o.system)
	if err == nil {
		return nil
	}
	if !errors.Is(err, stream.ErrNotConnected) {
		return err
	}
	if cerr := o.stream.Connect(ctx); cerr != nil {
		return cerr
	}
	_, err = o.stream.Send(text, o.system)
	return err
}

func (o *Orchestrator) fallback(ctx context.Context, text string) error {
	// Whatever happens below, no streaming occurred for this turn.
	defer func() {
		o.store.SetStreamingActive(false)
		o.store.SetResponseInFlight(false)
	}()

	reply, err := o.sendTurn(ctx, text)
	if err != nil {
		o.logger.Warn("fallback turn failed", "error", err)
		o.store.Append(conversation.Message{
			MessageID: common.NewMessageID(),
			Role:      conversation.RoleAssistant,
			Text:      ApologyText,
			CreatedAt: time.Now(),
		})
		return err
	}

	o.store.Append(conversation.Message{
		MessageID: common.NewMessageID(),
		Role:      conversation.RoleAssistant,
		Text:      reply.Text,
		CreatedAt: time.Now(),
	})
	return nil
}

func (o *Orchestrator) sendTurn(ctx context.Context, text string) (*api.Reply, error) {
	email, err := o.ident.Email()
	if err != nil {
		return nil, err
	}

	msgs := o.store.Messages()
	// The just-appended user message goes in the request's UserText slot,
	// not in the prior turns.
	if n := len(msgs); n > 0 && msgs[n-1].Role == conversation.RoleUser && msgs[n-1].Text == text {
		msgs = msgs[:n-1]
	}
	prior := make([]api.TurnMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != conversation.RoleUser && m.Role != conversation.RoleAssistant {
			continue
		}
		prior = append(prior, api.TurnMessage{Role: m.Role, Content: m.Text})
	}

	return o.api.SendConversationTurn(ctx, api.Turn{
		UserEmail: email,
		System:    o.system,
		Prior:     prior,
		UserText:  text,
	})
}

// HydrateHistory replaces the local conversation with the server-side
// history. A user with no history is a valid empty outcome, not an error.
func (o *Orchestrator) HydrateHistory(ctx context.Context) error {
	email, err := o.ident.Email()
	if err != nil {
		return err
	}

	turns, err := o.api.FetchHistory(ctx, email, o.histLim)
	if err != nil {
		if errors.Is(err, api.ErrNotFound) {
			o.logger.Info("no server-side history, starting fresh")
			return nil
		}
		return err
	}

	msgs := make([]conversation.Message, 0, len(turns)*2)
	for _, t := range turns {
		at := parseTimestamp(t.Timestamp)
		msgs = append(msgs,
			conversation.Message{
				MessageID: common.NewMessageID(),
				Role:      conversation.RoleUser,
				Text:      t.UserText,
				CreatedAt: at,
			},
			conversation.Message{
				MessageID: common.NewMessageID(),
				Role:      conversation.RoleAssistant,
				Text:      t.AssistantText,
				CreatedAt: at,
			},
		)
	}
	o.store.ReplaceAll(msgs)
	return nil
}

func parseTimestamp(s string) time.Time {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts
	}
	return time.Now()
}
