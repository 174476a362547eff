// HTTP handlers for the metered API.
//
// DESIGN: Turn flow for chat and journal:
//   - quota.Reserve():       atomic check-and-increment, 429 on deny
//   - InitTransaction():     usage record for this turn
//   - AnalyzeEmotion():      sub-call "emotion_analysis"
//   - Complete():            sub-call "generate_response"
//   - SaveHistory():         conversation turn for later replay
//
// Every accounting write after the reservation is best-effort: a failed
// ledger write is logged and the turn continues. Only the upstream model
// call itself can fail the turn.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/DJ-Greenwood/bubbas-app-sub001/internal/config"
	"github.com/DJ-Greenwood/bubbas-app-sub001/internal/ledger"
	"github.com/DJ-Greenwood/bubbas-app-sub001/internal/llm"
	"github.com/DJ-Greenwood/bubbas-app-sub001/internal/usage"
)

const (
	subcallEmotion  = "emotion_analysis"
	subcallResponse = "generate_response"
)

const chatSystemPrompt = `You are Bubba, a warm and attentive companion.
Reply naturally and briefly, in the user's language. The user's detected
emotional tone is provided as context; acknowledge it when it helps, never
mention that it was detected.`

const journalSystemPrompt = `You are Bubba, a gentle journaling companion.
The user shares a journal entry. Reflect it back with empathy in a few
sentences and end with one open question that invites them to go deeper.`

// turnRequest is the body for POST /v1/chat and POST /v1/journal.
type turnRequest struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
	Model     string `json:"model,omitempty"`
}

// turnUsage is the per-turn usage block echoed to the client.
type turnUsage struct {
	PromptTokens     int64   `json:"promptTokens"`
	CompletionTokens int64   `json:"completionTokens"`
	TotalTokens      int64   `json:"totalTokens"`
	EstimatedCost    float64 `json:"estimatedCost"`
}

// turnResponse is the reply for a metered turn.
type turnResponse struct {
	TransactionID string    `json:"transactionId"`
	SessionID     string    `json:"sessionId"`
	Reply         string    `json:"reply"`
	Emotion       string    `json:"emotion,omitempty"`
	Model         string    `json:"model"`
	Usage         turnUsage `json:"usage"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	s.handleTurn(w, r, ledger.CategoryChat, chatSystemPrompt)
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	s.handleTurn(w, r, ledger.CategoryJournal, journalSystemPrompt)
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request, cat ledger.Category, systemPrompt string) {
	uid := userID(r)

	var req turnRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, config.MaxRequestBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	model := req.Model
	if model == "" {
		model = s.providers.ChatModel
	}

	dec, err := s.gate.Reserve(r.Context(), uid)
	if err != nil {
		log.Error().Err(err).Str("user_id", uid).Msg("server: quota reservation failed")
	}
	if !dec.Allowed {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error": map[string]any{"message": dec.Reason},
			"quota": dec,
		})
		return
	}

	txID, err := s.usage.InitTransaction(r.Context(), uid, "", cat, model)
	s.logAccounting(err, uid, txID)

	// Sub-call 1: classify the emotional tone of the incoming message.
	var emotion string
	emo, err := s.llm.AnalyzeEmotion(r.Context(), s.providers.EmotionModel, req.Message)
	if err != nil {
		log.Warn().Err(err).Str("user_id", uid).Msg("server: emotion analysis failed, continuing without")
	} else {
		emotion = emo.Emotion
		s.recordSubcall(r.Context(), uid, txID, subcallEmotion, emo.Model, emo.Usage)
	}

	// Sub-call 2: generate the actual reply.
	system := systemPrompt
	if emotion != "" {
		system += "\nDetected emotional tone: " + emotion
	}
	history, err := s.usage.ListHistory(r.Context(), uid, req.SessionID, config.DefaultHistoryLimit)
	if err != nil {
		log.Warn().Err(err).Str("user_id", uid).Msg("server: history load failed, replying without context")
	}
	res, err := s.llm.Complete(r.Context(), llm.Request{
		Model:       model,
		System:      system,
		Messages:    turnMessages(history, req.Message),
		MaxTokens:   config.DefaultMaxTokens,
		Temperature: 0.7,
	})
	if err != nil {
		log.Error().Err(err).Str("user_id", uid).Str("model", model).Msg("server: model call failed")
		writeError(w, http.StatusBadGateway, "the model is unavailable right now")
		return
	}
	s.recordSubcall(r.Context(), uid, txID, subcallResponse, res.Model, res.Usage)

	s.logAccounting(s.usage.SaveHistory(r.Context(), ledger.HistoryRecord{
		UserID:           uid,
		SessionID:        req.SessionID,
		TxID:             txID,
		UserMessage:      req.Message,
		AssistantMessage: res.Text,
		Model:            res.Model,
		Emotion:          emotion,
	}), uid, txID)
	s.logAccounting(s.usage.MarkCompleted(r.Context(), uid, txID), uid, txID)
	s.turnsDone.Add(1)

	resp := turnResponse{
		TransactionID: txID,
		SessionID:     req.SessionID,
		Reply:         res.Text,
		Emotion:       emotion,
		Model:         res.Model,
	}
	if tx, err := s.usage.Transaction(r.Context(), uid, txID); err == nil {
		resp.Usage = turnUsage{
			PromptTokens:     tx.PromptTokens,
			CompletionTokens: tx.CompletionTokens,
			TotalTokens:      tx.TotalTokens,
			EstimatedCost:    tx.EstimatedCost,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// turnMessages builds the provider conversation from stored history plus the
// new message.
func turnMessages(history []ledger.HistoryRecord, newMessage string) []llm.Message {
	var msgs []llm.Message
	for _, h := range history {
		msgs = append(msgs, llm.Message{Role: "user", Content: h.UserMessage})
		if h.AssistantMessage != "" {
			msgs = append(msgs, llm.Message{Role: "assistant", Content: h.AssistantMessage})
		}
	}
	return append(msgs, llm.Message{Role: "user", Content: newMessage})
}

// recordSubcall attributes one invocation's usage and publishes it to the
// live stream. Accounting failures are logged, never surfaced.
func (s *Server) recordSubcall(ctx context.Context, uid, txID, subcallType, model string, u llm.Usage) {
	err := s.usage.RecordSubcall(ctx, uid, txID, subcallType,
		u.PromptTokens, u.CompletionTokens, u.TotalTokens, model)
	s.logAccounting(err, uid, txID)
	if err == nil {
		s.hub.Publish(UsageEvent{
			UserID:        uid,
			TransactionID: txID,
			SubcallType:   subcallType,
			Model:         model,
			TotalTokens:   u.TotalTokens,
			At:            time.Now().UTC(),
		})
	}
}

// logAccounting logs a failed accounting write and moves on.
func (s *Server) logAccounting(err error, uid, txID string) {
	if err == nil {
		return
	}
	var accErr *usage.AccountingError
	if errors.As(err, &accErr) {
		log.Warn().Err(accErr).Str("user_id", uid).Str("tx_id", txID).Msg("server: accounting write failed")
		return
	}
	log.Warn().Err(err).Str("user_id", uid).Str("tx_id", txID).Msg("server: accounting write failed")
}

// =============================================================================
// Read endpoints
// =============================================================================

// handleUsage returns the caller's month-to-date rollup and current quota
// standing.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)

	monthly, err := s.usage.MonthlySummary(r.Context(), uid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not load usage")
		return
	}
	dec, err := s.gate.CheckLimits(r.Context(), uid)
	if err != nil {
		log.Warn().Err(err).Str("user_id", uid).Msg("server: limit check failed on usage read")
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"month": monthly,
		"quota": dec,
	})
}

// handleHistory returns a session's turns, oldest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	limit := config.DefaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	turns, err := s.usage.ListHistory(r.Context(), uid, sessionID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not load history")
		return
	}
	if turns == nil {
		turns = []ledger.HistoryRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"turns":     turns,
	})
}

// handleComplete flags a transaction's work as finished.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	txID := r.PathValue("id")

	if err := s.usage.MarkCompleted(r.Context(), uid, txID); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown transaction")
			return
		}
		writeError(w, http.StatusInternalServerError, "could not update transaction")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactionId": txID, "completed": true})
}

// =============================================================================
// Operational endpoints
// =============================================================================

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// StatsResponse is the JSON response for GET /stats.
type StatsResponse struct {
	Uptime string `json:"uptime"`
	Server struct {
		TotalRequests  int64 `json:"total_requests"`
		QuotaDenials   int64 `json:"quota_denials"`
		CompletedTurns int64 `json:"completed_turns"`
	} `json:"server"`
	Stream struct {
		Subscribers int `json:"subscribers"`
	} `json:"stream"`
}

// handleStats returns operational counters as JSON.
// Restricted to localhost to prevent external access to operational metrics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	var resp StatsResponse
	resp.Uptime = time.Since(s.startTime).Truncate(time.Second).String()
	resp.Server.TotalRequests = s.requests.Load()
	resp.Server.QuotaDenials = s.denials.Load()
	resp.Server.CompletedTurns = s.turnsDone.Load()
	resp.Stream.Subscribers = s.hub.Subscribers()
	writeJSON(w, http.StatusOK, resp)
}
