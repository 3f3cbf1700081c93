// Copyright 2025 Conclave
// SPDX-License-Identifier: Apache-2.0

package council

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"conclave/platform/council/catalog"
	"conclave/platform/council/deliberation"
	"conclave/platform/council/storage"
)

// conversationStore is the persistence surface the handlers need. Satisfied
// by *storage.Store; tests substitute an in-memory fake.
type conversationStore interface {
	deliberation.TurnStore

	CreateConversation(ctx context.Context, cfg deliberation.Config) (*storage.Conversation, error)
	GetConversation(ctx context.Context, id string) (*storage.Conversation, []storage.MessageRecord, error)
	ListConversations(ctx context.Context) ([]storage.Summary, error)
	DeleteConversation(ctx context.Context, id string) error
	UpdateConversationConfig(ctx context.Context, id string, cfg deliberation.Config) error
	AddUserMessage(ctx context.Context, conversationID, content string) (int, error)
	UpdateUserMessage(ctx context.Context, conversationID string, index int, content string) error
}

// modelCatalog is the catalog surface the handlers need.
type modelCatalog interface {
	List(ctx context.Context, force bool) ([]catalog.Model, bool, error)
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			logr.Error("", "", "failed to encode response", map[string]interface{}{"error": err.Error()})
		}
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "conclave-council",
		"timestamp": time.Now().UTC(),
	})
}

// modelsHandler serves the provider catalog. ?refresh=true bypasses the cache.
func modelsHandler(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("refresh") == "true"
	models, cached, err := modelCache.List(r.Context(), force)
	if err != nil {
		respondError(w, http.StatusBadGateway, fmt.Sprintf("failed to fetch model catalog: %v", err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"models":            models,
		"served_from_cache": cached,
	})
}

func listConversationsHandler(w http.ResponseWriter, r *http.Request) {
	summaries, err := store.ListConversations(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	respondJSON(w, http.StatusOK, summaries)
}

type conversationConfigRequest struct {
	CouncilModels []string `json:"council_models"`
	ChairmanModel string   `json:"chairman_model"`
}

func createConversationHandler(w http.ResponseWriter, r *http.Request) {
	cfg := serviceConfig.Deliberation()

	var req conversationConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
		if len(req.CouncilModels) > 0 {
			cfg.CouncilModels = req.CouncilModels
		}
		if req.ChairmanModel != "" {
			cfg.ChairmanModel = req.ChairmanModel
		}
	}

	if err := validateModels(r.Context(), cfg); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := store.CreateConversation(r.Context(), cfg)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}
	respondJSON(w, http.StatusCreated, conv)
}

func getConversationHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	conv, messages, err := store.GetConversation(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "conversation not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to get conversation")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"id":         conv.ID,
		"title":      conv.Title,
		"config":     conv.Config,
		"created_at": conv.CreatedAt,
		"messages":   messages,
	})
}

func deleteConversationHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := store.DeleteConversation(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "conversation not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to delete conversation")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func updateTitleHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" || len(title) > 50 {
		respondError(w, http.StatusBadRequest, "title must be between 1 and 50 characters")
		return
	}

	if err := store.UpdateConversationTitle(r.Context(), id, title); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "conversation not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to update title")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"title": title})
}

func updateConfigHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req conversationConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.CouncilModels) == 0 || req.ChairmanModel == "" {
		respondError(w, http.StatusBadRequest, "council_models and chairman_model are required")
		return
	}

	cfg := deliberation.Config{
		CouncilModels: req.CouncilModels,
		ChairmanModel: req.ChairmanModel,
	}
	if err := validateModels(r.Context(), cfg); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := store.UpdateConversationConfig(r.Context(), id, cfg); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "conversation not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to update config")
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

// validateModels rejects configurations naming models absent from the
// catalog. When the catalog itself is unreachable validation is skipped;
// an unreachable catalog must not block conversations.
func validateModels(ctx context.Context, cfg deliberation.Config) error {
	available, _, err := modelCache.List(ctx, false)
	if err != nil {
		logr.Warn("", "", "catalog unavailable, skipping model validation", map[string]interface{}{
			"error": err.Error(),
		})
		return nil
	}

	known := make(map[string]bool, len(available))
	for _, m := range available {
		known[m.ID] = true
	}

	var unknown []string
	for _, m := range append(append([]string{}, cfg.CouncilModels...), cfg.ChairmanModel) {
		if !known[m] {
			unknown = append(unknown, m)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("unknown models: %s", strings.Join(unknown, ", "))
	}
	return nil
}

// messageHandler runs the full pipeline synchronously and returns all three
// stages at once.
func messageHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		respondError(w, http.StatusBadRequest, "content is required")
		return
	}

	conv, messages, err := store.GetConversation(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "conversation not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to get conversation")
		return
	}
	firstMessage := len(messages) == 0

	index, err := store.AddUserMessage(r.Context(), id, req.Content)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to store message")
		return
	}

	start := time.Now()
	result, err := engine.RerunFull(r.Context(), id, index, req.Content, conv.Config)
	if err != nil {
		metrics.recordRun("error")
		respondError(w, http.StatusBadGateway, fmt.Sprintf("deliberation failed: %v", err))
		return
	}
	metrics.recordRun("complete")
	promStageDuration.WithLabelValues("full").Observe(float64(time.Since(start).Milliseconds()))

	if firstMessage {
		if title, err := engine.GenerateTitle(r.Context(), req.Content, conv.Config.ChairmanModel); err == nil {
			if err := store.UpdateConversationTitle(r.Context(), id, title); err != nil {
				logr.Warn(id, "", "failed to persist title", map[string]interface{}{"error": err.Error()})
			}
		}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"index":    index,
		"stage1":   result.Stage1,
		"stage2":   result.Stage2,
		"stage3":   result.Stage3,
		"metadata": result.Metadata,
	})
}

// turnRef extracts the {id}/{idx} pair shared by the turn-level routes.
func turnRef(r *http.Request) (string, int, error) {
	vars := mux.Vars(r)
	idx, err := strconv.Atoi(vars["idx"])
	if err != nil || idx < 0 {
		return "", 0, fmt.Errorf("invalid message index %q", vars["idx"])
	}
	return vars["id"], idx, nil
}

// respondEngineError maps engine sentinel errors to HTTP statuses.
func respondEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, deliberation.ErrTurnNotFound), errors.Is(err, storage.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, deliberation.ErrNoStageData):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondError(w, http.StatusBadGateway, err.Error())
	}
}

func continueHandler(w http.ResponseWriter, r *http.Request) {
	id, idx, err := turnRef(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	cfg, ok := conversationConfig(w, r, id)
	if !ok {
		return
	}

	result, err := engine.Continue(r.Context(), id, idx, cfg)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func rerunHandler(w http.ResponseWriter, r *http.Request) {
	id, idx, err := turnRef(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	cfg, ok := conversationConfig(w, r, id)
	if !ok {
		return
	}

	// An optional replacement query overwrites the stored user message first.
	var req struct {
		Content string `json:"content"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if strings.TrimSpace(req.Content) != "" {
		if err := store.UpdateUserMessage(r.Context(), id, idx-1, req.Content); err != nil {
			respondEngineError(w, err)
			return
		}
	}

	query, err := store.PrecedingUserMessage(r.Context(), id, idx)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	result, err := engine.RerunFull(r.Context(), id, idx, query, cfg)
	if err != nil {
		metrics.recordRun("error")
		respondEngineError(w, err)
		return
	}
	metrics.recordRun("complete")
	respondJSON(w, http.StatusOK, result)
}

func rerunStage1ModelHandler(w http.ResponseWriter, r *http.Request) {
	id, idx, err := turnRef(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	model := mux.Vars(r)["model"]

	stage1, err := engine.RerunStage1Model(r.Context(), id, idx, model)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"stage1": stage1})
}

func rerunStage2ModelHandler(w http.ResponseWriter, r *http.Request) {
	id, idx, err := turnRef(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	model := mux.Vars(r)["model"]

	cfg, ok := conversationConfig(w, r, id)
	if !ok {
		return
	}

	stage2, metadata, err := engine.RerunStage2Model(r.Context(), id, idx, model, cfg)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"stage2":   stage2,
		"metadata": metadata,
	})
}

func rerunStage3Handler(w http.ResponseWriter, r *http.Request) {
	id, idx, err := turnRef(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	cfg, ok := conversationConfig(w, r, id)
	if !ok {
		return
	}

	stage3, err := engine.RerunStage3(r.Context(), id, idx, cfg)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"stage3": stage3})
}

// conversationConfig loads the per-conversation council config, writing the
// error response itself on failure.
func conversationConfig(w http.ResponseWriter, r *http.Request, id string) (deliberation.Config, bool) {
	conv, _, err := store.GetConversation(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "conversation not found")
		} else {
			respondError(w, http.StatusInternalServerError, "failed to get conversation")
		}
		return deliberation.Config{}, false
	}
	return conv.Config, true
}
