// Copyright 2025 Conclave
// SPDX-License-Identifier: Apache-2.0

package council

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"conclave/platform/council/deliberation"
	"conclave/platform/council/storage"
)

// sseWriter streams deliberation events as server-sent events, one
// "data: <json>\n\n" frame per event.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported by this connection")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return &sseWriter{w: w, flusher: flusher}, nil
}

func (s *sseWriter) send(ev deliberation.Event) error {
	raw, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", raw); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// streamMessageHandler appends a user message and streams the deliberation
// run. mode "step" pauses after stage 1; the default runs all three stages.
func streamMessageHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req struct {
		Content string `json:"content"`
		Mode    string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		respondError(w, http.StatusBadRequest, "content is required")
		return
	}
	if req.Mode != "" && req.Mode != "auto" && req.Mode != "step" {
		respondError(w, http.StatusBadRequest, "mode must be auto or step")
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

	stream, err := newSSEWriter(w)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var lastType deliberation.EventType
	stageStarts := map[deliberation.EventType]time.Time{}
	sink := func(ev deliberation.Event) error {
		lastType = ev.Type
		switch ev.Type {
		case deliberation.EventStage1Start:
			stageStarts[deliberation.EventStage1Complete] = time.Now()
		case deliberation.EventStage2Start:
			stageStarts[deliberation.EventStage2Complete] = time.Now()
		case deliberation.EventStage3Start:
			stageStarts[deliberation.EventStage3Complete] = time.Now()
		case deliberation.EventStage1Complete, deliberation.EventStage2Complete, deliberation.EventStage3Complete:
			if start, ok := stageStarts[ev.Type]; ok {
				stage := strings.TrimSuffix(string(ev.Type), "_complete")
				promStageDuration.WithLabelValues(stage).Observe(float64(time.Since(start).Milliseconds()))
			}
		}
		return stream.send(ev)
	}

	runErr := engine.Run(r.Context(), id, index, req.Content, conv.Config, deliberation.RunOptions{
		StepMode:      req.Mode == "step",
		GenerateTitle: firstMessage,
		Sink:          sink,
	})

	switch {
	case runErr != nil:
		metrics.recordRun("error")
	case lastType == deliberation.EventPaused:
		metrics.recordRun("paused")
	default:
		metrics.recordRun("complete")
	}
}
