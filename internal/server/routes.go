package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/attune/internal/engine"
	"github.com/lazypower/attune/internal/scheduler"
	"github.com/lazypower/attune/internal/transform"
)

type enhanceRequest struct {
	Embedding []float64        `json:"embedding"`
	Text      string           `json:"text"`
	NodeIDs   []string         `json:"node_ids"`
	Graph     *transform.Graph `json:"graph"`
}

func (s *Server) handleEnhance(w http.ResponseWriter, r *http.Request) {
	var req enhanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	switch {
	case req.Text != "":
		res, err := s.engine.EnhanceText(r.Context(), req.Text, req.NodeIDs)
		if errors.Is(err, engine.ErrNoEmbedder) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, res)
	case len(req.Embedding) == 0:
		writeError(w, http.StatusBadRequest, "embedding or text required")
	case req.Graph != nil:
		writeJSON(w, http.StatusOK, s.engine.Enhance(r.Context(), req.Embedding, req.Graph))
	default:
		writeJSON(w, http.StatusOK, s.engine.EnhanceNodes(r.Context(), req.Embedding, req.NodeIDs))
	}
}

func (s *Server) handleAddTrajectory(w http.ResponseWriter, r *http.Request) {
	var t scheduler.Trajectory
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	err := s.engine.AddTrajectory(t)
	switch {
	case errors.Is(err, scheduler.ErrInvalidTrajectory):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, scheduler.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		// buffered in memory; only the disk write failed
		log.Printf("server: add trajectory %s: %v", t.ID, err)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":      "buffered",
		"buffer_size": s.engine.Stats().BufferSize,
	})
}

// handleTrain forces a run. With wait=false it returns 202 and trains in
// the background.
func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("wait") == "false" {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
			defer cancel()
			if res, err := s.engine.ForceTraining(ctx); err != nil {
				log.Printf("server: background training: %v", err)
			} else if !res.OK {
				log.Printf("server: background training failed: %s", res.Reason)
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "training"})
		return
	}

	res, err := s.engine.ForceTraining(r.Context())
	switch {
	case errors.Is(err, scheduler.ErrEmptyBuffer), errors.Is(err, scheduler.ErrRunInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.CompleteTask(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "consolidated",
		"tasks":  s.engine.Stats().EWCTasks,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	from, to := 0, -1
	if v := r.URL.Query().Get("from"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "from must be a non-negative integer")
			return
		}
		from = n
	}
	if v := r.URL.Query().Get("to"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "to must be an integer")
			return
		}
		to = n
	}

	recs, err := s.engine.History(from, to)
	if err != nil {
		writeError(w, storeStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"from":    from,
		"to":      to,
		"count":   len(recs),
		"records": recs,
	})
}

func (s *Server) handlePruneHistory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Days int `json:"days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Days <= 0 {
		writeError(w, http.StatusBadRequest, "days must be positive")
		return
	}

	n, err := s.engine.PruneHistory(time.Duration(req.Days) * 24 * time.Hour)
	if err != nil {
		writeError(w, storeStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pruned": n})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	runs, err := s.engine.Runs(limit)
	if err != nil {
		writeError(w, storeStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(runs), "runs": runs})
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NodeIDs []string `json:"node_ids"`
		All     bool     `json:"all"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if req.All {
		s.engine.ClearCache()
		writeJSON(w, http.StatusOK, map[string]any{"status": "cleared"})
		return
	}
	if len(req.NodeIDs) == 0 {
		writeError(w, http.StatusBadRequest, "node_ids or all required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invalidated": s.engine.InvalidateNodes(req.NodeIDs)})
}

func (s *Server) handleSaveNode(w http.ResponseWriter, r *http.Request) {
	var req transform.GraphNode
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.ID == "" || len(req.Embedding) == 0 {
		writeError(w, http.StatusBadRequest, "id and embedding required")
		return
	}

	if err := s.engine.SaveNode(req.ID, req.Embedding); err != nil {
		writeError(w, storeStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "ok", "id": req.ID})
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "nodeID")
	if err := s.engine.DeleteNode(id); err != nil {
		writeError(w, storeStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

func (s *Server) handleSaveEdge(w http.ResponseWriter, r *http.Request) {
	var req transform.Edge
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.From == "" || req.To == "" {
		writeError(w, http.StatusBadRequest, "from and to required")
		return
	}
	if req.Weight == 0 {
		req.Weight = 1
	}

	if err := s.engine.SaveEdge(req.From, req.To, req.Weight); err != nil {
		writeError(w, storeStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "ok"})
}

// storeStatus maps a missing store to 503 and anything else to 500.
func storeStatus(err error) int {
	if errors.Is(err, engine.ErrNoStore) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
