package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/aristath/insiderscope/internal/auth"
	"github.com/aristath/insiderscope/internal/domain"
)

type feedbackRequest struct {
	Message  string                 `json:"message"`
	PageURL  string                 `json:"page_url"`
	Rating   *int                   `json:"rating"`
	Metadata map[string]interface{} `json:"metadata"`
}

func (s *Server) handleSubmitFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if !decodeBody(w, r, &req) {
		return
	}

	message := strings.TrimSpace(req.Message)
	if len(message) < 3 {
		writeError(w, http.StatusBadRequest, "message_too_short")
		return
	}
	if req.Rating != nil && (*req.Rating < 1 || *req.Rating > 5) {
		writeError(w, http.StatusBadRequest, "invalid_rating")
		return
	}

	var metadataJSON interface{}
	if len(req.Metadata) > 0 {
		b, err := json.Marshal(req.Metadata)
		if err == nil {
			metadataJSON = string(b)
		}
	}

	var pageURL interface{}
	if req.PageURL != "" {
		pageURL = req.PageURL
	}
	var rating interface{}
	if req.Rating != nil {
		rating = *req.Rating
	}

	user := auth.UserFromContext(r.Context())
	_, err := s.db.Exec(`
		INSERT INTO user_feedback (user_id, message, page_url, rating, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		user.UserID, message, pageURL, rating, metadataJSON, domain.NowISO())
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to store feedback")
		writeError(w, http.StatusInternalServerError, "feedback_failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleAdminListFeedback(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100, 1, 500)

	rows, err := s.db.Query(`
		SELECT f.feedback_id, f.user_id, u.username, f.message, f.page_url,
		       f.rating, f.metadata_json, f.created_at
		FROM user_feedback f
		JOIN users u ON u.user_id = f.user_id
		ORDER BY f.created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "feedback_query_failed")
		return
	}

	items, err := rowsToMaps(rows)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "feedback_query_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"feedback": items})
}
