package server

import (
	"io"
	"net/http"

	"github.com/aristath/insiderscope/internal/auth"
	"github.com/aristath/insiderscope/internal/billing"
)

func (s *Server) billingEnabled() bool {
	return s.cfg.StripeWebhookSecret != "" &&
		(s.cfg.StripePriceIDMonthly != "" || s.cfg.StripePriceIDYearly != "")
}

func (s *Server) handleBillingPlans(w http.ResponseWriter, r *http.Request) {
	out := map[string]interface{}{
		"monthly": nil,
		"yearly":  nil,
		"enabled": s.billingEnabled(),
	}
	for _, plan := range billing.Plans(s.cfg) {
		out[plan.PlanID] = plan
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBillingStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":            auth.UserFromContext(r.Context()),
		"billing_enabled": s.billingEnabled(),
	})
}

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	eventID, processed, err := s.billing.ProcessWebhook(s.db.Conn(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		s.log.Warn().Err(err).Msg("Stripe webhook rejected")
		writeError(w, http.StatusBadRequest, "webhook_failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":        true,
		"event_id":  eventID,
		"processed": processed,
	})
}
