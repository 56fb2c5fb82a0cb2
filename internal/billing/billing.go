// Package billing maintains per-user subscription state from Stripe
// webhooks. Checkout and the customer portal are Stripe-hosted; this side
// only needs to verify webhook signatures and mirror subscription state
// onto the users table.
package billing

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/insiderscope/internal/auth"
	"github.com/aristath/insiderscope/internal/config"
	"github.com/aristath/insiderscope/internal/domain"
	"github.com/aristath/insiderscope/internal/queue"
)

// Plan describes a purchasable subscription plan.
type Plan struct {
	PlanID   string `json:"plan_id"`
	Name     string `json:"name"`
	Interval string `json:"interval"`
	PriceID  string `json:"price_id"`
}

// Plans lists the plans configured via Stripe price IDs. Unconfigured
// plans are omitted.
func Plans(cfg *config.Config) []Plan {
	var plans []Plan
	if cfg.StripePriceIDMonthly != "" {
		plans = append(plans, Plan{PlanID: "monthly", Name: "Monthly", Interval: "month", PriceID: cfg.StripePriceIDMonthly})
	}
	if cfg.StripePriceIDYearly != "" {
		plans = append(plans, Plan{PlanID: "yearly", Name: "Yearly", Interval: "year", PriceID: cfg.StripePriceIDYearly})
	}
	return plans
}

// webhookEvent is the subset of a Stripe event envelope we act on.
type webhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type checkoutSession struct {
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	Metadata          map[string]string `json:"metadata"`
}

type subscription struct {
	ID                string  `json:"id"`
	Customer          string  `json:"customer"`
	Status            string  `json:"status"`
	CurrentPeriodEnd  float64 `json:"current_period_end"`
	CancelAtPeriodEnd bool    `json:"cancel_at_period_end"`
	Items             struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// Processor verifies and applies Stripe webhooks.
type Processor struct {
	cfg *config.Config
	log zerolog.Logger
}

func NewProcessor(cfg *config.Config, logger zerolog.Logger) *Processor {
	return &Processor{cfg: cfg, log: logger.With().Str("component", "billing").Logger()}
}

// ProcessWebhook verifies the signature and applies the event once.
// Returns the event ID and whether it was processed (false for replays).
func (p *Processor) ProcessWebhook(db queue.DBTX, payload []byte, signatureHeader string) (string, bool, error) {
	if err := VerifyWebhookSignature(payload, signatureHeader, p.cfg.StripeWebhookSecret, DefaultSignatureTolerance, time.Now()); err != nil {
		return "", false, fmt.Errorf("webhook signature rejected: %w", err)
	}

	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return "", false, fmt.Errorf("webhook payload is not valid JSON: %w", err)
	}
	if event.ID == "" {
		return "", false, fmt.Errorf("webhook event has no id")
	}

	// Record the event id first so Stripe retries of a processed event are
	// no-ops.
	var seen int
	err := db.QueryRow("SELECT 1 FROM stripe_events WHERE event_id=?", event.ID).Scan(&seen)
	if err == nil {
		return event.ID, false, nil
	}
	if _, err := db.Exec(
		"INSERT INTO stripe_events (event_id, event_type, received_at) VALUES (?,?,?)",
		event.ID, event.Type, domain.NowISO()); err != nil {
		return event.ID, false, fmt.Errorf("failed to record webhook event: %w", err)
	}

	if err := p.applyEvent(db, event); err != nil {
		// Drop the idempotency row so a Stripe retry can re-process.
		_, _ = db.Exec("DELETE FROM stripe_events WHERE event_id=?", event.ID)
		return event.ID, false, err
	}
	return event.ID, true, nil
}

func (p *Processor) applyEvent(db queue.DBTX, event webhookEvent) error {
	switch {
	case event.Type == "checkout.session.completed":
		return p.applyCheckoutCompleted(db, event.Data.Object)
	case strings.HasPrefix(event.Type, "customer.subscription."):
		return p.applySubscriptionEvent(db, event.Data.Object)
	default:
		p.log.Debug().Str("event_type", event.Type).Msg("Ignoring webhook event type")
		return nil
	}
}

func (p *Processor) applyCheckoutCompleted(db queue.DBTX, object json.RawMessage) error {
	var session checkoutSession
	if err := json.Unmarshal(object, &session); err != nil {
		return fmt.Errorf("checkout session payload is invalid: %w", err)
	}

	userID := parseUserID(session.ClientReferenceID)
	if userID <= 0 {
		userID = parseUserID(session.Metadata["user_id"])
	}
	if userID <= 0 && session.Customer != "" {
		user, err := auth.GetUserByStripeCustomerID(db, session.Customer)
		if err != nil {
			return err
		}
		if user != nil {
			userID = user.UserID
		}
	}
	if userID <= 0 {
		p.log.Warn().Msg("Checkout completed event could not be mapped to a user")
		return nil
	}

	user, err := auth.GetUserByID(db, userID)
	if err != nil {
		return err
	}
	if user == nil {
		p.log.Warn().Int64("user_id", userID).Msg("Checkout completed for unknown user")
		return nil
	}

	upd := auth.SubscriptionUpdate{}
	if session.Customer != "" {
		upd.StripeCustomerID = &session.Customer
	}
	if session.Subscription != "" {
		upd.StripeSubscriptionID = &session.Subscription
	}
	return auth.UpdateUserSubscription(db, userID, upd)
}

func (p *Processor) applySubscriptionEvent(db queue.DBTX, object json.RawMessage) error {
	var sub subscription
	if err := json.Unmarshal(object, &sub); err != nil {
		return fmt.Errorf("subscription payload is invalid: %w", err)
	}
	if sub.Customer == "" {
		return nil
	}

	user, err := auth.GetUserByStripeCustomerID(db, sub.Customer)
	if err != nil {
		return err
	}
	if user == nil {
		p.log.Warn().Str("customer", sub.Customer).Msg("Subscription event for unknown customer")
		return nil
	}

	upd := auth.SubscriptionUpdate{
		StripeCustomerID:  &sub.Customer,
		CancelAtPeriodEnd: &sub.CancelAtPeriodEnd,
	}
	if sub.ID != "" {
		upd.StripeSubscriptionID = &sub.ID
	}
	if sub.Status != "" {
		upd.SubscriptionStatus = &sub.Status
	}
	if sub.CurrentPeriodEnd > 0 {
		end := domain.FormatISO(time.Unix(int64(sub.CurrentPeriodEnd), 0).UTC())
		upd.CurrentPeriodEnd = &end
	}
	if len(sub.Items.Data) > 0 && sub.Items.Data[0].Price.ID != "" {
		upd.StripePriceID = &sub.Items.Data[0].Price.ID
	}
	return auth.UpdateUserSubscription(db, user.UserID, upd)
}

func parseUserID(raw string) int64 {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}
