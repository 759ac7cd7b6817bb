package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"
)

// CheckoutKind discriminates what a hosted checkout pays for. It travels in
// checkout metadata and comes back on the webhook.
type CheckoutKind string

const (
	CheckoutKindInitial          CheckoutKind = "initial"
	CheckoutKindExtension        CheckoutKind = "extension"
	CheckoutKindPayoutCollection CheckoutKind = "payout_collection"
)

// Metadata keys carried through the gateway.
const (
	MetaPurchaseID      = "purchase_id"
	MetaSessionID       = "session_id"
	MetaListenerID      = "listener_id"
	MetaKind            = "kind"
	MetaDurationMinutes = "duration_minutes"
	MetaPayoutRef       = "payout_ref"
)

// CheckoutParams describes one hosted checkout to create.
type CheckoutParams struct {
	Kind        CheckoutKind
	ProductName string
	// AmountCents is the charge total in the currency's minor unit.
	AmountCents int64
	Currency    string
	Metadata    map[string]string
}

// Checkout is the created hosted checkout: the id we persist against the
// purchase and the URL the client is redirected to.
type Checkout struct {
	SessionID string
	URL       string
}

// WebhookEvent is the canonical, provider-verified form of an incoming
// payment event.
type WebhookEvent struct {
	ID                string
	Type              string
	CheckoutSessionID string
	PaymentIntentID   string
	Metadata          map[string]string
	ReceivedAt        time.Time
}

// Kind extracts the checkout kind from event metadata.
func (e WebhookEvent) Kind() CheckoutKind {
	return CheckoutKind(e.Metadata[MetaKind])
}

// Gateway is the payment provider surface the handlers depend on. Tests
// substitute a fake.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*Checkout, error)
	VerifyWebhook(payload []byte, sigHeader string) (WebhookEvent, error)
	RefundPayment(ctx context.Context, paymentIntentID, reason string) (string, error)
}

// StripeService implements Gateway against Stripe.
type StripeService struct {
	client        *stripe.Client
	webhookSecret string
	successURL    string
	cancelURL     string
	logger        *zap.Logger
}

func NewStripeService(logger *zap.Logger) *StripeService {
	return &StripeService{logger: logger}
}

// Configure initializes the Stripe client. Must run before any other method.
func (s *StripeService) Configure(apiKey, webhookSecret, successURL, cancelURL string) error {
	if apiKey == "" {
		return fmt.Errorf("stripe API key not provided")
	}
	if webhookSecret == "" {
		return fmt.Errorf("stripe webhook secret not provided")
	}
	s.client = stripe.NewClient(apiKey, nil)
	s.webhookSecret = webhookSecret
	s.successURL = successURL
	s.cancelURL = cancelURL
	return nil
}

// CreateCheckoutSession creates a hosted checkout. Metadata is attached both
// to the checkout session and to the resulting payment intent, so every later
// webhook shape can be traced back to the purchase.
func (s *StripeService) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*Checkout, error) {
	if s.client == nil {
		return nil, fmt.Errorf("stripe client not configured")
	}

	metadata := make(map[string]string, len(params.Metadata)+1)
	for k, v := range params.Metadata {
		metadata[k] = v
	}
	metadata[MetaKind] = string(params.Kind)

	currency := params.Currency
	if currency == "" {
		currency = "usd"
	}

	createParams := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionCreateLineItemPriceDataParams{
					Currency: stripe.String(currency),
					ProductData: &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
						Name: stripe.String(params.ProductName),
					},
					UnitAmount: stripe.Int64(params.AmountCents),
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(s.successURL),
		CancelURL:  stripe.String(s.cancelURL),
		Metadata:   metadata,
		PaymentIntentData: &stripe.CheckoutSessionCreatePaymentIntentDataParams{
			Metadata: metadata,
		},
	}

	session, err := s.client.V1CheckoutSessions.Create(ctx, createParams)
	if err != nil {
		s.logger.Error("failed to create checkout session",
			zap.String("kind", string(params.Kind)), zap.Error(err))
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	s.logger.Info("created checkout session",
		zap.String("checkout_session_id", session.ID),
		zap.String("kind", string(params.Kind)))

	return &Checkout{SessionID: session.ID, URL: session.URL}, nil
}

// VerifyWebhook validates the provider signature and maps the event to its
// canonical form. An invalid signature is an error; callers respond 400.
func (s *StripeService) VerifyWebhook(payload []byte, sigHeader string) (WebhookEvent, error) {
	event, err := webhook.ConstructEvent(payload, sigHeader, s.webhookSecret)
	if err != nil {
		s.logger.Error("webhook signature verification failed", zap.Error(err))
		return WebhookEvent{}, fmt.Errorf("webhook signature verification failed: %w", err)
	}

	out := WebhookEvent{
		ID:         event.ID,
		Type:       string(event.Type),
		Metadata:   map[string]string{},
		ReceivedAt: time.Now(),
	}

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return out, fmt.Errorf("unmarshal %s data: %w", event.Type, err)
		}
		out.CheckoutSessionID = session.ID
		out.Metadata = session.Metadata
		if session.PaymentIntent != nil {
			out.PaymentIntentID = session.PaymentIntent.ID
		}

	case stripe.EventTypePaymentIntentPaymentFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return out, fmt.Errorf("unmarshal %s data: %w", event.Type, err)
		}
		out.PaymentIntentID = pi.ID
		out.Metadata = pi.Metadata

	case stripe.EventTypeChargeRefunded:
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return out, fmt.Errorf("unmarshal %s data: %w", event.Type, err)
		}
		out.Metadata = charge.Metadata
		if charge.PaymentIntent != nil {
			out.PaymentIntentID = charge.PaymentIntent.ID
		}
	}

	if out.Metadata == nil {
		out.Metadata = map[string]string{}
	}
	return out, nil
}

// RefundPayment refunds the full payment intent. A payment that Stripe
// reports as already refunded is treated as a successful no-op so refund
// paths stay idempotent.
func (s *StripeService) RefundPayment(ctx context.Context, paymentIntentID, reason string) (string, error) {
	if s.client == nil {
		return "", fmt.Errorf("stripe client not configured")
	}
	if paymentIntentID == "" {
		return "", fmt.Errorf("payment intent id is required to create a refund")
	}

	params := &stripe.RefundCreateParams{
		PaymentIntent: stripe.String(paymentIntentID),
	}
	if reason != "" {
		params.Metadata = map[string]string{"reason": reason}
	}

	refund, err := s.client.V1Refunds.Create(ctx, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodeChargeAlreadyRefunded {
			s.logger.Info("payment already refunded",
				zap.String("payment_intent_id", paymentIntentID))
			return "", nil
		}
		s.logger.Error("failed to create refund",
			zap.String("payment_intent_id", paymentIntentID), zap.Error(err))
		return "", fmt.Errorf("create refund: %w", err)
	}

	s.logger.Info("created refund",
		zap.String("refund_id", refund.ID),
		zap.String("payment_intent_id", paymentIntentID))
	return refund.ID, nil
}

var _ Gateway = (*StripeService)(nil)
