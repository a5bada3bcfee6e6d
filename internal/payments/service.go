package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"photodrop/internal/logging"
	"photodrop/internal/store"
)

const (
	// UnitPriceCents is the price of one photo.
	UnitPriceCents = 500

	DefaultCurrency = "usd"
)

var (
	ErrValidation = errors.New("invalid payment request")
	ErrNoPhotos   = errors.New("no photos found")
	ErrGateway    = errors.New("payment gateway error")
)

// ValidationError carries a client-facing reason and matches ErrValidation.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func (e *ValidationError) Unwrap() error { return ErrValidation }

// PaymentCallback is called when a client's session is marked paid.
type PaymentCallback func(clientID string)

// Config holds pricing and redirect settings.
type Config struct {
	ClientURL  string // base URL of the web client, used for redirects
	UnitAmount int64
	Currency   string
}

// Service handles checkout creation and payment verification.
type Service struct {
	gateway Gateway
	store   store.Store
	cfg     Config

	mu        sync.RWMutex
	callbacks []PaymentCallback
}

// NewService creates a new payment service.
func NewService(gateway Gateway, st store.Store, cfg Config) *Service {
	if cfg.UnitAmount <= 0 {
		cfg.UnitAmount = UnitPriceCents
	}
	if cfg.Currency == "" {
		cfg.Currency = DefaultCurrency
	}
	cfg.ClientURL = strings.TrimSuffix(cfg.ClientURL, "/")
	return &Service{
		gateway: gateway,
		store:   st,
		cfg:     cfg,
	}
}

// AddPaymentCallback registers a function called after a session is marked
// paid. This lets other components (event hub, rate limiters) react to
// payments.
func (s *Service) AddPaymentCallback(cb PaymentCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// CreateCheckout starts a hosted checkout priced per photo. A client with no
// photos gets ErrNoPhotos and the gateway is not called.
func (s *Service) CreateCheckout(ctx context.Context, clientID string) (*Checkout, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return nil, &ValidationError{Reason: "Client ID required"}
	}

	count, err := s.store.CountPhotos(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("count photos: %w", err)
	}
	if count == 0 {
		return nil, ErrNoPhotos
	}

	downloadURL := s.cfg.ClientURL + "/download/" + clientID
	c, err := s.gateway.CreateCheckout(ctx, CheckoutRequest{
		ClientID:   clientID,
		Quantity:   int64(count),
		UnitAmount: s.cfg.UnitAmount,
		Currency:   s.cfg.Currency,
		SuccessURL: downloadURL + "?session_id=" + checkoutSessionPlaceholder,
		CancelURL:  downloadURL,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	return c, nil
}

// VerifyPayment checks a checkout with the processor and, if it was paid for
// clientID, marks the client's session paid. A checkout paid under another
// clientId verifies as false.
func (s *Service) VerifyPayment(ctx context.Context, checkoutID, clientID string) (bool, error) {
	checkoutID = strings.TrimSpace(checkoutID)
	clientID = strings.TrimSpace(clientID)
	if checkoutID == "" || clientID == "" {
		return false, &ValidationError{Reason: "Session ID and Client ID required"}
	}

	c, err := s.gateway.RetrieveCheckout(ctx, checkoutID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	if !c.Paid {
		return false, nil
	}
	if c.ClientID != clientID {
		logging.Stripe.Printf("checkout %s belongs to client %q, not %q", checkoutID, c.ClientID, clientID)
		return false, nil
	}

	if err := s.store.MarkSessionPaid(ctx, clientID, checkoutID); err != nil {
		logging.Internal.Printf("CRITICAL: failed to mark client %s as paid after checkout %s: %v", clientID, checkoutID, err)
		return false, fmt.Errorf("mark session paid: %w", err)
	}
	logging.Stripe.Printf("client %s paid (checkout %s, %d)", clientID, checkoutID, c.AmountTotal)

	s.notify(clientID)
	return true, nil
}

func (s *Service) notify(clientID string) {
	s.mu.RLock()
	cbs := append([]PaymentCallback(nil), s.callbacks...)
	s.mu.RUnlock()

	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Internal.Printf("payment callback panic for client %s: %v", clientID, r)
				}
			}()
			cb(clientID)
		}()
	}
}

// PaymentStatus reports whether clientID has paid. No session means unpaid.
func (s *Service) PaymentStatus(ctx context.Context, clientID string) (bool, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return false, &ValidationError{Reason: "Client ID required"}
	}
	sess, err := s.store.GetSession(ctx, clientID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return sess.Paid, nil
}
