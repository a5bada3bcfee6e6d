package payments

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"photodrop/internal/logging"
)

var errCheckoutNotFound = errors.New("no such checkout session")

// MockGateway implements Gateway in memory for testing and development.
type MockGateway struct {
	mu        sync.Mutex
	checkouts map[string]*Checkout
	autoPay   bool
	requests  []CheckoutRequest
}

// NewMockGateway creates a mock gateway. With autoPay set every checkout
// reports paid as soon as it is created.
func NewMockGateway(autoPay bool) *MockGateway {
	return &MockGateway{
		checkouts: make(map[string]*Checkout),
		autoPay:   autoPay,
	}
}

func (m *MockGateway) CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	id, err := generateCheckoutID()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Point the success URL straight back at the app, the way the hosted page would.
	url := strings.ReplaceAll(req.SuccessURL, checkoutSessionPlaceholder, id)
	c := &Checkout{
		ID:          id,
		URL:         url,
		Paid:        m.autoPay,
		ClientID:    req.ClientID,
		AmountTotal: req.Quantity * req.UnitAmount,
	}
	m.checkouts[id] = c
	m.requests = append(m.requests, req)
	if m.autoPay {
		logging.Stripe.Printf("mock: checkout %s auto-paid", id[:12])
	}

	cp := *c
	return &cp, nil
}

func (m *MockGateway) RetrieveCheckout(ctx context.Context, id string) (*Checkout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.checkouts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errCheckoutNotFound, id)
	}
	cp := *c
	return &cp, nil
}

// SimulatePayment marks a checkout as paid (for testing).
func (m *MockGateway) SimulatePayment(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.checkouts[id]; ok {
		c.Paid = true
	}
}

// Requests returns every checkout request received so far.
func (m *MockGateway) Requests() []CheckoutRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CheckoutRequest(nil), m.requests...)
}

func generateCheckoutID() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return "cs_test_" + hex.EncodeToString(bytes), nil
}
