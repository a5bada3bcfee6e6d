package payments

import (
	"context"
)

// CheckoutRequest describes a hosted checkout for a client's photos.
type CheckoutRequest struct {
	ClientID   string
	Quantity   int64
	UnitAmount int64 // minor units, e.g. cents
	Currency   string
	SuccessURL string
	CancelURL  string
}

// Checkout is a hosted checkout as seen by the payment processor.
type Checkout struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Paid        bool   `json:"-"`
	ClientID    string `json:"-"` // from the checkout's metadata
	AmountTotal int64  `json:"-"`
}

// Gateway defines the payment processor operations.
type Gateway interface {
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error)
	RetrieveCheckout(ctx context.Context, id string) (*Checkout, error)
}
