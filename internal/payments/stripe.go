package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"photodrop/internal/logging"
)

const checkoutSessionPlaceholder = "{CHECKOUT_SESSION_ID}"

// checkoutSessions is the subset of the Stripe checkout session client used
// by StripeGateway.
type checkoutSessions interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// StripeGateway implements Gateway with Stripe Checkout.
type StripeGateway struct {
	sessions    checkoutSessions
	productName string
}

// StripeConfig holds configuration for the Stripe gateway.
type StripeConfig struct {
	SecretKey   string
	ProductName string // line item label shown on the hosted page
}

// NewStripeGateway creates a gateway backed by the Stripe API.
func NewStripeGateway(cfg StripeConfig) (*StripeGateway, error) {
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("stripe secret key is required")
	}
	sc := &client.API{}
	sc.Init(cfg.SecretKey, nil)
	return newStripeGateway(sc.CheckoutSessions, cfg.ProductName), nil
}

func newStripeGateway(sessions checkoutSessions, productName string) *StripeGateway {
	if productName == "" {
		productName = "Photo download"
	}
	return &StripeGateway{sessions: sessions, productName: productName}
}

func (g *StripeGateway) CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	logging.Stripe.Printf("creating checkout for client %s (%d x %d %s)", req.ClientID, req.Quantity, req.UnitAmount, req.Currency)

	params := &stripe.CheckoutSessionParams{
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(req.Currency),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(g.productName),
					},
					UnitAmount: stripe.Int64(req.UnitAmount),
				},
				Quantity: stripe.Int64(req.Quantity),
			},
		},
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
	}
	params.Context = ctx
	params.AddMetadata("clientId", req.ClientID)

	sess, err := g.sessions.New(params)
	if err != nil {
		logging.Stripe.Printf("create checkout failed for client %s: %s", req.ClientID, describeStripeError(err))
		return nil, err
	}

	logging.Stripe.Printf("checkout %s created for client %s", sess.ID, req.ClientID)
	return toCheckout(sess), nil
}

func (g *StripeGateway) RetrieveCheckout(ctx context.Context, id string) (*Checkout, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	sess, err := g.sessions.Get(id, params)
	if err != nil {
		logging.Stripe.Printf("retrieve checkout %s failed: %s", id, describeStripeError(err))
		return nil, err
	}
	return toCheckout(sess), nil
}

func toCheckout(sess *stripe.CheckoutSession) *Checkout {
	return &Checkout{
		ID:          sess.ID,
		URL:         sess.URL,
		Paid:        sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		ClientID:    sess.Metadata["clientId"],
		AmountTotal: sess.AmountTotal,
	}
}

func describeStripeError(err error) string {
	var serr *stripe.Error
	if errors.As(err, &serr) {
		return fmt.Sprintf("%s (type=%s, code=%s, status=%d)", serr.Msg, serr.Type, serr.Code, serr.HTTPStatusCode)
	}
	return err.Error()
}
