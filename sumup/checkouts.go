package sumup

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/teur/pos"
)

type createCheckoutRequest struct {
	CheckoutReference string      `json:"checkout_reference"`
	Amount            json.Number `json:"amount"`
	Currency          string      `json:"currency"`
	MerchantCode      string      `json:"merchant_code"`
	Description       string      `json:"description,omitempty"`
}

type checkoutResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type card struct {
	Token string `json:"token"`
}

type processCheckoutRequest struct {
	PaymentType string `json:"payment_type"`
	Card        card   `json:"card"`
}

// CreateCheckout opens a checkout with a fresh checkout_reference and returns
// its id.
func (c *Client) CreateCheckout(ctx context.Context, amount decimal.Decimal, description string) (string, error) {
	req := pos.CheckoutRequest{Amount: amount, Currency: pos.Currency, Description: description, MerchantID: c.merchantCode}
	if err := req.Validate(); err != nil {
		return "", err
	}
	body := createCheckoutRequest{
		CheckoutReference: c.newReference(),
		Amount:            json.Number(amount.StringFixed(2)),
		Currency:          req.Currency,
		MerchantCode:      req.MerchantID,
		Description:       description,
	}
	resp, err := c.do(ctx, http.MethodPost, "/checkouts", body)
	if err != nil {
		return "", err
	}
	if !resp.ok() {
		return "", resp.apiError("create checkout")
	}
	var out checkoutResponse
	if err := resp.decode("create checkout", &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", pos.NewAPIError(resp.status, "create checkout response lacks id", pos.WithCode(pos.UnexpectedResponse))
	}
	return out.ID, nil
}

// GetCheckoutStatus returns the current status of a checkout or reader
// transaction.
func (c *Client) GetCheckoutStatus(ctx context.Context, checkoutID string) (pos.CheckoutStatus, error) {
	result, err := c.GetCheckout(ctx, checkoutID)
	if err != nil {
		return "", err
	}
	return result.Status, nil
}

// GetCheckout looks a checkout up.
func (c *Client) GetCheckout(ctx context.Context, checkoutID string) (pos.CheckoutResult, error) {
	id, err := pathParam("checkout_id", checkoutID)
	if err != nil {
		return pos.CheckoutResult{}, err
	}
	resp, err := c.do(ctx, http.MethodGet, "/checkouts/"+id, nil)
	if err != nil {
		return pos.CheckoutResult{}, err
	}
	if !resp.ok() {
		return pos.CheckoutResult{}, resp.apiError("get checkout")
	}
	return parseCheckout(resp, "get checkout", checkoutID)
}

// ProcessCheckout pays a checkout with a tokenized card.
func (c *Client) ProcessCheckout(ctx context.Context, checkoutID, cardToken string) (pos.CheckoutStatus, error) {
	if cardToken == "" {
		return "", pos.NewPreconditionError(pos.InvalidRequest, "card token is required")
	}
	id, err := pathParam("checkout_id", checkoutID)
	if err != nil {
		return "", err
	}
	resp, err := c.do(ctx, http.MethodPut, "/checkouts/"+id, processCheckoutRequest{PaymentType: "card", Card: card{Token: cardToken}})
	if err != nil {
		return "", err
	}
	if !resp.ok() {
		return "", resp.apiError("process checkout")
	}
	result, err := parseCheckout(resp, "process checkout", checkoutID)
	if err != nil {
		return "", err
	}
	return result.Status, nil
}

func parseCheckout(resp response, op, checkoutID string) (pos.CheckoutResult, error) {
	var out checkoutResponse
	if err := resp.decode(op, &out); err != nil {
		return pos.CheckoutResult{}, err
	}
	status, err := pos.ParseCheckoutStatus(out.Status)
	if err != nil {
		return pos.CheckoutResult{}, pos.NewAPIError(resp.status, fmt.Sprintf("%s: %v", op, err), pos.WithCode(pos.UnexpectedResponse))
	}
	if out.ID == "" {
		out.ID = checkoutID
	}
	return pos.CheckoutResult{CheckoutID: out.ID, Status: status}, nil
}
