package sumup

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/teur/pos"
)

type readerList struct {
	Items []pos.ReaderInfo `json:"items"`
}

type amountPayload struct {
	Currency  string `json:"currency"`
	MinorUnit int    `json:"minor_unit"`
	Value     int64  `json:"value"`
}

type readerCheckoutRequest struct {
	TotalAmount amountPayload `json:"total_amount"`
	Description string        `json:"description,omitempty"`
}

type readerCheckoutResponse struct {
	Data struct {
		ClientTransactionID string `json:"client_transaction_id"`
	} `json:"data"`
}

type readerStatusResponse struct {
	Data pos.ReaderStatus `json:"data"`
}

// MinorUnits converts an amount to cents, rounding half away from zero.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// ListReaders returns the readers paired with the merchant. Any non-2xx
// answer is reported as a transport failure.
func (c *Client) ListReaders(ctx context.Context) ([]pos.ReaderInfo, error) {
	base, err := c.merchantPath()
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodGet, base+"/readers", nil)
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		return nil, pos.NewTransportError(fmt.Sprintf("list readers returned %s", resp.rawCode), pos.WithStatusCode(resp.status))
	}
	var out readerList
	if err := resp.decode("list readers", &out); err != nil {
		return nil, err
	}
	if out.Items == nil {
		out.Items = []pos.ReaderInfo{}
	}
	return out.Items, nil
}

// ChargeOnReader asks the reader to collect amount and returns the client
// transaction id used to follow the payment.
func (c *Client) ChargeOnReader(ctx context.Context, readerID string, amount decimal.Decimal, description string) (string, error) {
	req := pos.CheckoutRequest{Amount: amount, Currency: pos.Currency, Description: description, MerchantID: c.merchantCode}
	if err := req.Validate(); err != nil {
		return "", err
	}
	base, err := c.merchantPath()
	if err != nil {
		return "", err
	}
	id, err := pathParam("reader_id", readerID)
	if err != nil {
		return "", err
	}
	body := readerCheckoutRequest{
		TotalAmount: amountPayload{Currency: pos.Currency, MinorUnit: 2, Value: MinorUnits(amount)},
		Description: description,
	}
	resp, err := c.do(ctx, http.MethodPost, base+"/readers/"+id+"/checkout", body)
	if err != nil {
		return "", err
	}
	if !resp.ok() {
		return "", resp.apiError("reader checkout")
	}
	var out readerCheckoutResponse
	if err := resp.decode("reader checkout", &out); err != nil {
		return "", err
	}
	if out.Data.ClientTransactionID == "" {
		return "", pos.NewAPIError(resp.status, "reader checkout response lacks client_transaction_id", pos.WithCode(pos.UnexpectedResponse))
	}
	return out.Data.ClientTransactionID, nil
}

// GetReaderStatus returns the live status of a reader.
func (c *Client) GetReaderStatus(ctx context.Context, readerID string) (pos.ReaderStatus, error) {
	base, err := c.merchantPath()
	if err != nil {
		return pos.ReaderStatus{}, err
	}
	id, err := pathParam("reader_id", readerID)
	if err != nil {
		return pos.ReaderStatus{}, err
	}
	resp, err := c.do(ctx, http.MethodGet, base+"/readers/"+id+"/status", nil)
	if err != nil {
		return pos.ReaderStatus{}, err
	}
	if !resp.ok() {
		return pos.ReaderStatus{}, resp.apiError("reader status")
	}
	var out readerStatusResponse
	if err := resp.decode("reader status", &out); err != nil {
		return pos.ReaderStatus{}, err
	}
	return out.Data, nil
}
