// Package gateway wraps the external payment provider: intent creation over
// its REST API and callback signature verification.
package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var ErrInitFailed = errors.New("payment intent creation failed")

// Intent is the transient handle the client needs to complete payment. It is
// not persisted beyond the order's payment metadata.
type Intent struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	KeyID    string `json:"key_id"`
}

type Client struct {
	baseURL string
	keyID   string
	secret  string
	http    *http.Client
}

func NewClient(baseURL, keyID, secret string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		keyID:   keyID,
		secret:  secret,
		http:    &http.Client{Timeout: timeout},
	}
}

type createOrderReq struct {
	Amount         int64  `json:"amount"` // minor units
	Currency       string `json:"currency"`
	Receipt        string `json:"receipt"`
	PaymentCapture int    `json:"payment_capture"`
}

type createOrderResp struct {
	ID string `json:"id"`
}

// CreateIntent registers a pending charge with the provider. Timeouts and
// provider rejections are both ErrInitFailed: the caller rolls back either
// way.
func (c *Client) CreateIntent(ctx context.Context, amount int64, currency, receipt string) (Intent, error) {
	body, err := json.Marshal(createOrderReq{
		Amount:         amount * 100,
		Currency:       currency,
		Receipt:        receipt,
		PaymentCapture: 1,
	})
	if err != nil {
		return Intent{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/orders", bytes.NewReader(body))
	if err != nil {
		return Intent{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.keyID, c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return Intent{}, fmt.Errorf("%w: %v", ErrInitFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Intent{}, fmt.Errorf("%w: provider returned %d", ErrInitFailed, resp.StatusCode)
	}

	var out createOrderResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Intent{}, fmt.Errorf("%w: decode response: %v", ErrInitFailed, err)
	}

	return Intent{ID: out.ID, Amount: amount, Currency: currency, KeyID: c.keyID}, nil
}

// VerifySignature checks the provider callback: HMAC-SHA256 over
// "orderRef|paymentRef" with the shared secret, hex encoded. The comparison
// is constant time.
func (c *Client) VerifySignature(orderRef, paymentRef, provided string) bool {
	return VerifySignature(orderRef, paymentRef, provided, c.secret)
}

func VerifySignature(orderRef, paymentRef, provided, secret string) bool {
	expected := Sign(orderRef, paymentRef, secret)
	return hmac.Equal([]byte(expected), []byte(provided))
}

// Sign is the counterpart of VerifySignature, producing the callback
// signature for the given references. Gateway stubs and tests use it; the
// live provider computes the same thing on its side.
func Sign(orderRef, paymentRef, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(orderRef + "|" + paymentRef))
	return hex.EncodeToString(mac.Sum(nil))
}
