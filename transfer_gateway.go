package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// GatewayTransfers talks to the custody gateway that holds the pool's funds.
// Amounts cross the wire as decimal strings in whole asset units.
type GatewayTransfers struct {
	baseURL  string
	token    string
	asset    string
	decimals int32
	client   *http.Client
}

type GatewayOptions struct {
	BaseURL  string
	Token    string
	Asset    string
	Decimals int
	Timeout  time.Duration
}

func NewGatewayTransfers(opts GatewayOptions) (*GatewayTransfers, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, errors.New("gateway base URL is required")
	}
	if opts.Decimals < 0 || opts.Decimals > 18 {
		return nil, fmt.Errorf("gateway decimals out of range: %d", opts.Decimals)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &GatewayTransfers{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		token:    opts.Token,
		asset:    opts.Asset,
		decimals: int32(opts.Decimals),
		client:   &http.Client{Timeout: timeout},
	}, nil
}

type gatewayTransferRequest struct {
	Asset     string `json:"asset"`
	To        string `json:"to"`
	Amount    string `json:"amount"`
	Reference string `json:"reference"`
	Memo      string `json:"memo,omitempty"`
}

type gatewayTransferResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type gatewayPaymentResponse struct {
	TxID   string `json:"txId"`
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
	Asset  string `json:"asset"`
	Status string `json:"status"`
}

func (g *GatewayTransfers) Send(ctx context.Context, req TransferRequest) (*TransferReceipt, error) {
	payload, err := json.Marshal(gatewayTransferRequest{
		Asset:     g.asset,
		To:        req.Recipient.Hex(),
		Amount:    formatUnits(req.Amount, g.decimals),
		Reference: req.SettlementID,
		Memo:      string(req.Operation),
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/transfers", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.idempotencyKey())
	g.authorize(httpReq)

	res, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gateway request: %w", err)
	}
	defer res.Body.Close()

	var response gatewayTransferResponse
	if err := decodeGatewayResponse(res, &response); err != nil {
		return nil, err
	}
	if !strings.EqualFold(response.Status, "completed") {
		reason := response.Error
		if reason == "" {
			reason = "status " + response.Status
		}
		return nil, fmt.Errorf("gateway rejected transfer: %s", reason)
	}
	return &TransferReceipt{Reference: response.ID, SentAt: time.Now().UTC()}, nil
}

func (g *GatewayTransfers) VerifyPayment(ctx context.Context, txID string) (*PaymentEvidence, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/v1/payments/"+url.PathEscape(txID), nil)
	if err != nil {
		return nil, err
	}
	g.authorize(httpReq)

	res, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gateway request: %w", err)
	}
	defer res.Body.Close()

	var response gatewayPaymentResponse
	if err := decodeGatewayResponse(res, &response); err != nil {
		return nil, err
	}
	if !strings.EqualFold(response.Status, "confirmed") {
		return nil, fmt.Errorf("%w: payment %s is %s", ErrPaymentMismatch, txID, response.Status)
	}
	if g.asset != "" && !strings.EqualFold(response.Asset, g.asset) {
		return nil, fmt.Errorf("%w: payment asset %s", ErrPaymentMismatch, response.Asset)
	}

	amount, err := parseUnits(response.Amount, g.decimals)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPaymentMismatch, err)
	}
	sender, ok := parseAccountID(response.From)
	if !ok {
		return nil, fmt.Errorf("%w: bad sender %q", ErrMalformedInput, response.From)
	}
	receiver, ok := parseAccountID(response.To)
	if !ok {
		return nil, fmt.Errorf("%w: bad receiver %q", ErrMalformedInput, response.To)
	}
	return &PaymentEvidence{TxID: txID, Sender: sender, Receiver: receiver, Amount: amount}, nil
}

func (g *GatewayTransfers) authorize(req *http.Request) {
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
}

func decodeGatewayResponse(res *http.Response, target interface{}) error {
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("gateway returned %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("decode gateway response: %w", err)
	}
	return nil
}

// formatUnits renders base units as a fixed-point decimal string.
func formatUnits(amount uint64, decimals int32) string {
	value := decimal.NewFromBigInt(new(big.Int).SetUint64(amount), -decimals)
	return value.StringFixed(decimals)
}

// parseUnits converts a decimal string back into base units. Fractions finer
// than the asset precision are rejected rather than rounded.
func parseUnits(value string, decimals int32) (uint64, error) {
	parsed, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", value)
	}
	if parsed.IsNegative() {
		return 0, fmt.Errorf("negative amount %q", value)
	}
	shifted := parsed.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("amount %q has more than %d decimals", value, decimals)
	}
	units := shifted.BigInt()
	if !units.IsUint64() {
		return 0, fmt.Errorf("amount %q out of range", value)
	}
	return units.Uint64(), nil
}
