package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T, handler http.HandlerFunc) *GatewayTransfers {
	return newTestGatewayWithTimeout(t, handler, 5*time.Second)
}

func newTestGatewayWithTimeout(t *testing.T, handler http.HandlerFunc, timeout time.Duration) *GatewayTransfers {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	gateway, err := NewGatewayTransfers(GatewayOptions{
		BaseURL:  server.URL,
		Token:    "secret-token",
		Asset:    "ALGO",
		Decimals: 6,
		Timeout:  timeout,
	})
	require.NoError(t, err)
	return gateway
}

func TestGatewaySend(t *testing.T) {
	var got gatewayTransferRequest
	gateway := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/transfers", r.URL.Path)
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		assert.Equal(t, "settlement-1", r.Header.Get("Idempotency-Key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"gw-123","status":"completed"}`))
	})

	receipt, err := gateway.Send(context.Background(), TransferRequest{
		SettlementID: "settlement-1",
		Operation:    OpClaimReward,
		Recipient:    userU,
		Amount:       1_500_000,
	})
	require.NoError(t, err)
	assert.Equal(t, "gw-123", receipt.Reference)

	assert.Equal(t, "ALGO", got.Asset)
	assert.Equal(t, userU.Hex(), got.To)
	assert.Equal(t, "1.500000", got.Amount)
	assert.Equal(t, "settlement-1", got.Reference)
	assert.Equal(t, string(OpClaimReward), got.Memo)
}

func TestGatewaySendFailures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		message string
	}{
		{"rejected", http.StatusOK, `{"id":"gw-1","status":"failed","error":"insufficient custody funds"}`, "insufficient custody funds"},
		{"server error", http.StatusServiceUnavailable, `maintenance`, "503"},
		{"garbage", http.StatusOK, `not json`, "decode gateway response"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gateway := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := gateway.Send(context.Background(), TransferRequest{SettlementID: "s", Recipient: userU, Amount: 1})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestGatewayFailureAbortsClaim(t *testing.T) {
	gateway := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	ctx := context.Background()
	store := NewMemoryStore()
	seed, _ := fundedEngine(t, store, 1_000)
	engine := NewEngine(store, gateway, seed.logger, EngineConfig{PoolAddress: poolAddr})

	_, err := engine.ClaimReward(ctx, adminB, claim("m1", 100))
	assert.ErrorIs(t, err, ErrTransferFailed)
	assertBalances(t, engine, 1_000, 0)
}

func TestGatewaySendUsesIdempotencyKey(t *testing.T) {
	var header string
	gateway := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("Idempotency-Key")
		_, _ = w.Write([]byte(`{"id":"gw-1","status":"completed"}`))
	})

	_, err := gateway.Send(context.Background(), TransferRequest{
		SettlementID:   "settlement-1",
		IdempotencyKey: "claim-abc",
		Recipient:      userU,
		Amount:         1,
	})
	require.NoError(t, err)
	assert.Equal(t, "claim-abc", header)
}

// dedupingGateway executes each idempotency key once and replays the stored
// result afterwards. Its first reply is held until the client gives up.
type dedupingGateway struct {
	mu       sync.Mutex
	executed map[string]string
	keys     []string
	stalled  bool
}

func (g *dedupingGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("Idempotency-Key")

	g.mu.Lock()
	g.keys = append(g.keys, key)
	id, seen := g.executed[key]
	if !seen {
		id = fmt.Sprintf("gw-%d", len(g.executed)+1)
		g.executed[key] = id
	}
	stall := !g.stalled
	g.stalled = true
	g.mu.Unlock()

	if stall {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		return
	}
	_, _ = w.Write([]byte(`{"id":"` + id + `","status":"completed"}`))
}

func TestGatewayRetryAfterTimeoutPaysOnce(t *testing.T) {
	custody := &dedupingGateway{executed: make(map[string]string)}
	gateway := newTestGatewayWithTimeout(t, custody.ServeHTTP, 100*time.Millisecond)

	ctx := context.Background()
	store := NewMemoryStore()
	seed, _ := fundedEngine(t, store, 1_000)
	engine := NewEngine(store, gateway, seed.logger, EngineConfig{PoolAddress: poolAddr})

	// The gateway moved the funds but the reply was lost.
	_, err := engine.ClaimReward(ctx, adminB, claim("m1", 100))
	require.ErrorIs(t, err, ErrTransferFailed)
	claimed, err := engine.IsClaimed(ctx, userU, "m1")
	require.NoError(t, err)
	assert.False(t, claimed)

	record, err := engine.ClaimReward(ctx, adminB, claim("m1", 100))
	require.NoError(t, err)
	assert.Equal(t, uint64(100), record.Amount)
	assertBalances(t, engine, 1_000, 100)

	custody.mu.Lock()
	defer custody.mu.Unlock()
	want := claimIdempotencyKey(DeriveClaimKey(userU, []byte("m1")))
	assert.Equal(t, []string{want, want}, custody.keys)
	assert.Len(t, custody.executed, 1, "one payout per milestone")
}

func TestGatewayVerifyPayment(t *testing.T) {
	gateway := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))

		switch r.URL.Path {
		case "/v1/payments/tx-ok":
			_, _ = w.Write([]byte(`{"txId":"tx-ok","from":"0x00000000000000000000000000000000000000c3","to":"0x00000000000000000000000000000000000000d4","amount":"2.25","asset":"ALGO","status":"confirmed"}`))
		case "/v1/payments/tx-pending":
			_, _ = w.Write([]byte(`{"txId":"tx-pending","amount":"1","asset":"ALGO","status":"pending"}`))
		case "/v1/payments/tx-other-asset":
			_, _ = w.Write([]byte(`{"txId":"tx-other-asset","from":"0x00000000000000000000000000000000000000c3","to":"0x00000000000000000000000000000000000000d4","amount":"1","asset":"USDC","status":"confirmed"}`))
		case "/v1/payments/tx-dust":
			_, _ = w.Write([]byte(`{"txId":"tx-dust","from":"0x00000000000000000000000000000000000000c3","to":"0x00000000000000000000000000000000000000d4","amount":"0.0000001","asset":"ALGO","status":"confirmed"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not found"}`))
		}
	})
	ctx := context.Background()

	evidence, err := gateway.VerifyPayment(ctx, "tx-ok")
	require.NoError(t, err)
	assert.Equal(t, PaymentEvidence{TxID: "tx-ok", Sender: userU, Receiver: poolAddr, Amount: 2_250_000}, *evidence)

	_, err = gateway.VerifyPayment(ctx, "tx-pending")
	assert.ErrorIs(t, err, ErrPaymentMismatch)

	_, err = gateway.VerifyPayment(ctx, "tx-other-asset")
	assert.ErrorIs(t, err, ErrPaymentMismatch)

	_, err = gateway.VerifyPayment(ctx, "tx-dust")
	assert.ErrorIs(t, err, ErrPaymentMismatch)

	_, err = gateway.VerifyPayment(ctx, "tx-missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestUnitsConversion(t *testing.T) {
	assert.Equal(t, "0.000001", formatUnits(1, 6))
	assert.Equal(t, "1000.000000", formatUnits(1_000_000_000, 6))
	assert.Equal(t, "42", formatUnits(42, 0))

	tests := []struct {
		in   string
		want uint64
		ok   bool
	}{
		{"1.5", 1_500_000, true},
		{"0.000001", 1, true},
		{"18446744073709.551615", 18446744073709551615, true},
		{"18446744073709.551616", 0, false},
		{"0.0000001", 0, false},
		{"-1", 0, false},
		{"abc", 0, false},
	}
	for _, tt := range tests {
		got, err := parseUnits(tt.in, 6)
		if !tt.ok {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestNewGatewayTransfersValidates(t *testing.T) {
	_, err := NewGatewayTransfers(GatewayOptions{})
	assert.Error(t, err)

	_, err = NewGatewayTransfers(GatewayOptions{BaseURL: "http://gw", Decimals: 19})
	assert.Error(t, err)
}

func TestSandboxTransfers(t *testing.T) {
	ctx := context.Background()
	sandbox := NewSandboxTransfers()

	receipt, err := sandbox.Send(ctx, TransferRequest{SettlementID: "s1", Recipient: userU, Amount: 10})
	require.NoError(t, err)
	assert.Contains(t, receipt.Reference, "s1")
	assert.Equal(t, uint64(10), sandbox.Balance(userU))

	_, err = sandbox.Send(ctx, TransferRequest{SettlementID: "s2", Recipient: userU, Amount: 0})
	assert.ErrorIs(t, err, errSandboxRejected)

	sandbox.FailFor(userU, nil)
	_, err = sandbox.Send(ctx, TransferRequest{SettlementID: "s3", Recipient: userU, Amount: 5})
	assert.ErrorIs(t, err, errSandboxRejected)

	sandbox.Restore(userU)
	_, err = sandbox.Send(ctx, TransferRequest{SettlementID: "s4", Recipient: userU, Amount: 5})
	require.NoError(t, err)
	assert.Equal(t, uint64(15), sandbox.Balance(userU))
	assert.Len(t, sandbox.Sent(), 2)

	first, err := sandbox.Send(ctx, TransferRequest{SettlementID: "s6", IdempotencyKey: "claim-1", Recipient: userU, Amount: 7})
	require.NoError(t, err)
	again, err := sandbox.Send(ctx, TransferRequest{SettlementID: "s7", IdempotencyKey: "claim-1", Recipient: userU, Amount: 7})
	require.NoError(t, err)
	assert.Equal(t, first.Reference, again.Reference)
	assert.Equal(t, uint64(22), sandbox.Balance(userU))
	assert.Len(t, sandbox.Sent(), 3)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = sandbox.Send(cancelled, TransferRequest{SettlementID: "s5", Recipient: userU, Amount: 5})
	assert.ErrorIs(t, err, context.Canceled)
}
