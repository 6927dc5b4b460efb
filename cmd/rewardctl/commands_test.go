package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, handler http.HandlerFunc, args ...string) (string, error) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--api", server.URL, "--key", "test-key"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestParseAmount(t *testing.T) {
	units, err := parseAmount("1.5", 6)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_500_000), units)

	units, err = parseAmount("42", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), units)

	for _, bad := range []string{"0", "-1", "1.0000001", "ten", "99999999999999999999"} {
		_, err := parseAmount(bad, 6)
		assert.Error(t, err, bad)
	}
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "0.500000", formatAmount(500_000, 6))
	assert.Equal(t, "7", formatAmount(7, 0))
}

func TestStatusCommand(t *testing.T) {
	out, err := runCLI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/pool", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		_, _ = w.Write([]byte(`{"ok":true,"pool":{"owner":"0xA1","admin":"0xB2","totalFunded":1000000,"totalClaimed":500000,"initialized":true},"available":500000}`))
	}, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Funded:    1.000000")
	assert.Contains(t, out, "Available: 0.500000")
}

func TestClaimCommand(t *testing.T) {
	var body map[string]interface{}
	out, err := runCLI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/claims", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{"ok":true,"claim":{"recipient":"0xC3","milestoneId":"m1","amount":250000,"settlementId":"s-1"}}`))
	}, "claim", "0xC3", "m1", "0.25", "--game", "game-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Paid 0.250000 to 0xC3 for m1 (settlement s-1)")
	assert.Equal(t, float64(250_000), body["amount"])
	assert.Equal(t, "game-1", body["gameId"])
}

func TestCommandSurfacesErrorCode(t *testing.T) {
	_, err := runCLI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"ok":false,"error":"ALREADY_CLAIMED"}`))
	}, "claim", "0xC3", "m1", "1")
	require.Error(t, err)
	assert.Equal(t, "ALREADY_CLAIMED", err.Error())
}

func TestFundCommandDefaultsPaidAmount(t *testing.T) {
	var body map[string]interface{}
	_, err := runCLI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{"ok":true,"settlement":{"settlementId":"s-9","amount":2000000}}`))
	}, "fund", "2", "--tx", "tx-1")
	require.NoError(t, err)
	assert.Equal(t, float64(2_000_000), body["amount"])
	assert.Equal(t, float64(2_000_000), body["paidAmount"])
	assert.Equal(t, "tx-1", body["txId"])
}

func TestClaimedCommand(t *testing.T) {
	out, err := runCLI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/claims/0xC3/m1", r.URL.Path)
		_, _ = w.Write([]byte(`{"ok":true,"user":"0xC3","milestoneId":"m1","claimed":false,"amount":0}`))
	}, "claimed", "0xC3", "m1")
	require.NoError(t, err)
	assert.Contains(t, out, "0xC3 has not claimed m1")
}

func TestJournalCommand(t *testing.T) {
	out, err := runCLI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"ok":true,"entries":[{"settlementId":"s-1","operation":"claim_reward","amount":10,"counterparty":"0xC3","milestoneId":"m1","createdAt":"2026-03-01T12:00:00Z"}]}`))
	}, "journal", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "claim_reward")
	assert.Contains(t, out, "0.000010")
}
