package main

import (
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

type poolStatus struct {
	Pool struct {
		Owner        string `json:"owner"`
		Admin        string `json:"admin"`
		Address      string `json:"address"`
		TotalFunded  uint64 `json:"totalFunded"`
		TotalClaimed uint64 `json:"totalClaimed"`
		Initialized  bool   `json:"initialized"`
	} `json:"pool"`
	Available uint64 `json:"available"`
}

type settlementResponse struct {
	Settlement struct {
		ID          string `json:"settlementId"`
		Operation   string `json:"operation"`
		Amount      uint64 `json:"amount"`
		TransferRef string `json:"transferRef"`
	} `json:"settlement"`
}

type claimResponse struct {
	Claim struct {
		Recipient    string `json:"recipient"`
		MilestoneID  string `json:"milestoneId"`
		Amount       uint64 `json:"amount"`
		SettlementID string `json:"settlementId"`
		ClaimedAt    string `json:"claimedAt"`
	} `json:"claim"`
}

type claimStatus struct {
	User        string `json:"user"`
	MilestoneID string `json:"milestoneId"`
	Claimed     bool   `json:"claimed"`
	Amount      uint64 `json:"amount"`
}

type journalResponse struct {
	Entries []struct {
		SettlementID string `json:"settlementId"`
		Operation    string `json:"operation"`
		Caller       string `json:"caller"`
		Counterparty string `json:"counterparty"`
		MilestoneID  string `json:"milestoneId"`
		Amount       uint64 `json:"amount"`
		TransferRef  string `json:"transferRef"`
		CreatedAt    string `json:"createdAt"`
	} `json:"entries"`
}

// parseAmount reads an amount in whole asset units ("1.25") into base units.
func parseAmount(value string, decimals int32) (uint64, error) {
	parsed, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", value)
	}
	if !parsed.IsPositive() {
		return 0, fmt.Errorf("amount must be positive: %s", value)
	}
	units := parsed.Shift(decimals)
	if !units.Equal(units.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more than %d decimals", value, decimals)
	}
	whole := units.BigInt()
	if !whole.IsUint64() {
		return 0, fmt.Errorf("amount %s out of range", value)
	}
	return whole.Uint64(), nil
}

func formatAmount(units uint64, decimals int32) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(units), -decimals).StringFixed(decimals)
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pool counters and roles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var status poolStatus
			if err := opts.client().do(http.MethodGet, "/pool", nil, &status); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !status.Pool.Initialized {
				fmt.Fprintln(out, "Pool is not initialized")
				return nil
			}
			fmt.Fprintf(out, "Owner:     %s\n", status.Pool.Owner)
			fmt.Fprintf(out, "Admin:     %s\n", status.Pool.Admin)
			fmt.Fprintf(out, "Funded:    %s\n", formatAmount(status.Pool.TotalFunded, opts.decimals))
			fmt.Fprintf(out, "Claimed:   %s\n", formatAmount(status.Pool.TotalClaimed, opts.decimals))
			fmt.Fprintf(out, "Available: %s\n", formatAmount(status.Available, opts.decimals))
			return nil
		},
	}
}

func newFundCmd(opts *options) *cobra.Command {
	var txID, paid, sender, receiver string

	cmd := &cobra.Command{
		Use:   "fund AMOUNT",
		Short: "Credit the pool with an inbound payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[0], opts.decimals)
			if err != nil {
				return err
			}
			paidUnits := amount
			if paid != "" {
				if paidUnits, err = parseAmount(paid, opts.decimals); err != nil {
					return err
				}
			}

			payload := map[string]interface{}{
				"amount":     amount,
				"txId":       txID,
				"paidAmount": paidUnits,
			}
			if sender != "" {
				payload["sender"] = sender
			}
			if receiver != "" {
				payload["receiver"] = receiver
			}

			var response settlementResponse
			if err := opts.client().do(http.MethodPost, "/pool/fund", payload, &response); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Funded %s (settlement %s)\n",
				formatAmount(response.Settlement.Amount, opts.decimals), response.Settlement.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&txID, "tx", "", "Payment transaction id")
	cmd.Flags().StringVar(&paid, "paid", "", "Amount carried by the payment (sandbox only, defaults to AMOUNT)")
	cmd.Flags().StringVar(&sender, "sender", "", "Payment sender account (sandbox only)")
	cmd.Flags().StringVar(&receiver, "receiver", "", "Payment receiver account (sandbox only)")
	_ = cmd.MarkFlagRequired("tx")
	return cmd
}

func newClaimCmd(opts *options) *cobra.Command {
	var gameID string

	cmd := &cobra.Command{
		Use:   "claim RECIPIENT MILESTONE AMOUNT",
		Short: "Pay a milestone reward (admin)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[2], opts.decimals)
			if err != nil {
				return err
			}
			payload := map[string]interface{}{
				"recipient":   args[0],
				"milestoneId": args[1],
				"amount":      amount,
			}
			if gameID != "" {
				payload["gameId"] = gameID
			}

			var response claimResponse
			if err := opts.client().do(http.MethodPost, "/claims", payload, &response); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Paid %s to %s for %s (settlement %s)\n",
				formatAmount(response.Claim.Amount, opts.decimals), response.Claim.Recipient,
				response.Claim.MilestoneID, response.Claim.SettlementID)
			return nil
		},
	}
	cmd.Flags().StringVar(&gameID, "game", "", "Game the milestone belongs to")
	return cmd
}

func newClaimedCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "claimed USER MILESTONE",
		Short: "Check whether a milestone reward was paid",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/claims/" + url.PathEscape(args[0]) + "/" + url.PathEscape(args[1])
			var status claimStatus
			if err := opts.client().do(http.MethodGet, path, nil, &status); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !status.Claimed {
				fmt.Fprintf(out, "%s has not claimed %s\n", status.User, status.MilestoneID)
				return nil
			}
			fmt.Fprintf(out, "%s claimed %s: %s\n", status.User, status.MilestoneID, formatAmount(status.Amount, opts.decimals))
			return nil
		},
	}
}

func newWithdrawCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "withdraw AMOUNT",
		Short: "Withdraw unclaimed funds to the owner (owner)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[0], opts.decimals)
			if err != nil {
				return err
			}
			var response settlementResponse
			if err := opts.client().do(http.MethodPost, "/admin/withdraw", map[string]uint64{"amount": amount}, &response); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Withdrew %s (settlement %s)\n",
				formatAmount(response.Settlement.Amount, opts.decimals), response.Settlement.ID)
			return nil
		},
	}
}

func newSetAdminCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "set-admin ACCOUNT",
		Short: "Replace the pool admin (owner)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var response struct {
				Admin string `json:"admin"`
			}
			if err := opts.client().do(http.MethodPost, "/admin/admin", map[string]string{"admin": args[0]}, &response); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Admin is now %s\n", response.Admin)
			return nil
		},
	}
}

func newJournalCmd(opts *options) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "List recent settlements (owner or admin)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var response journalResponse
			path := "/admin/journal?limit=" + strconv.Itoa(limit)
			if err := opts.client().do(http.MethodGet, path, nil, &response); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tOPERATION\tAMOUNT\tCOUNTERPARTY\tMILESTONE\tSETTLEMENT")
			for _, entry := range response.Entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					entry.CreatedAt, entry.Operation, formatAmount(entry.Amount, opts.decimals),
					entry.Counterparty, entry.MilestoneID, entry.SettlementID)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of entries")
	return cmd
}
