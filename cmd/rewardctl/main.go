package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type options struct {
	apiURL   string
	apiKey   string
	decimals int32
	timeout  time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "rewardctl",
		Short:         "Operate a milestone reward pool",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	defaultURL := os.Getenv("REWARD_API_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8080"
	}
	rootCmd.PersistentFlags().StringVar(&opts.apiURL, "api", defaultURL, "Reward API base URL (or set REWARD_API_URL)")
	rootCmd.PersistentFlags().StringVar(&opts.apiKey, "key", os.Getenv("REWARD_API_KEY"), "API key (or set REWARD_API_KEY)")
	rootCmd.PersistentFlags().Int32Var(&opts.decimals, "decimals", 6, "Asset decimals used to read and print amounts")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "Request timeout")

	rootCmd.AddCommand(
		newStatusCmd(opts),
		newFundCmd(opts),
		newClaimCmd(opts),
		newClaimedCmd(opts),
		newWithdrawCmd(opts),
		newSetAdminCmd(opts),
		newJournalCmd(opts),
	)
	return rootCmd
}

type apiClient struct {
	baseURL string
	key     string
	http    *http.Client
}

func (o *options) client() *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(o.apiURL, "/"),
		key:     o.apiKey,
		http:    &http.Client{Timeout: o.timeout},
	}
}

type envelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (c *apiClient) do(method string, path string, payload interface{}, target interface{}) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.key != "" {
		req.Header.Set("X-Api-Key", c.key)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	var status envelope
	if err := decodeJSON(bytes.NewReader(raw), &status); err != nil {
		return fmt.Errorf("unexpected response (%d): %w", res.StatusCode, err)
	}
	if !status.OK {
		if status.Error == "" {
			return fmt.Errorf("request failed with status %d", res.StatusCode)
		}
		return errors.New(status.Error)
	}
	if target == nil {
		return nil
	}
	return decodeJSON(bytes.NewReader(raw), target)
}

func decodeJSON(reader io.Reader, target interface{}) error {
	decoder := json.NewDecoder(reader)
	decoder.UseNumber()
	return decoder.Decode(target)
}
