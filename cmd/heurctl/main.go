// Package main implements the heurctl CLI for manual operations against the
// heuristd HTTP server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the heuristd HTTP server
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "heurctl",
	Short: "CLI for heuristd server operations",
	Long: `heurctl is a command-line interface for interacting with the heuristd server.
It submits evidence and candidate heuristics, inspects domains, manages the
golden tier, and triggers maintenance sweeps.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9180", "heuristd server URL")
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(evidenceCmd)
	rootCmd.AddCommand(candidateCmd)
	rootCmd.AddCommand(domainCmd)
	rootCmd.AddCommand(heuristicCmd)
	rootCmd.AddCommand(decisionsCmd)
	rootCmd.AddCommand(maintainCmd)
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check heuristd server health",
	Long: `Check the health status of the heuristd HTTP server.

Examples:
  # Check health
  heurctl health

  # Check health on a different server
  heurctl health --server http://localhost:8080`,
	RunE: runHealth,
}

func runHealth(cmd *cobra.Command, args []string) error {
	body, err := getJSON("/health")
	if err != nil {
		return err
	}
	fmt.Println(string(body))
	return nil
}

// httpClient is shared by all commands.
var httpClient = &http.Client{Timeout: 30 * time.Second}

// getJSON performs a GET and returns the response body, treating any non-2xx
// status as an error carrying the body text.
func getJSON(path string) ([]byte, error) {
	resp, err := httpClient.Get(serverURL + path)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("server returned %s: %s", resp.Status, string(body))
	}
	return body, nil
}

// postJSON performs a POST with a JSON body and returns the response body.
// Status 429 (rate limited) is reported with the response attached.
func postJSON(path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	resp, err := httpClient.Post(serverURL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return body, fmt.Errorf("rate limited: %s", string(body))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("server returned %s: %s", resp.Status, string(body))
	}
	return body, nil
}

// printPretty re-indents a JSON body for terminal output.
func printPretty(body []byte) {
	if len(body) == 0 {
		return
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		fmt.Println(string(body))
		return
	}
	fmt.Println(buf.String())
}
