package main

import (
	"github.com/spf13/cobra"
)

var (
	evidenceReason  string
	evidenceSession string
	evidenceForce   bool
)

// evidenceCmd submits one confidence update.
var evidenceCmd = &cobra.Command{
	Use:   "evidence <heuristic-id> <success|failure|contradiction|revival>",
	Short: "Submit evidence for a heuristic",
	Long: `Submit one evidence event for a heuristic, adjusting its confidence.

Examples:
  # Record a success
  heurctl evidence 4f9d... success --reason "query plan matched"

  # Record a contradiction
  heurctl evidence 4f9d... contradiction --reason "rule contradicted by prod incident"

  # Emergency override of the rate limiter (audited as forced)
  heurctl evidence 4f9d... failure --force --reason "incident rollback"`,
	Args: cobra.ExactArgs(2),
	RunE: runEvidence,
}

func init() {
	evidenceCmd.Flags().StringVar(&evidenceReason, "reason", "", "why this evidence is being recorded")
	evidenceCmd.Flags().StringVar(&evidenceSession, "session", "", "originating session id")
	evidenceCmd.Flags().BoolVar(&evidenceForce, "force", false, "bypass the rate limiter (emergency use only)")
}

func runEvidence(cmd *cobra.Command, args []string) error {
	payload := map[string]any{
		"heuristic_id": args[0],
		"type":         args[1],
		"reason":       evidenceReason,
		"session_id":   evidenceSession,
		"force":        evidenceForce,
	}
	body, err := postJSON("/api/v1/evidence", payload)
	if err != nil {
		if body != nil {
			printPretty(body)
		}
		return err
	}
	printPretty(body)
	return nil
}

// candidateCmd submits a new rule to a domain.
var candidateCmd = &cobra.Command{
	Use:   "candidate <domain> <rule-text>",
	Short: "Submit a candidate heuristic to a domain",
	Long: `Submit a candidate rule to a domain and print the capacity decision:
accepted, rejected, merge_suggested, or escalated.

Examples:
  heurctl candidate sql-tuning "Prefer covering indexes for ORDER BY + LIMIT scans" \
    --confidence 0.75 --validations 3`,
	Args: cobra.ExactArgs(2),
	RunE: runCandidate,
}

var (
	candidateConfidence  float64
	candidateValidations int
	candidateNovelty     float64
)

func init() {
	candidateCmd.Flags().Float64Var(&candidateConfidence, "confidence", 0.5, "initial confidence in [0,1]")
	candidateCmd.Flags().IntVar(&candidateValidations, "validations", 1, "prior validation count")
	candidateCmd.Flags().Float64Var(&candidateNovelty, "novelty", -1, "novelty override in [0,1]; negative uses the server's detector")
}

func runCandidate(cmd *cobra.Command, args []string) error {
	payload := map[string]any{
		"domain":      args[0],
		"rule_text":   args[1],
		"confidence":  candidateConfidence,
		"validations": candidateValidations,
	}
	if candidateNovelty >= 0 {
		payload["novelty"] = candidateNovelty
	}
	body, err := postJSON("/api/v1/candidates", payload)
	if err != nil {
		return err
	}
	printPretty(body)
	return nil
}

// maintainCmd triggers one maintenance sweep.
var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run one maintenance sweep now",
	Long: `Trigger one on-demand maintenance sweep (decay, contraction, merging,
golden promotion, self-repair) and print the report. Returns an error if a
sweep is already in flight.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := postJSON("/api/v1/maintenance/run", map[string]any{})
		if err != nil {
			return err
		}
		printPretty(body)
		return nil
	},
}

// decisionsCmd lists the operator decision queue.
var decisionsCmd = &cobra.Command{
	Use:   "decisions [domain]",
	Short: "List pending operator decisions",
	Long: `List hard-limit escalations waiting for an operator. With a domain
argument, only that domain's queue is shown.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/v1/decisions"
		if len(args) == 1 {
			path += "?domain=" + args[0]
		}
		body, err := getJSON(path)
		if err != nil {
			return err
		}
		printPretty(body)
		return nil
	},
}
