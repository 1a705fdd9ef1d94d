package main

import (
	"net/url"

	"github.com/spf13/cobra"
)

// domainCmd inspects domains.
var domainCmd = &cobra.Command{
	Use:   "domain [name]",
	Short: "Inspect domains",
	Long: `Without arguments, list all domain names. With a name, print the
domain's capacity snapshot: limits, counts, state, health, and contraction
pressure.

Examples:
  heurctl domain
  heurctl domain sql-tuning
  heurctl domain sql-tuning --heuristics --status dormant`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDomain,
}

var (
	domainListHeuristics bool
	domainStatus         string
)

func init() {
	domainCmd.Flags().BoolVar(&domainListHeuristics, "heuristics", false, "list the domain's heuristics instead of the snapshot")
	domainCmd.Flags().StringVar(&domainStatus, "status", "active", "status filter when listing heuristics")
}

func runDomain(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		body, err := getJSON("/api/v1/domains")
		if err != nil {
			return err
		}
		printPretty(body)
		return nil
	}

	name := url.PathEscape(args[0])
	path := "/api/v1/domains/" + name
	if domainListHeuristics {
		path += "/heuristics?status=" + url.QueryEscape(domainStatus)
	}
	body, err := getJSON(path)
	if err != nil {
		return err
	}
	printPretty(body)
	return nil
}

// heuristicCmd inspects and manages single heuristics.
var heuristicCmd = &cobra.Command{
	Use:   "heuristic <id>",
	Short: "Show one heuristic",
	Long: `Print one heuristic by id, or demote it from the golden tier with
--demote (a reason is required).

Examples:
  heurctl heuristic 4f9d...
  heurctl heuristic 4f9d... --demote --reason "rule invalidated by schema change"`,
	Args: cobra.ExactArgs(1),
	RunE: runHeuristic,
}

var (
	heuristicDemote bool
	heuristicReason string
)

func init() {
	heuristicCmd.Flags().BoolVar(&heuristicDemote, "demote", false, "demote a golden heuristic back to active")
	heuristicCmd.Flags().StringVar(&heuristicReason, "reason", "", "reason for demotion")
}

func runHeuristic(cmd *cobra.Command, args []string) error {
	id := url.PathEscape(args[0])

	if heuristicDemote {
		_, err := postJSON("/api/v1/heuristics/"+id+"/demote", map[string]any{
			"reason": heuristicReason,
		})
		return err
	}

	body, err := getJSON("/api/v1/heuristics/" + id)
	if err != nil {
		return err
	}
	printPretty(body)
	return nil
}
