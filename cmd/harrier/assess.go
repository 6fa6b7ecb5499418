package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/harrier/internal/api"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/risk"
	"github.com/opensource-finance/harrier/internal/rules"
)

func newAssessCommand() *cobra.Command {
	var (
		snapshotPath string
		rulesPath    string
		output       string
		workers      int
	)
	cmd := &cobra.Command{
		Use:   "assess",
		Short: "Assess snapshots from a JSON file without a server",
		Long: "Reads a JSON array of metrics snapshots (or an object with a \"snapshots\" key),\n" +
			"optionally matches rules from a YAML rule file, and prints the assessments.",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd.InOrStdin(), snapshotPath)
			if err != nil {
				return err
			}
			reqs, err := decodeSnapshots(data)
			if err != nil {
				return err
			}

			var ruleList []domain.RiskRule
			if rulesPath != "" {
				if ruleList, err = rules.LoadFile(rulesPath); err != nil {
					return err
				}
			}

			engine, err := risk.NewEngine(workers)
			if err != nil {
				return err
			}

			report, err := assessSnapshots(cmd, engine, reqs, ruleList)
			if err != nil {
				return err
			}

			switch output {
			case "json":
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				err = enc.Encode(report)
			case "table":
				err = writeTable(cmd.OutOrStdout(), report)
			default:
				return fmt.Errorf("unknown output format: %s", output)
			}
			if err != nil {
				return err
			}
			if len(report.Errors) > 0 {
				return fmt.Errorf("%d snapshot(s) rejected", len(report.Errors))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&snapshotPath, "file", "f", "-", "snapshot JSON file, - for stdin")
	cmd.Flags().StringVarP(&rulesPath, "rules", "r", "", "YAML rule file")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table|json")
	cmd.Flags().IntVarP(&workers, "workers", "w", 10, "parallel assessments")
	return cmd
}

// assessReport is the output of the assess command.
type assessReport struct {
	Assessments []*domain.RiskAssessment `json:"assessments"`
	Errors      map[string]string        `json:"errors,omitempty"`
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

func decodeSnapshots(data []byte) ([]*api.SnapshotRequest, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("no snapshots in input")
	}

	var reqs []*api.SnapshotRequest
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &reqs); err != nil {
			return nil, fmt.Errorf("parse snapshots: %w", err)
		}
	} else {
		var batch api.BatchRequest
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, fmt.Errorf("parse snapshots: %w", err)
		}
		reqs = batch.Snapshots
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("no snapshots in input")
	}
	return reqs, nil
}

func assessSnapshots(cmd *cobra.Command, engine *risk.Engine, reqs []*api.SnapshotRequest, ruleList []domain.RiskRule) (*assessReport, error) {
	now := time.Now()
	report := &assessReport{Errors: make(map[string]string)}

	order := make([]string, 0, len(reqs))
	snaps := make([]*domain.ProviderMetricsSnapshot, 0, len(reqs))
	for i, req := range reqs {
		snap, err := req.ToSnapshot(now)
		if err != nil {
			key := fmt.Sprintf("#%d", i)
			if req != nil && req.ProviderID != "" {
				key = req.ProviderID
			}
			report.Errors[key] = err.Error()
			continue
		}
		snaps = append(snaps, snap)
		order = append(order, snap.ProviderID)
	}

	result, err := engine.AssessBatch(cmd.Context(), snaps, ruleList)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(order))
	for _, id := range order {
		if seen[id] {
			continue
		}
		seen[id] = true
		if a, ok := result.Assessments[id]; ok {
			report.Assessments = append(report.Assessments, a)
		}
	}
	for id, aerr := range result.Errors {
		report.Errors[id] = aerr.Error()
	}
	return report, nil
}

func writeTable(w io.Writer, report *assessReport) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tSCORE\tLEVEL\tCOMPLETION\tCANCELLATION\tGROWTH30D\tRULES\tALERTS")
	for _, a := range report.Assessments {
		ruleIDs := make([]string, len(a.ApplicableRules))
		for i, r := range a.ApplicableRules {
			ruleIDs[i] = r.ID
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%.1f%%\t%.1f%%\t%+.1f%%\t%s\t%s\n",
			a.ProviderID,
			a.RiskScore,
			a.RiskLevel,
			a.Metrics.CompletionRate,
			a.Metrics.CancellationRate,
			a.Metrics.Growth30d,
			dashIfEmpty(strings.Join(ruleIDs, ",")),
			dashIfEmpty(strings.Join(a.Alerts, "; ")),
		)
	}
	for _, id := range slices.Sorted(maps.Keys(report.Errors)) {
		fmt.Fprintf(tw, "%s\t-\terror\t\t\t\t\t%s\n", id, report.Errors[id])
	}
	return tw.Flush()
}

func dashIfEmpty(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
