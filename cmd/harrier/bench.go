package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/harrier/internal/api"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/repository"
	"github.com/opensource-finance/harrier/internal/risk"
)

type benchOptions struct {
	count     int
	batchSize int
	workers   int
	seed      uint64
	url       string
	tenantID  string
}

// benchStats tracks benchmark results.
type benchStats struct {
	processed atomic.Int64
	failed    atomic.Int64

	mu        sync.Mutex
	levels    map[domain.RiskLevel]int
	latencies []time.Duration
}

func (s *benchStats) record(assessments []*domain.RiskAssessment, failed int, elapsed time.Duration) {
	s.processed.Add(int64(len(assessments)))
	s.failed.Add(int64(failed))

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range assessments {
		s.levels[a.RiskLevel]++
	}
	s.latencies = append(s.latencies, elapsed)
}

func newBenchCommand() *cobra.Command {
	opts := benchOptions{}
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure batch assessment throughput on synthetic providers",
		Long: "Generates synthetic provider snapshots and assesses them in batches, either\n" +
			"in-process or against a running server with --url.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.count <= 0 || opts.batchSize <= 0 || opts.workers <= 0 {
				return fmt.Errorf("-n, --batch and --workers must be positive")
			}
			return runBench(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().IntVarP(&opts.count, "count", "n", 10000, "number of synthetic providers")
	cmd.Flags().IntVar(&opts.batchSize, "batch", 500, "providers per batch")
	cmd.Flags().IntVar(&opts.workers, "workers", 4, "concurrent batches")
	cmd.Flags().Uint64Var(&opts.seed, "seed", 1, "random seed")
	cmd.Flags().StringVar(&opts.url, "url", "", "server base URL; empty runs in-process")
	cmd.Flags().StringVar(&opts.tenantID, "tenant", "benchmark", "tenant ID for server requests")
	return cmd
}

func runBench(ctx context.Context, out io.Writer, opts benchOptions) error {
	snaps := syntheticSnapshots(opts.count, opts.seed, time.Now().UTC())
	rules := []domain.RiskRule{
		{ID: "complaints", Name: "Complaints", IncidentType: domain.IncidentComplaint, Enabled: true},
		{ID: "violations", Name: "Violations", IncidentType: domain.IncidentViolation, Enabled: true},
		{ID: "quality", Name: "Service quality", IncidentType: domain.IncidentServiceQuality, Enabled: true},
		{ID: "ratings", Name: "Low ratings", IncidentType: domain.IncidentReviewAbuse, Enabled: true},
	}

	var assess func(context.Context, []*domain.ProviderMetricsSnapshot) ([]*domain.RiskAssessment, int, error)
	mode := "in-process"
	if opts.url != "" {
		mode = opts.url
		client := &http.Client{Timeout: 30 * time.Second}
		if err := checkHealth(ctx, client, opts.url); err != nil {
			return fmt.Errorf("harrier not reachable at %s: %w", opts.url, err)
		}
		assess = func(ctx context.Context, batch []*domain.ProviderMetricsSnapshot) ([]*domain.RiskAssessment, int, error) {
			return postBatch(ctx, client, opts, batch, rules)
		}
	} else {
		engine, err := risk.NewEngine(opts.workers * 4)
		if err != nil {
			return err
		}
		assess = func(ctx context.Context, batch []*domain.ProviderMetricsSnapshot) ([]*domain.RiskAssessment, int, error) {
			res, err := engine.AssessBatch(ctx, batch, rules)
			if err != nil {
				return nil, 0, err
			}
			out := make([]*domain.RiskAssessment, 0, len(res.Assessments))
			for _, a := range res.Assessments {
				out = append(out, a)
			}
			return out, len(res.Errors), nil
		}
	}

	fmt.Fprintln(out, "HARRIER BENCHMARK")
	fmt.Fprintf(out, "  Target:     %s\n", mode)
	fmt.Fprintf(out, "  Providers:  %d\n", opts.count)
	fmt.Fprintf(out, "  Batch size: %d\n", opts.batchSize)
	fmt.Fprintf(out, "  Workers:    %d\n\n", opts.workers)

	stats := &benchStats{levels: make(map[domain.RiskLevel]int)}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.workers)

	start := time.Now()
	for lo := 0; lo < len(snaps); lo += opts.batchSize {
		batch := snaps[lo:min(lo+opts.batchSize, len(snaps))]
		g.Go(func() error {
			t := time.Now()
			assessed, failed, err := assess(gctx, batch)
			if err != nil {
				return err
			}
			stats.record(assessed, failed, time.Since(t))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	printBenchResults(out, stats, time.Since(start))
	return nil
}

// syntheticSnapshots builds a deterministic spread of healthy, new and
// troubled providers.
func syntheticSnapshots(n int, seed uint64, now time.Time) []*domain.ProviderMetricsSnapshot {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	out := make([]*domain.ProviderMetricsSnapshot, n)

	for i := range out {
		total := rng.IntN(200)
		completed := 0
		cancelled := 0
		if total > 0 {
			completed = rng.IntN(total + 1)
			cancelled = rng.IntN(total - completed + 1)
		}
		incidents := 0
		if rng.IntN(5) == 0 {
			incidents = 1 + rng.IntN(5)
		}
		reviews := rng.IntN(50)
		var avg *float64
		if reviews > 0 {
			v := 1 + rng.Float64()*4
			avg = &v
		}

		daily := make([]int, repository.DailySeriesDays)
		for d := range daily {
			if rng.IntN(4) == 0 {
				daily[d] = rng.IntN(3)
			}
		}
		recent30, _ := risk.SplitWindows(daily, 30)
		recent90, _ := risk.SplitWindows(daily, 90)
		recent30 = min(recent30, total)
		recent90 = max(min(recent90, total), recent30)

		out[i] = &domain.ProviderMetricsSnapshot{
			ProviderID: fmt.Sprintf("prov-%06d", i),
			Status:     domain.ProviderStatusActive,
			TrustScore: rng.IntN(101),
			Bookings: domain.BookingStats{
				AllTime:    domain.BookingWindow{Total: total, Completed: completed, Cancelled: cancelled},
				Last30Days: domain.BookingWindow{Total: recent30},
				Last90Days: domain.BookingWindow{Total: recent90},
			},
			DailyBookings: daily,
			Reviews:       domain.ReviewStats{Total: reviews, AverageRating: avg},
			Incidents: domain.IncidentStats{
				Total:        incidents,
				Unresolved:   rng.IntN(incidents + 1),
				Recent30Days: rng.IntN(incidents + 1),
			},
			Refunds: domain.RefundStats{Amount: decimal.Zero},
			Verification: domain.Verification{
				DocumentsSubmitted: rng.IntN(2) == 0,
				OnboardingComplete: rng.IntN(2) == 0,
				PayoutsConnected:   rng.IntN(2) == 0,
			},
			CreatedAt: now.AddDate(0, 0, -rng.IntN(720)-1),
			AsOf:      now,
		}
	}
	return out
}

func checkHealth(ctx context.Context, client *http.Client, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

func postBatch(ctx context.Context, client *http.Client, opts benchOptions, batch []*domain.ProviderMetricsSnapshot, rules []domain.RiskRule) ([]*domain.RiskAssessment, int, error) {
	body := struct {
		Snapshots []*domain.ProviderMetricsSnapshot `json:"snapshots"`
		Rules     []domain.RiskRule                 `json:"rules"`
	}{batch, rules}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(opts.url, "/")+"/assess/batch", bytes.NewReader(payload))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.TenantIDHeader, opts.tenantID)

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, 0, fmt.Errorf("batch returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out api.BatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, 0, err
	}
	return out.Assessments, out.Failed, nil
}

func printBenchResults(out io.Writer, s *benchStats, elapsed time.Duration) {
	processed := s.processed.Load()

	s.mu.Lock()
	defer s.mu.Unlock()
	slices.Sort(s.latencies)

	fmt.Fprintln(out, "RESULTS")
	fmt.Fprintf(out, "  Assessed:    %d\n", processed)
	fmt.Fprintf(out, "  Rejected:    %d\n", s.failed.Load())
	fmt.Fprintf(out, "  Duration:    %s\n", elapsed.Round(time.Millisecond))
	if secs := elapsed.Seconds(); secs > 0 {
		fmt.Fprintf(out, "  Throughput:  %.0f providers/s\n", float64(processed)/secs)
	}
	fmt.Fprintf(out, "  Batch p50:   %s\n", percentile(s.latencies, 50))
	fmt.Fprintf(out, "  Batch p99:   %s\n", percentile(s.latencies, 99))

	fmt.Fprintln(out, "\nRISK LEVELS")
	for _, level := range []domain.RiskLevel{domain.RiskLevelLow, domain.RiskLevelMedium, domain.RiskLevelHigh, domain.RiskLevelCritical} {
		n := s.levels[level]
		pct := 0.0
		if processed > 0 {
			pct = 100 * float64(n) / float64(processed)
		}
		fmt.Fprintf(out, "  %-9s %7d  (%5.1f%%)\n", level, n, pct)
	}
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := (len(sorted)*p + 99) / 100
	idx = min(max(idx-1, 0), len(sorted)-1)
	return sorted[idx].Round(time.Microsecond)
}
