package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/veilcrawl/veilcrawl/internal/orchestrator"
)

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print governance stats from a running instance",
		Long: `Queries /v1/stats on a running veilcrawl service and prints per-target
limiter state and per-session risk as tables.`,
		RunE: runStats,
	}
	cmd.Flags().String("addr", "http://127.0.0.1:8080", "base URL of the running service")
	return cmd
}

func runStats(cmd *cobra.Command, _ []string) error {
	addr, err := cmd.Flags().GetString("addr")
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, addr+"/v1/stats", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("query stats: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stats request returned %d", resp.StatusCode)
	}

	var stats orchestrator.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("decode stats: %w", err)
	}

	targets := table.NewWriter()
	targets.SetOutputMirror(os.Stdout)
	targets.SetStyle(table.StyleRounded)
	targets.AppendHeader(table.Row{"Target", "Circuit", "RPM", "RPH", "Backoff", "In-Flight", "Window"})
	for _, ts := range stats.Targets {
		targets.AppendRow(table.Row{
			ts.Target,
			ts.CircuitState,
			ts.RequestsPerMinute,
			ts.RequestsPerHour,
			ts.BackoffLevel,
			ts.InFlight,
			ts.WindowRequests,
		})
	}
	targets.Render()

	sessions := table.NewWriter()
	sessions.SetOutputMirror(os.Stdout)
	sessions.SetStyle(table.StyleRounded)
	sessions.AppendHeader(table.Row{"Session", "Target", "State", "Risk", "Requests", "Failures", "Detections"})
	for _, ss := range stats.Sessions {
		sessions.AppendRow(table.Row{
			ss.ID,
			ss.Target,
			ss.State,
			ss.Risk,
			ss.Requests,
			ss.Failures,
			ss.Detections,
		})
	}
	sessions.Render()

	fmt.Printf("active sessions: %d  pool size: %d  pool health: %.0f%%\n",
		stats.ActiveSessions, stats.PoolSize, stats.PoolHealthPercent)
	return nil
}
