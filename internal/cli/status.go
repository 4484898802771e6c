package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/harun/slotpool/internal/daemon"
	"github.com/harun/slotpool/pkg/jobqueue"
	"github.com/harun/slotpool/pkg/session"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Show the current status of the slotpool daemon service.
When the HTTP API is enabled, queue and pool figures are fetched from it.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	pidFile := daemon.PIDFilePath(cfg.DataDir)
	if !isRunning(pidFile) {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}

	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		return fmt.Errorf("invalid PID file: %w", err)
	}

	fmt.Fprintf(out, "Status: running\n")
	fmt.Fprintf(out, "PID: %d\n", pid)
	if info, err := os.Stat(pidFile); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
	}

	if !cfg.Server.Enabled {
		return nil
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	client := newAPIClient(cfg.Server)
	var stats jobqueue.Stats
	if err := client.do(ctx, "GET", "/api/v1/queue/stats", nil, &stats); err != nil {
		fmt.Fprintf(out, "API: %v\n", err)
		return nil
	}
	fmt.Fprintf(out, "Queued: %d\n", stats.QueueSize)
	fmt.Fprintf(out, "Processing: %d\n", stats.ProcessingCount)

	var pool session.PoolStats
	if err := client.do(ctx, "GET", "/api/v1/pool/stats", nil, &pool); err == nil {
		fmt.Fprintf(out, "Sessions: %d active / %d max\n", pool.Active, pool.MaxSessions)
	}
	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
