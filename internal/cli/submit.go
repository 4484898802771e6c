package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harun/slotpool/pkg/api"
	"github.com/harun/slotpool/pkg/jobqueue"
	"github.com/harun/slotpool/pkg/retry"
	"github.com/spf13/cobra"
)

var (
	submitOwner       string
	submitTarget      string
	submitPriority    string
	submitRetryPolicy string
	submitMaxRetries  int
)

var submitCmd = &cobra.Command{
	Use:   "submit [content]",
	Short: "Submit a job to the running daemon",
	Long: `Submit a job to the running daemon through its HTTP API.
The job is queued by priority and dispatched to the next available session.`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitOwner, "owner", "cli", "owner id used for rate limiting")
	submitCmd.Flags().StringVar(&submitTarget, "target", "", "target id the job is addressed to (required)")
	submitCmd.Flags().StringVar(&submitPriority, "priority", string(jobqueue.PriorityNormal), "priority (low, normal, high, urgent)")
	submitCmd.Flags().StringVar(&submitRetryPolicy, "retry-policy", "", "named retry policy ("+strings.Join(retry.PresetNames(), ", ")+")")
	submitCmd.Flags().IntVar(&submitMaxRetries, "max-retries", -1, "override max retries (-1 keeps the default)")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	req, err := buildSubmitRequest(args[0])
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Server.Enabled {
		return fmt.Errorf("HTTP API is disabled in the configuration")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	var resp api.SubmitResponse
	if err := newAPIClient(cfg.Server).do(ctx, "POST", "/api/v1/jobs", req, &resp); err != nil {
		return fmt.Errorf("submit failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Job ID: %s\n", resp.JobID)
	fmt.Fprintf(out, "Status: %s\n", resp.Status)
	fmt.Fprintf(out, "Queue size: %d\n", resp.QueueSize)
	fmt.Fprintf(out, "Remaining quota: %d\n", resp.RemainingQuota)
	return nil
}

// buildSubmitRequest checks flags locally before anything goes over the wire.
func buildSubmitRequest(content string) (*api.SubmitRequest, error) {
	if strings.TrimSpace(submitTarget) == "" {
		return nil, fmt.Errorf("--target is required")
	}
	priority, err := jobqueue.ParsePriority(submitPriority)
	if err != nil {
		return nil, err
	}
	if submitRetryPolicy != "" {
		if _, ok := retry.Preset(submitRetryPolicy); !ok {
			return nil, fmt.Errorf("unknown retry policy %q", submitRetryPolicy)
		}
	}

	req := &api.SubmitRequest{
		OwnerID:     submitOwner,
		TargetID:    submitTarget,
		Content:     content,
		Priority:    string(priority),
		RetryPolicy: submitRetryPolicy,
	}
	if submitMaxRetries >= 0 {
		n := submitMaxRetries
		req.MaxRetries = &n
	}
	return req, nil
}
