package cli

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/harun/slotpool/internal/daemon"
	"github.com/harun/slotpool/internal/logger"
	"github.com/spf13/cobra"
)

var foreground bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the slotpool daemon service",
	Long: `Start the slotpool daemon service.
The daemon logs in the configured accounts, keeps their sessions fresh and
dispatches queued jobs to them. Without --foreground it detaches into the background.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVar(&foreground, "foreground", false, "run in the foreground instead of detaching")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	pidFile := daemon.PIDFilePath(cfg.DataDir)
	if isRunning(pidFile) {
		return fmt.Errorf("daemon is already running (PID file: %s)", pidFile)
	}

	if !foreground {
		return detach(cmd)
	}

	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    true,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	log.Info().
		Int("accounts", len(cfg.Accounts)).
		Int("max_sessions", cfg.Pool.MaxSessions).
		Str("backend", cfg.Queue.Backend).
		Msg("slotpool running")

	d.Wait()
	return nil
}

// detach re-runs this binary with --foreground in its own session.
func detach(cmd *cobra.Command) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate executable: %w", err)
	}

	args := []string{"start", "--foreground", "--log-level", logLevel}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}

	child := exec.Command(self, args...)
	child.SysProcAttr = detachAttr()
	if err := child.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "slotpool started (PID %d)\n", child.Process.Pid)
	return child.Process.Release()
}
