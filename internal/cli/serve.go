package cli

import (
	"fmt"

	"github.com/harun/sqlsaber/internal/daemon"
	"github.com/harun/sqlsaber/internal/logger"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sqlsaber API server",
	Long: `Run the sqlsaber API server in the foreground.
Threads are executed by a background worker pool; stale runs left by a
previous process are recovered on start. Stop with Ctrl+C or "sqlsaber stop".`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if daemon.IsRunning(daemon.PIDFilePath(cfg.DataDir)) {
		return fmt.Errorf("daemon is already running (PID file: %s)", daemon.PIDFilePath(cfg.DataDir))
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
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
		return err
	}

	if err := d.Start(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "sqlsaber listening on http://%s\n", cfg.Server.Addr())
	return d.Wait()
}
