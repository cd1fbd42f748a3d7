package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tollgate/tollgate/internal/config"
	"github.com/tollgate/tollgate/internal/logging"
	"github.com/tollgate/tollgate/internal/sweeper"
)

// sweepCmd runs a single retention sweep against the configured store.
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a one-shot retention sweep",
	Long: `Delete usage windows older than the retention horizon and exit.

Useful for cron-driven deployments that prefer an external scheduler
over the built-in one.

Example:
  tollgate sweep --config config.yaml --retention 168h`,
	RunE: runSweep,
}

var sweepFlags struct {
	Retention time.Duration
}

func init() {
	sweepCmd.Flags().DurationVar(&sweepFlags.Retention, "retention", 0, "Retention horizon (overrides config)")

	RootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfigForCommand()
	if err != nil {
		return err
	}

	st, err := openStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer st.Close()

	retention := cfg.Sweeper.Retention
	if sweepFlags.Retention > 0 {
		retention = sweepFlags.Retention
	}

	logger := logging.NewLogger(logging.WithLevel(logging.ParseLevel(cfg.Server.LogLevel)))
	sw := sweeper.New(st, nil, logger, sweeper.WithRetention(retention))

	deleted, err := sw.Sweep(context.Background())
	if err != nil {
		return err
	}

	if globalFlags.JSON {
		out, _ := json.Marshal(map[string]interface{}{"deleted": deleted, "retention": retention.String()})
		fmt.Println(string(out))
		return nil
	}

	fmt.Printf("Swept %d expired usage windows (retention %s)\n", deleted, retention)
	return nil
}

// loadConfigForCommand loads the config file, falling back to built-in
// defaults when no file exists so store-only commands still work.
func loadConfigForCommand() (*config.Config, error) {
	loader := config.NewLoader(globalFlags.Config)
	cfg, err := loader.Load()
	if err == nil {
		if globalFlags.DBPath != "" {
			cfg.Storage.Path = globalFlags.DBPath
		}
		return cfg, nil
	}

	cfg = &config.Config{Version: "1.0"}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.HTTPPort = 8428
	cfg.Storage.Path = globalFlags.DBPath
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
