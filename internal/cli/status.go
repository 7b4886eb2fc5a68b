package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/inam6565/application-as-service/internal/core/domain"
	"github.com/inam6565/application-as-service/internal/infra/storage/postgres"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show how many executions sit in each lifecycle state",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	counts, err := postgres.NewExecutionRepo(db).CountByState(ctx)
	if err != nil {
		slog.Error("Failed to count executions", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "STATE\tCOUNT")

	for _, state := range []domain.ExecutionState{
		domain.StateCreated,
		domain.StateQueued,
		domain.StateRunning,
		domain.StateSucceeded,
		domain.StateFailed,
		domain.StateRetryExhausted,
	} {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", state, counts[state])
	}
	_ = w.Flush()
}
