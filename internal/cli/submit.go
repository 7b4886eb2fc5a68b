package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inam6565/application-as-service/internal/core/domain"
	"github.com/inam6565/application-as-service/internal/infra/storage/postgres"
)

var (
	submitNode       string
	submitSpecKVs    []string
	submitMaxRetries int
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new execution against a node",
	Long:  `Submit creates an execution in CREATED state. The running engine admits it into the queue on its next executor cycle.`,
	Run:   runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitNode, "node", "", "target node id (required)")
	submitCmd.Flags().StringArrayVar(&submitSpecKVs, "spec", nil, "spec entry as key=value (repeatable)")
	submitCmd.Flags().IntVar(&submitMaxRetries, "max-retries", 0, "retry budget (0 = default)")
	_ = submitCmd.MarkFlagRequired("node")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	spec := make(map[string]any, len(submitSpecKVs))
	for _, kv := range submitSpecKVs {
		key, value, found := strings.Cut(kv, "=")
		if !found || key == "" {
			slog.Error("Invalid spec entry, want key=value", "entry", kv)
			os.Exit(1)
		}
		spec[key] = value
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

	maxRetries := submitMaxRetries
	if maxRetries <= 0 {
		maxRetries = cfg.Retry.MaxRetries
	}

	exec := domain.NewExecution(submitNode, spec, maxRetries)
	if err := postgres.NewExecutionRepo(db).Create(ctx, exec); err != nil {
		slog.Error("Failed to create execution", "error", err)
		os.Exit(1)
	}

	fmt.Printf("execution %s created (node %s, max retries %d)\n", exec.ID, exec.NodeID, exec.MaxRetries)
}
