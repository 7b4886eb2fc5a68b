package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/inam6565/application-as-service/internal/infra/storage/postgres"
)

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List registered nodes and their heartbeat age",
	Run:   runNodes,
}

func init() {
	rootCmd.AddCommand(nodesCmd)
}

func runNodes(cmd *cobra.Command, args []string) {
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

	nodes, err := postgres.NewNodeRepo(db).List(ctx)
	if err != nil {
		slog.Error("Failed to list nodes", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "NODE\tNAME\tSTATUS\tHEARTBEAT AGE")

	for _, n := range nodes {
		age := time.Since(n.LastHeartbeat).Round(time.Second)
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", n.ID, n.Name, n.Status, age)
	}
	_ = w.Flush()
}
