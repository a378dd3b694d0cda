package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openlistings/harvester/internal/app"
	"github.com/openlistings/harvester/internal/pipeline"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a one-shot ingestion run",
	}
	cmd.AddCommand(newRunDiscoveryCmd())
	cmd.AddCommand(newRunEnrichmentCmd())
	return cmd
}

func newRunDiscoveryCmd() *cobra.Command {
	var queriesFile string
	cmd := &cobra.Command{
		Use:   "discovery",
		Short: "Submit discovery queries and ingest the results",
		RunE: func(_ *cobra.Command, _ []string) error {
			items, err := loadItems(queriesFile)
			if err != nil {
				return err
			}
			return executeRun(pipeline.KindDiscovery,
				map[string]any{"queries": len(items)}, items)
		},
	}
	cmd.Flags().StringVar(&queriesFile, "queries", "", "path to a JSON array of discovery queries")
	_ = cmd.MarkFlagRequired("queries")
	return cmd
}

func newRunEnrichmentCmd() *cobra.Command {
	var (
		ids   []string
		auto  bool
		limit int
	)
	cmd := &cobra.Command{
		Use:   "enrichment",
		Short: "Enrich known identifiers with full detail records",
		RunE: func(_ *cobra.Command, _ []string) error {
			return executeEnrichment(ids, auto, limit)
		},
	}
	cmd.Flags().StringSliceVar(&ids, "id", nil, "identifier to enrich (repeatable)")
	cmd.Flags().BoolVar(&auto, "auto", false, "select identifiers still awaiting enrichment")
	cmd.Flags().IntVar(&limit, "limit", 0, "cap on auto-selected identifiers")
	return cmd
}

func executeEnrichment(ids []string, auto bool, limit int) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}
	defer a.Close(context.Background())

	if auto {
		if limit <= 0 || limit > cfg.Pipeline.EnrichmentLimit {
			limit = cfg.Pipeline.EnrichmentLimit
		}
		selected, err := a.Records.ListUnenriched(ctx, limit)
		if err != nil {
			return fmt.Errorf("select enrichment candidates: %w", err)
		}
		ids = append(ids, selected...)
	}
	if len(ids) == 0 {
		return fmt.Errorf("no identifiers to enrich")
	}
	items := make([]pipeline.Item, 0, len(ids))
	for _, id := range ids {
		items = append(items, pipeline.Item{"id": id})
	}

	run, err := a.Orchestrator.NewRun(ctx, pipeline.KindEnrichment,
		map[string]any{"ids": len(ids), "auto": auto}, "")
	if err != nil {
		return err
	}
	logger.Info("run created", zap.String("run_id", run.ID), zap.Int("items", len(items)))
	return a.Orchestrator.Execute(ctx, run, items)
}

func executeRun(kind pipeline.RunKind, params map[string]any, items []pipeline.Item) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}
	defer a.Close(context.Background())

	run, err := a.Orchestrator.NewRun(ctx, kind, params, "")
	if err != nil {
		return err
	}
	logger.Info("run created", zap.String("run_id", run.ID), zap.Int("items", len(items)))
	return a.Orchestrator.Execute(ctx, run, items)
}

func loadItems(path string) ([]pipeline.Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read queries file: %w", err)
	}
	var items []pipeline.Item
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parse queries file: %w", err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("queries file is empty")
	}
	return items, nil
}
