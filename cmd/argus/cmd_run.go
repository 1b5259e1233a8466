package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	natsconn "github.com/wehubfusion/Argus/internal/nats"
	"github.com/wehubfusion/Argus/pkg/orchestrator"
	"github.com/wehubfusion/Argus/pkg/progress"
)

var runFlags struct {
	pipeline pipelineFlags
	document string
	flags    []string
	runID    string
	output   string
}

var runCmd = &cobra.Command{
	Use:   "run [document]",
	Short: "Process one document and print the report",
	Long: `Process a single document through the pipeline and write the report as JSON.

A .json document is decoded as {"id","text","images","mimeType","language"};
any other file is read as plain text.

Feature flags are detected remotely unless given with --flag:
  argus run invoice.txt --flag has_tables --flag has_signature=false`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	addPipelineFlags(runCmd, &runFlags.pipeline)
	f := runCmd.Flags()
	f.StringVar(&runFlags.document, "document", "", "Document path")
	f.StringArrayVar(&runFlags.flags, "flag", nil, "Feature flag as name or name=bool (repeatable)")
	f.StringVar(&runFlags.runID, "run-id", "", "Run id (default: random UUID)")
	f.StringVarP(&runFlags.output, "output", "o", "", "Report path (default: stdout)")
}

func runRun(cmd *cobra.Command, args []string) error {
	path := runFlags.document
	if path == "" && len(args) > 0 {
		path = args[0]
	}
	if path == "" {
		return fmt.Errorf("document path is required\n\nUsage: argus run <document>")
	}

	doc, err := loadDocument(path)
	if err != nil {
		return err
	}
	flags, err := parseFeatureFlags(runFlags.flags)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	conn, err := runFlags.pipeline.connect(ctx)
	if err != nil {
		return err
	}
	defer natsconn.Close(conn)

	pl, err := runFlags.pipeline.build(conn)
	if err != nil {
		return err
	}

	opts := []orchestrator.RunOption{orchestrator.WithProgress(progress.LogSink{Logger: logger})}
	if runFlags.runID != "" {
		opts = append(opts, orchestrator.WithRunID(runFlags.runID))
	}
	rep, err := pl.orchestrator().Process(ctx, doc, flags, opts...)
	if err != nil {
		return fmt.Errorf("process %s: %w", path, err)
	}

	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	summary := rep.MultiNodeResults
	logger.Info("Report ready",
		zap.String("document", doc.ID),
		zap.Int("succeeded", summary.SuccessCount),
		zap.Int("failed", summary.FailureCount),
		zap.Bool("fallback", summary.Fallback))

	if runFlags.output == "" {
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return err
	}
	return os.WriteFile(runFlags.output, data, 0o644)
}
