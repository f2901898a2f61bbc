package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kirillkom/rag-context-pipeline/internal/bootstrap"
	"github.com/kirillkom/rag-context-pipeline/internal/config"
	"github.com/kirillkom/rag-context-pipeline/internal/core/domain"
	"github.com/kirillkom/rag-context-pipeline/internal/core/intent"
	"github.com/kirillkom/rag-context-pipeline/internal/observability/logging"
)

const service = "pipelinectl"

func rootCmd() *cobra.Command {
	var logLevel, logFormat string
	root := &cobra.Command{
		Use:           "pipelinectl",
		Short:         "Operate the RAG context pipeline from the command line",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			slog.SetDefault(logging.New(cmd.ErrOrStderr(), service, logLevel, logFormat))
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	root.AddCommand(
		classifyCmd(),
		sizeCmd(),
		queryCmd(),
		warmupCmd(),
		benchmarkCmd(),
		indexCmd(),
		publishCmd(),
	)
	return root
}

func classifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <query>",
		Short: "Print the detected intent and complexity of a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := strings.Join(args, " ")
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"query":      q,
				"intent":     intent.Classify(q),
				"complexity": intent.Complexity(q),
			})
		},
	}
}

func sizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "size <query>",
		Short: "Print the context size budget chosen for a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeJSON(cmd.OutOrStdout(), intent.Size(strings.Join(args, " ")))
		},
	}
}

func queryCmd() *cobra.Command {
	var conversationID string
	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Run one query through the full pipeline",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
				resp := app.Pipeline.ProcessQuery(ctx, domain.QueryRequest{
					UserQuery:      strings.Join(args, " "),
					ConversationID: conversationID,
				})
				return writeJSON(cmd.OutOrStdout(), resp)
			})
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id")
	return cmd
}

func warmupCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "warmup [query...]",
		Short: "Pre-assemble context for queries from args or a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			queries, err := collectQueries(args, file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
				app.Pipeline.WarmupCache(ctx, queries)
				return writeJSON(cmd.OutOrStdout(), app.Cache.Stats())
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "file with one query per line")
	return cmd
}

func benchmarkCmd() *cobra.Command {
	var (
		file       string
		iterations int
	)
	cmd := &cobra.Command{
		Use:   "benchmark [query...]",
		Short: "Replay queries and report averaged timings",
		RunE: func(cmd *cobra.Command, args []string) error {
			queries, err := collectQueries(args, file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
				result := app.Pipeline.Benchmark(ctx, queries, iterations)
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"benchmark":  result,
					"stages":     app.Pipeline.ProcessingStats(),
					"embedCache": app.EmbedCacheStats(),
				})
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "file with one query per line")
	cmd.Flags().IntVarP(&iterations, "iterations", "n", 3, "runs per query")
	return cmd
}

func indexCmd() *cobra.Command {
	var namespace string
	cmd := &cobra.Command{
		Use:   "index <documents.json|documents.yaml>",
		Short: "Embed and upsert portfolio documents into the vector backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			docs, err := bootstrap.LoadDocuments(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
				ns := namespace
				if ns == "" {
					ns = app.Config.VectorNamespace
				}
				n, err := app.IndexDocuments(ctx, ns, docs)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]any{"namespace": ns, "indexed": n})
			})
		},
	}
	cmd.Flags().StringVar(&namespace, "namespace", "", "target namespace (defaults to VECTOR_NAMESPACE)")
	return cmd
}

func publishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish <content-id>",
		Short: "Publish a content.updated event so running APIs drop stale cache entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
				if app.Events == nil {
					return errors.New("NATS_URL is not configured")
				}
				if err := app.Events.PublishContentUpdated(ctx, args[0]); err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]any{"published": args[0]})
			})
		},
	}
}

func withApp(ctx context.Context, fn func(context.Context, *bootstrap.App) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	app, err := bootstrap.New(ctx, cfg, service)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer app.Close()
	return fn(ctx, app)
}

func collectQueries(args []string, file string) ([]string, error) {
	queries := append([]string(nil), args...)
	if file != "" {
		f, err := os.Open(file)
		if err != nil {
			return nil, fmt.Errorf("open queries file: %w", err)
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" && !strings.HasPrefix(line, "#") {
				queries = append(queries, line)
			}
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read queries file: %w", err)
		}
	}
	if len(queries) == 0 {
		return nil, errors.New("no queries given")
	}
	return queries, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
