// Package main runs the feature materializer.
//
// Modes:
//   - serve: scheduled cycles and backfills plus the HTTP trigger API (default)
//   - cycle: one incremental cycle, summary printed as JSON
//   - backfill: one reconciliation pass over -from/-to, summary printed as JSON
//   - verify: diff stored records over -from/-to against the sources, exits 1 on divergence
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"feature-materializer/internal/backfill"
	"feature-materializer/internal/config"
	"feature-materializer/internal/domain"
	"feature-materializer/internal/engine"
	"feature-materializer/internal/logging"
	"feature-materializer/internal/reporting"
)

func main() {
	configPath := flag.String("config", os.Getenv("MATERIALIZER_CONFIG"), "Path to YAML config (defaults only when empty)")
	mode := flag.String("mode", "serve", "Run mode: serve, cycle, backfill or verify")
	symbols := flag.String("symbols", "", "Comma-separated symbols (default: all known symbols)")
	from := flag.String("from", "", "Range start, YYYY-MM-DD or RFC 3339 (default: now minus lookback)")
	to := flag.String("to", "", "Range end, exclusive, YYYY-MM-DD or RFC 3339 (default: now)")
	format := flag.String("format", "json", "Verify output: json or markdown")
	useMemory := flag.Bool("use-memory", false, "Use in-memory stores instead of PostgreSQL and ClickHouse")
	flag.Parse()

	logger, err := logging.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(*configPath, *mode, *symbols, *from, *to, *format, *useMemory, logger); err != nil {
		logger.Error("materializer failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(configPath, mode, symbolList, from, to, format string, useMemory bool, logger *zap.Logger) error {
	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, useMemory, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	symbols := splitSymbols(symbolList)

	switch mode {
	case "serve":
		return serve(ctx, cfg, a, logger)

	case "cycle":
		if from != "" {
			return errors.New("-from does not apply to cycles, which start at the source cursors")
		}
		req := engine.Request{Symbols: symbols}
		if req.To, err = parseTime(to); err != nil {
			return fmt.Errorf("-to: %w", err)
		}
		summary, err := a.engine.RunCycle(ctx, req)
		printSummary(summary)
		return err

	case "backfill":
		req := backfill.Request{Symbols: symbols}
		if req.From, err = parseTime(from); err != nil {
			return fmt.Errorf("-from: %w", err)
		}
		if req.To, err = parseTime(to); err != nil {
			return fmt.Errorf("-to: %w", err)
		}
		summary, err := a.backfill.Run(ctx, req)
		printSummary(summary)
		return err

	case "verify":
		return verify(ctx, cfg, a, symbols, from, to, format)

	default:
		return fmt.Errorf("unknown mode %q (want serve, cycle, backfill or verify)", mode)
	}
}

func splitSymbols(list string) []string {
	var out []string
	for _, s := range strings.Split(list, ",") {
		out = append(out, strings.TrimSpace(s))
	}
	return domain.UniqueSymbols(out)
}

// parseTime accepts a calendar date or an RFC 3339 time. Empty means zero.
func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errors.New("want YYYY-MM-DD or RFC 3339")
	}
	return t, nil
}

func verify(ctx context.Context, cfg *config.Config, a *app, symbols []string, from, to, format string) error {
	start, err := parseTime(from)
	if err != nil {
		return fmt.Errorf("-from: %w", err)
	}
	end, err := parseTime(to)
	if err != nil {
		return fmt.Errorf("-to: %w", err)
	}
	if end.IsZero() {
		end = time.Now()
	}
	if start.IsZero() {
		start = end.Add(-cfg.Backfill.Lookback)
	}

	reports, err := a.verifier.VerifyAll(ctx, symbols, start.UnixMilli(), end.UnixMilli())
	if format == "markdown" {
		fmt.Print(reporting.RenderVerificationMarkdown(time.Now(), reports))
	} else {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(reports)
	}
	if err != nil {
		return err
	}

	divergent := 0
	for _, r := range reports {
		if !r.Match() {
			divergent++
		}
	}
	if divergent > 0 {
		return fmt.Errorf("%d of %d symbols diverge from their sources", divergent, len(reports))
	}
	return nil
}

func printSummary(s *domain.CycleSummary) {
	if s == nil {
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(s)
}
