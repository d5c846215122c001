package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/hupe1980/vecfs"
)

var (
	searchK     int
	searchEF    int
	rebuildFrom uint64
	rebuildMax  int
	metricsAddr string
)

func init() {
	searchCmd.Flags().IntVarP(&searchK, "top", "k", 10, "number of neighbors")
	searchCmd.Flags().IntVar(&searchEF, "ef", 0, "search beam width (0 uses the configured default)")
	rebuildCmd.Flags().Uint64Var(&rebuildFrom, "from", 0, "first id to index")
	rebuildCmd.Flags().IntVar(&rebuildMax, "limit", 0, "stop after this many vectors (0 means all)")
	metricsCmd.Flags().StringVar(&metricsAddr, "addr", ":9090", "listen address")
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return id, nil
}

// parseVector parses a comma separated list of floats.
func parseVector(s string) ([]float32, error) {
	parts := strings.Split(s, ",")
	vec := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid component %d: %w", i, err)
		}
		vec[i] = float32(f)
	}
	return vec, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var insertCmd = &cobra.Command{
	Use:   "insert <id> <v1,v2,...>",
	Short: "Store a vector",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		vec, err := parseVector(args[1])
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		v, err := openVolume(ctx)
		if err != nil {
			return err
		}
		defer v.Close()

		err = v.InsertVector(ctx, id, vec)
		if vecfs.IsNotIndexed(err) {
			fmt.Fprintf(cmd.ErrOrStderr(), "stored %d without indexing: %v\n", id, err)
			return nil
		}
		return err
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <v1,v2,...>",
	Short: "Find the nearest stored vectors",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query, err := parseVector(args[0])
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		v, err := openVolume(ctx)
		if err != nil {
			return err
		}
		defer v.Close()

		if _, err := v.Rebuild(ctx, 0, 0); err != nil {
			return err
		}
		results, err := v.SearchSimilarEF(ctx, query, searchK, searchEF)
		if err != nil {
			return err
		}
		for _, r := range results {
			fmt.Fprintf(cmd.OutOrStdout(), "%d\t%g\n", r.ID, r.Distance)
		}
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Delete a vector",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		v, err := openVolume(ctx)
		if err != nil {
			return err
		}
		defer v.Close()

		// The index is empty after open; storage holds the record.
		err = v.RemoveVector(ctx, id)
		if errors.Is(err, vecfs.ErrNotFound) {
			return fmt.Errorf("vector %d not found", id)
		}
		return err
	},
}

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Print a stored vector",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		v, err := openVolume(ctx)
		if err != nil {
			return err
		}
		defer v.Close()

		vec, err := v.GetVector(ctx, id)
		if err != nil {
			return err
		}
		parts := make([]string, len(vec))
		for i, f := range vec {
			parts[i] = strconv.FormatFloat(float64(f), 'g', -1, 32)
		}
		fmt.Fprintln(cmd.OutOrStdout(), strings.Join(parts, ","))
		return nil
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Index stored vectors and verify the graph",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		v, err := openVolume(ctx)
		if err != nil {
			return err
		}
		defer v.Close()

		start := time.Now()
		p, err := v.Rebuild(ctx, rebuildFrom, rebuildMax)
		if err != nil {
			return err
		}
		if err := v.Validate(); err != nil {
			return err
		}
		return printJSON(cmd, map[string]any{
			"next":     p.Next,
			"indexed":  p.Indexed,
			"skipped":  p.Skipped,
			"failed":   p.Failed,
			"done":     p.Done,
			"duration": time.Since(start).String(),
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print volume statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		v, err := openVolume(ctx)
		if err != nil {
			return err
		}
		defer v.Close()

		if _, err := v.Rebuild(ctx, 0, 0); err != nil {
			return err
		}
		return printJSON(cmd, v.Stats())
	},
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Serve volume statistics in Prometheus format",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		reg := prometheus.NewRegistry()
		collector, err := vecfs.NewPrometheusCollector(reg, "")
		if err != nil {
			return err
		}

		v, err := openVolume(ctx, vecfs.WithMetricsCollector(collector))
		if err != nil {
			return err
		}
		defer v.Close()

		if _, err := v.Rebuild(ctx, 0, 0); err != nil {
			return err
		}
		if err := vecfs.RegisterStatsGauges(reg, "", v.DB); err != nil {
			return err
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		fmt.Fprintf(cmd.ErrOrStderr(), "serving metrics on %s\n", metricsAddr)

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		}
	},
}
