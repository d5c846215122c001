// Command vecfs inserts, searches and maintains vectors on a vecfs volume.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hupe1980/vecfs"
)

var (
	cfgFile     string
	journalPath string
	dimension   int
	verbose     bool
	dev         deviceFlags
)

var rootCmd = &cobra.Command{
	Use:   "vecfs",
	Short: "Bounded-memory vector storage with an HNSW index",
	Long: `vecfs stores vectors on a block device and answers approximate
nearest-neighbor queries through an HNSW index.

The index lives in memory. Commands that search rebuild it from the
device first, so large volumes are best queried from a long-running
process.`,
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "YAML config file")
	pf.StringVar(&journalPath, "journal", "", "journal file for crash atomicity (overrides config)")
	pf.IntVar(&dimension, "dimension", 0, "vector dimension (overrides config)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	dev.register(pf)

	rootCmd.AddCommand(insertCmd, searchCmd, removeCmd, getCmd, rebuildCmd, statsCmd, metricsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// volume is an opened DB together with the device it owns.
type volume struct {
	*vecfs.DB
	closeDevice func() error
}

func (v *volume) Close() error {
	err := v.DB.Close()
	if cerr := v.closeDevice(); err == nil {
		err = cerr
	}
	return err
}

func loadConfig() (vecfs.Config, error) {
	cfg, err := vecfs.LoadConfig(cfgFile)
	if err != nil {
		return cfg, err
	}
	if dimension > 0 {
		cfg.Index.Dimension = dimension
	}
	if journalPath != "" {
		cfg.Journal.Path = journalPath
	}
	return cfg, nil
}

func openVolume(ctx context.Context, extra ...vecfs.Option) (*volume, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	d, err := dev.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open device: %w", err)
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	opts := append([]vecfs.Option{
		vecfs.WithConfig(cfg),
		vecfs.WithLogger(vecfs.NewTextLogger(level)),
	}, extra...)

	db, err := vecfs.Open(ctx, d, opts...)
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	return &volume{DB: db, closeDevice: d.Close}, nil
}
