package vecfs

import (
	"log/slog"

	"github.com/hupe1980/vecfs/distance"
	"github.com/hupe1980/vecfs/internal/fs"
)

type options struct {
	config           Config
	metricsCollector MetricsCollector
	logger           *Logger
	distance         distance.Func
	journalFS        fs.FileSystem
}

// Option configures Open.
type Option func(*options)

// WithConfig replaces the whole configuration. Later options still apply.
func WithConfig(cfg Config) Option {
	return func(o *options) {
		o.config = cfg
	}
}

// WithDimension sets Config.Index.Dimension.
func WithDimension(dim int) Option {
	return func(o *options) {
		o.config.Index.Dimension = dim
	}
}

// WithMemoryConfig sets Config.Memory.
func WithMemoryConfig(mc MemoryConfig) Option {
	return func(o *options) {
		o.config.Memory = mc
	}
}

// WithJournal enables the intent journal at path.
func WithJournal(path string) Option {
	return func(o *options) {
		o.config.Journal.Path = path
	}
}

// WithDistance overrides the configured metric with a custom function.
// It must be non-negative and symmetric; vecfs does not verify either.
func WithDistance(fn distance.Func) Option {
	return func(o *options) {
		o.distance = fn
	}
}

// WithMetricsCollector reports operation latencies, soft failures and
// stack pressure to mc. nil disables collection.
//
//	mc := &vecfs.BasicMetricsCollector{}
//	db, _ := vecfs.Open(ctx, dev, vecfs.WithMetricsCollector(mc))
//	...
//	fmt.Println(mc.GetStats().SoftFailures)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger sets the logger. nil discards all output.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel is WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return WithLogger(NewTextLogger(level))
}

func withJournalFS(fsys fs.FileSystem) Option {
	return func(o *options) {
		o.journalFS = fsys
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		config:           DefaultConfig(),
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
		journalFS:        fs.Default,
	}
	for _, fn := range optFns {
		fn(&o)
	}
	return o
}
