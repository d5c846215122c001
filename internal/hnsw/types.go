package hnsw

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/hupe1980/vecfs/distance"
	"github.com/hupe1980/vecfs/internal/stackmon"
)

var (
	ErrInvalidK       = errors.New("k must be positive")
	ErrDuplicateID    = errors.New("id already indexed")
	ErrNotFound       = errors.New("node not found")
	ErrCorrupted      = errors.New("index corrupted")
	ErrNoVectorSource = errors.New("no vector source configured")

	// ErrStackOverflow is matched by every stack budget failure.
	ErrStackOverflow = stackmon.ErrStackOverflow
)

type ErrInvalidDimension struct {
	Dimension int
}

func (e *ErrInvalidDimension) Error() string {
	return fmt.Sprintf("invalid dimension: %d", e.Dimension)
}

type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// corruption reports an internal invariant violation. Debug builds panic.
func corruption(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if debugAssertions {
		panic("hnsw: " + msg)
	}
	return fmt.Errorf("%w: %s", ErrCorrupted, msg)
}

// VectorFunc resolves the stored vector of a node.
type VectorFunc func(id uint64) ([]float32, error)

// DistFunc returns the distance between the query and node id.
type DistFunc func(id uint64) (float32, error)

// Candidate is one search result.
type Candidate struct {
	ID       uint64
	Distance float32
}

// Neighbor is a directed edge with its cached length.
type Neighbor struct {
	ID   uint64
	Dist float32
}

// Options represents the options for configuring the index.
type Options struct {
	Dimension      int
	M              int
	M0             int
	EFConstruction int
	EFSearch       int

	// Metric compares two stored vectors during neighbor selection.
	Metric distance.Func
	// Vectors resolves stored vectors by id.
	Vectors VectorFunc

	// StackLimit is the declared stack budget in bytes.
	StackLimit int
	// Monitor optionally replaces the internally created monitor.
	Monitor *stackmon.Monitor

	// PoolCap is the soft cap of the search memory pool.
	PoolCap int
	// InitialCapacity pre-sizes the node arena.
	InitialCapacity int

	// MaxLevel caps the level assignment.
	MaxLevel int
	// RandomSeed makes level assignment deterministic when non-zero.
	RandomSeed uint64

	Logger *slog.Logger
}

const (
	// mmax0Multiplier is the multiplier for calculating maximum connections at layer 0.
	mmax0Multiplier = 2

	// minimumM is the minimum valid value for M.
	minimumM = 2

	DefaultM              = 16
	DefaultEFConstruction = 200
	DefaultEFSearch       = 50
	DefaultMaxLevel       = 16

	// maxGreedySteps bounds each greedy descent layer.
	maxGreedySteps = 1000
)

// DefaultOptions contains the default options for the index.
var DefaultOptions = Options{
	M:              DefaultM,
	EFConstruction: DefaultEFConstruction,
	EFSearch:       DefaultEFSearch,
	Metric:         distance.Euclidean,
	StackLimit:     stackmon.DefaultLimit,
	MaxLevel:       DefaultMaxLevel,
}

type LevelStats struct {
	Level          int
	Nodes          int
	Connections    int
	AvgConnections int
}

// Stats describes the graph and its resource usage.
type Stats struct {
	Nodes          int
	MaxLevel       int
	EntryPoint     uint64
	HasEntryPoint  bool
	M              int
	M0             int
	EFConstruction int
	EFSearch       int
	Levels         []LevelStats
	// DanglingEdges counts edges to removed nodes that are skipped during traversal.
	DanglingEdges int

	PoolPooled    int
	PoolLive      int
	PoolCreated   int
	PoolTransient int64
	PoolBytes     int64

	StackLimit     int
	StackHighWater int
	StackPeak      int
}
