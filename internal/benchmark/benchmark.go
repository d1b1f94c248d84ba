// Package benchmark measures the admission path of the orchestrator: how fast
// feature files import into the database and how long a dependency
// resolution over the stored graph takes while many readers query at once.
//
// Each run builds a throwaway project with a generated acyclic feature graph,
// so results are comparable between machines and database settings.
package benchmark

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/automaker/orchestrator/internal/feature"
	"github.com/automaker/orchestrator/internal/resolver"
	"github.com/automaker/orchestrator/internal/store"
	"github.com/automaker/orchestrator/internal/store/filesync"
)

// Config defines the parameters for a benchmark run.
type Config struct {
	// Features is the number of generated feature files
	Features int

	// MaxDeps is the most dependencies a generated feature gets
	MaxDeps int

	// DonePct is the share of features generated as completed (0.0-1.0)
	DonePct float64

	// Readers is the number of concurrent resolver loops
	Readers int

	// ResolvesPerReader is how many list+resolve rounds each reader performs
	ResolvesPerReader int

	// Dir holds the generated project and database (default: a temp dir,
	// removed afterwards)
	Dir string

	// Seed makes the generated graph reproducible
	Seed int64
}

// DefaultConfig returns a benchmark configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Features:          500,
		MaxDeps:           3,
		DonePct:           0.3,
		Readers:           8,
		ResolvesPerReader: 20,
		Seed:              1,
	}
}

// Result captures all metrics from a benchmark run.
type Result struct {
	Config Config

	// Sync is the full import of every feature file.
	SyncDuration time.Duration
	Synced       int

	// Resolve holds one sample per list+resolve round.
	Resolve         LatencyMetrics
	ResolvesPerSec  float64
	AdmissibleCount int
	DatabaseBytes   int64
	Resources       ResourceMetrics
	TotalDuration   time.Duration
	ErrorCount      int
}

// LatencyMetrics captures latency statistics.
type LatencyMetrics struct {
	Min  time.Duration
	P50  time.Duration // Median
	Mean time.Duration
	P95  time.Duration
	P99  time.Duration
	Max  time.Duration
}

// ResourceMetrics captures heap usage around the run.
type ResourceMetrics struct {
	MemoryBeforeBytes uint64
	MemoryAfterBytes  uint64
	MemorySysBytes    uint64
}

// Run generates the project, syncs it and resolves it concurrently.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	if cfg.Features <= 0 || cfg.Readers <= 0 || cfg.ResolvesPerReader <= 0 {
		return nil, fmt.Errorf("features, readers and resolves must be positive")
	}
	if cfg.DonePct < 0 || cfg.DonePct > 1 {
		return nil, fmt.Errorf("done percentage must be between 0 and 1")
	}

	dir := cfg.Dir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "automaker-bench-")
		if err != nil {
			return nil, err
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	start := time.Now()
	res := &Result{Config: cfg, Resources: ResourceMetrics{MemoryBeforeBytes: heapAlloc()}}

	project := filepath.Join(dir, "project")
	if err := Generate(project, cfg); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(dir, "bench.db")
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	if err := db.InitSchemaContext(ctx); err != nil {
		return nil, err
	}

	syncStart := time.Now()
	stats, err := filesync.New(db, log.New(io.Discard, "", 0)).FullSync(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("sync failed: %w", err)
	}
	res.SyncDuration = time.Since(syncStart)
	res.Synced = stats.Synced
	res.ErrorCount += stats.Failed

	var (
		mu        sync.Mutex
		durations []time.Duration
		wg        sync.WaitGroup
	)
	resolveStart := time.Now()
	for i := 0; i < cfg.Readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < cfg.ResolvesPerReader; j++ {
				if ctx.Err() != nil {
					return
				}
				t := time.Now()
				list, err := db.List(ctx, project)
				var admissible int
				if err == nil {
					var r *resolver.Result
					r, err = resolver.Resolve(list)
					admissible = len(r.Admissible)
				}
				d := time.Since(t)

				mu.Lock()
				if err != nil {
					res.ErrorCount++
				} else {
					durations = append(durations, d)
					res.AdmissibleCount = admissible
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(resolveStart)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res.Resolve = ComputeStats(durations)
	if elapsed > 0 {
		res.ResolvesPerSec = float64(len(durations)) / elapsed.Seconds()
	}
	if info, err := os.Stat(dbPath); err == nil {
		res.DatabaseBytes = info.Size()
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	res.Resources.MemoryAfterBytes = m.Alloc
	res.Resources.MemorySysBytes = m.Sys
	res.TotalDuration = time.Since(start)
	return res, nil
}

// Generate writes cfg.Features feature files into the project. Feature i
// only depends on features before it, so the graph is acyclic.
func Generate(projectPath string, cfg Config) error {
	rng := rand.New(rand.NewSource(cfg.Seed))
	dir := feature.FeaturesDir(projectPath)
	base := time.Now().UTC().Add(-time.Duration(cfg.Features) * time.Second)

	for i := 0; i < cfg.Features; i++ {
		f := &feature.Feature{
			ID:        fmt.Sprintf("feature-%04d", i),
			Title:     fmt.Sprintf("Generated feature %d", i),
			Status:    feature.StatusBacklog,
			Priority:  rng.Intn(4),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if rng.Float64() < cfg.DonePct {
			f.Status = feature.StatusCompleted
		}
		if i > 0 && cfg.MaxDeps > 0 {
			n := rng.Intn(cfg.MaxDeps + 1)
			seen := make(map[int]bool, n)
			for k := 0; k < n; k++ {
				d := rng.Intn(i)
				if seen[d] {
					continue
				}
				seen[d] = true
				f.Dependencies = append(f.Dependencies, fmt.Sprintf("feature-%04d", d))
			}
		}
		if err := feature.WriteFile(dir, f); err != nil {
			return err
		}
	}
	return nil
}

// ComputeStats calculates statistics from raw durations.
func ComputeStats(durations []time.Duration) LatencyMetrics {
	if len(durations) == 0 {
		return LatencyMetrics{}
	}

	// Sort for percentile calculation
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencyMetrics{
		Min:  sorted[0],
		P50:  sorted[len(sorted)*50/100],
		Mean: sum / time.Duration(len(sorted)),
		P95:  sorted[len(sorted)*95/100],
		P99:  sorted[len(sorted)*99/100],
		Max:  sorted[len(sorted)-1],
	}
}

// FormatBytes formats bytes into a human-readable string.
func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatDuration formats a duration into a human-readable string.
func FormatDuration(d time.Duration) string {
	if d < time.Microsecond {
		return fmt.Sprintf("%dns", d.Nanoseconds())
	}
	if d < time.Millisecond {
		return fmt.Sprintf("%.2fµs", float64(d.Nanoseconds())/1000.0)
	}
	if d < time.Second {
		return fmt.Sprintf("%.2fms", float64(d.Microseconds())/1000.0)
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}

// Print writes a formatted result.
func Print(w io.Writer, r *Result) {
	fmt.Fprintf(w, "\n=== Benchmark Results ===\n\n")

	fmt.Fprintf(w, "Configuration:\n")
	fmt.Fprintf(w, "  Features:          %d (max %d deps, %.0f%% completed)\n", r.Config.Features, r.Config.MaxDeps, r.Config.DonePct*100)
	fmt.Fprintf(w, "  Readers:           %d x %d resolves\n", r.Config.Readers, r.Config.ResolvesPerReader)
	fmt.Fprintf(w, "\n")

	fmt.Fprintf(w, "Sync:\n")
	fmt.Fprintf(w, "  Files:             %d\n", r.Synced)
	fmt.Fprintf(w, "  Duration:          %s\n", FormatDuration(r.SyncDuration))
	fmt.Fprintf(w, "\n")

	fmt.Fprintf(w, "List + resolve latency:\n")
	fmt.Fprintf(w, "  Min:       %s\n", FormatDuration(r.Resolve.Min))
	fmt.Fprintf(w, "  P50:       %s\n", FormatDuration(r.Resolve.P50))
	fmt.Fprintf(w, "  Mean:      %s\n", FormatDuration(r.Resolve.Mean))
	fmt.Fprintf(w, "  P95:       %s\n", FormatDuration(r.Resolve.P95))
	fmt.Fprintf(w, "  P99:       %s\n", FormatDuration(r.Resolve.P99))
	fmt.Fprintf(w, "  Max:       %s\n", FormatDuration(r.Resolve.Max))
	fmt.Fprintf(w, "  Per sec:   %.2f\n", r.ResolvesPerSec)
	fmt.Fprintf(w, "  Admissible features: %d\n", r.AdmissibleCount)
	fmt.Fprintf(w, "\n")

	fmt.Fprintf(w, "Resources:\n")
	fmt.Fprintf(w, "  Heap Before:       %s\n", FormatBytes(r.Resources.MemoryBeforeBytes))
	fmt.Fprintf(w, "  Heap After:        %s\n", FormatBytes(r.Resources.MemoryAfterBytes))
	fmt.Fprintf(w, "  Sys:               %s\n", FormatBytes(r.Resources.MemorySysBytes))
	fmt.Fprintf(w, "  Database:          %s\n", FormatBytes(uint64(r.DatabaseBytes)))
	fmt.Fprintf(w, "\n")

	fmt.Fprintf(w, "Overall:\n")
	fmt.Fprintf(w, "  Total Duration:    %s\n", FormatDuration(r.TotalDuration))
	fmt.Fprintf(w, "  Errors:            %d\n", r.ErrorCount)
	fmt.Fprintf(w, "\n")
}

func heapAlloc() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Alloc
}
