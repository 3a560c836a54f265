package latency

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"shadowtun/internal/config"
)

const (
	DefaultWorkers = 10
	DefaultTimeout = 5 * time.Second
)

// TestResult is the outcome for one server.
type TestResult struct {
	Server  *config.ServerLink
	Latency time.Duration
	Err     error
}

// Success reports whether the test passed.
func (r *TestResult) Success() bool { return r.Err == nil }

// BatchResult holds the outcome of testing multiple servers. Results are
// ordered fastest first with failures at the end.
type BatchResult struct {
	Results   []*TestResult
	Tested    int
	Succeeded int
	Failed    int
	Duration  time.Duration
}

// ProgressFunc is called after each test with the number completed so far.
// Calls are serialized.
type ProgressFunc func(result *TestResult, current, total int)

// TesterConfig holds configuration for the Tester.
type TesterConfig struct {
	Workers  int64
	Timeout  time.Duration // per server
	Strategy Strategy
}

// Tester runs a Strategy against servers.
type Tester struct {
	cfg TesterConfig
}

func NewTester(cfg TesterConfig) *Tester {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Strategy == nil {
		cfg.Strategy = &TCPStrategy{}
	}
	return &Tester{cfg: cfg}
}

// TestSingle tests one server within the per-server timeout.
func (t *Tester) TestSingle(ctx context.Context, server *config.ServerLink) *TestResult {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	latency, err := t.cfg.Strategy.Test(ctx, server)
	return &TestResult{Server: server, Latency: latency, Err: err}
}

// TestBatch tests servers with at most Workers tests in flight. Servers not
// started before ctx is done are left out of the result.
func (t *Tester) TestBatch(ctx context.Context, servers []*config.ServerLink, progress ProgressFunc) *BatchResult {
	start := time.Now()
	sem := semaphore.NewWeighted(t.cfg.Workers)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		batch BatchResult
	)
	for _, server := range servers {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		server := server
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			result := t.TestSingle(ctx, server)

			mu.Lock()
			defer mu.Unlock()
			batch.Results = append(batch.Results, result)
			if result.Success() {
				batch.Succeeded++
			} else {
				batch.Failed++
			}
			if progress != nil {
				progress(result, len(batch.Results), len(servers))
			}
		}()
	}
	wg.Wait()

	slices.SortStableFunc(batch.Results, compareResults)
	batch.Tested = len(batch.Results)
	batch.Duration = time.Since(start)
	return &batch
}

func compareResults(a, b *TestResult) int {
	switch {
	case a.Success() && !b.Success():
		return -1
	case !a.Success() && b.Success():
		return 1
	case a.Success():
		return cmp.Compare(a.Latency, b.Latency)
	default:
		return 0
	}
}
