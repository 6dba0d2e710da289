// Package sweep runs per-entity work in bounded concurrent batches.
package sweep

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Failure is one entity that could not be processed.
type Failure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// Summary aggregates one sweep.
type Summary struct {
	Total    int           `json:"total"`
	Updated  int           `json:"updated"`
	Errors   int           `json:"errors"`
	Failures []Failure     `json:"failures,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Succeeded counts entities processed without error.
func (s Summary) Succeeded() int { return s.Total - s.Errors }

// Func processes one entity and reports whether it persisted a change.
type Func func(ctx context.Context, id string) (updated bool, err error)

// Config bounds a sweep.
type Config struct {
	BatchSize int
	Pause     time.Duration
}

// Run processes ids in batches of cfg.BatchSize, each batch concurrently,
// sleeping cfg.Pause between batches. An entity's error or panic is recorded
// and never stops its siblings. Cancelling ctx stops before the next batch;
// unprocessed entities are not counted.
func Run(ctx context.Context, cfg Config, ids []string, fn Func) Summary {
	start := time.Now()
	size := cfg.BatchSize
	if size <= 0 {
		size = 10
	}

	var (
		mu  sync.Mutex
		sum Summary
	)
	for i := 0; i < len(ids); i += size {
		if i > 0 && cfg.Pause > 0 {
			select {
			case <-ctx.Done():
				sum.Duration = time.Since(start)
				return sum
			case <-time.After(cfg.Pause):
			}
		}
		if ctx.Err() != nil {
			break
		}

		end := min(i+size, len(ids))
		var wg sync.WaitGroup
		for _, id := range ids[i:end] {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				updated, err := call(ctx, fn, id)
				mu.Lock()
				defer mu.Unlock()
				sum.Total++
				switch {
				case err != nil:
					sum.Errors++
					sum.Failures = append(sum.Failures, Failure{ID: id, Error: err.Error()})
				case updated:
					sum.Updated++
				}
			}(id)
		}
		wg.Wait()
	}
	sum.Duration = time.Since(start)
	return sum
}

func call(ctx context.Context, fn Func, id string) (updated bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, id)
}
