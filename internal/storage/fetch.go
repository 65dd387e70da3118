package storage

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// RangeRequest names one byte range to read.
type RangeRequest struct {
	Path   string
	Offset int64
	Length int64
}

// FetchRanges reads every request in parallel, at most concurrency at a
// time. Results are returned in request order. The first error cancels the
// remaining reads and is returned.
func FetchRanges(ctx context.Context, backend Backend, reqs []RangeRequest, concurrency int) ([][]byte, error) {
	out := make([][]byte, len(reqs))
	if len(reqs) == 0 {
		return out, nil
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := semaphore.NewWeighted(int64(concurrency))
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
		mu.Unlock()
	}

	for i, req := range reqs {
		if err := sem.Acquire(ctx, 1); err != nil {
			fail(fmt.Errorf("storage: fetch %q: %w", req.Path, err))
			break
		}
		wg.Add(1)
		go func(i int, req RangeRequest) {
			defer sem.Release(1)
			defer wg.Done()
			data, err := backend.GetRange(ctx, req.Path, req.Offset, req.Length)
			if err != nil {
				fail(err)
				return
			}
			out[i] = data
		}(i, req)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}
