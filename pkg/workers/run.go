package workers

import (
	"context"
	"sync"
)

// Run calls fn for each item using at most n goroutines. Items not yet
// started when ctx ends are skipped. Results are reported through fn's own
// side effects; Run returns ctx.Err() if it stopped early.
func Run[T any](ctx context.Context, n int, items []T, fn func(ctx context.Context, i int, item T)) error {
	if n < 1 {
		n = 1
	}
	if n > len(items) {
		n = len(items)
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < n; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if ctx.Err() != nil {
					continue
				}
				fn(ctx, i, items[i])
			}
		}()
	}

	var err error
feed:
	for i := range items {
		if err = ctx.Err(); err != nil {
			break
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break feed
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()
	return err
}
