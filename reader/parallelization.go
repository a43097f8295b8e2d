package reader

import "sync"

// Parallel calls fn(worker, i) for i in [0, n). Item i always runs on worker
// i % workers, and each worker handles its items in increasing order, so any
// per-worker accumulation is independent of goroutine scheduling.
func Parallel(workers, n int, fn func(worker, i int)) {
	if workers < 1 {
		workers = 1
	}
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		for i := 0; i < n; i++ {
			fn(0, i)
		}
		return
	}
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		ww := w
		go func() {
			defer wg.Done()
			for i := ww; i < n; i += workers {
				fn(ww, i)
			}
		}()
	}
	wg.Wait()
}
