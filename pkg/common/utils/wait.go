package utils

import (
	"sync"
	"time"
)

// WaitTimeout waits for wg at most d and reports whether it finished.
// A non-positive d waits forever.
func WaitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	if d <= 0 {
		wg.Wait()
		return true
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
