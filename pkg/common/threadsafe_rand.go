package common

import (
	"math/rand"
	"sync"
)

type ThreadSafeRand struct {
	r  *rand.Rand
	mu sync.Mutex
}

func MakeThreadSafeRand(seed int64) *ThreadSafeRand {
	r := rand.New(rand.NewSource(seed))
	return &ThreadSafeRand{r: r}
}

func (tsr *ThreadSafeRand) Intn(n int) int {
	tsr.mu.Lock()
	res := tsr.r.Intn(n)
	tsr.mu.Unlock()
	return res
}

func (tsr *ThreadSafeRand) Uint32() uint32 {
	tsr.mu.Lock()
	res := tsr.r.Uint32()
	tsr.mu.Unlock()
	return res
}

func (tsr *ThreadSafeRand) Shuffle(n int, swap func(i, j int)) {
	tsr.mu.Lock()
	tsr.r.Shuffle(n, swap)
	tsr.mu.Unlock()
}
