package test

import (
	crand "crypto/rand"
	"fmt"
	"io"
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/allen1211/baskets/pkg/basket"
	"github.com/allen1211/baskets/pkg/client"
	"github.com/allen1211/baskets/pkg/client/etc"
	"github.com/allen1211/baskets/pkg/protocol"
)

const (
	defaultTotal = 1 << 12
	perfType     = 1
	perfRevision = 1
)

// PerformanceTest drives creates and gets of baskets whose content ids are
// first, first+1, ... through one client per thread.
type PerformanceTest struct {
	threads int
	length  int
	total   int
	first   uint64
	class   string
	out     io.Writer
	clients []client.API
}

func MakePerformanceTest(conf etc.ClientConf, logger *logrus.Logger, threads, length, total int, first uint64) (*PerformanceTest, error) {
	if total <= 0 {
		total = defaultTotal
	}
	if threads <= 0 {
		threads = 1
	}
	pt := &PerformanceTest{
		threads: threads,
		length:  length,
		total:   total,
		first:   first,
		class:   "perf",
		out:     os.Stdout,
	}
	for i := 0; i < threads; i++ {
		c, err := client.MakeClient(conf, logger)
		if err != nil {
			return nil, err
		}
		pt.clients = append(pt.clients, c)
	}
	return pt, nil
}

func (pt *PerformanceTest) key(i int) basket.Key {
	return basket.MakeKey(pt.first+uint64(i), perfType, perfRevision)
}

// split hands thread j the half-open range [from, to) of basket indexes.
func (pt *PerformanceTest) split(j int) (from, to int) {
	per := pt.total / pt.threads
	from = j * per
	to = from + per
	if j == pt.threads-1 {
		to = pt.total
	}
	return
}

func (pt *PerformanceTest) run(stat *PerformanceStat, f func(c client.API, rd *rand.Rand, i int)) Summary {
	go stat.run(pt.out)
	var wg sync.WaitGroup
	for j := 0; j < pt.threads; j++ {
		wg.Add(1)
		go func(j int) {
			defer wg.Done()
			rd := rand.New(rand.NewSource(time.Now().UnixNano() + int64(j)))
			from, to := pt.split(j)
			for i := from; i < to; i++ {
				f(pt.clients[j], rd, i)
			}
		}(j)
	}
	wg.Wait()
	return stat.stop(pt.out)
}

func (pt *PerformanceTest) create(c client.API, stat *PerformanceStat, body []byte, i int) {
	begin := time.Now()
	err := c.Create(pt.key(i), protocol.Hints{Length: int64(len(body)), Class: pt.class}, func(host, path string) error {
		return ioutil.WriteFile(filepath.Join(path, "data"), body, 0644)
	})
	if err != nil {
		fmt.Fprintln(pt.out, err)
		stat.incrFail()
		return
	}
	stat.incrSuccess(int64(len(body)), time.Since(begin).Nanoseconds())
}

func (pt *PerformanceTest) get(c client.API, stat *PerformanceStat, i int) {
	begin := time.Now()
	paths, err := c.Get(pt.key(i))
	if err != nil || len(paths) == 0 {
		fmt.Fprintln(pt.out, err)
		stat.incrFail()
		return
	}
	stat.incrSuccess(0, time.Since(begin).Nanoseconds())
}

func (pt *PerformanceTest) TestWriteOnly() Summary {
	stat := MakePerformanceStat()
	body := randBytes(pt.length)
	return pt.run(stat, func(c client.API, _ *rand.Rand, i int) {
		pt.create(c, stat, body, i)
	})
}

func (pt *PerformanceTest) TestReadOnly() Summary {
	stat := MakePerformanceStat()
	return pt.run(stat, func(c client.API, _ *rand.Rand, i int) {
		pt.get(c, stat, i)
	})
}

// TestReadWrite creates about three in ten baskets and looks up the rest.
func (pt *PerformanceTest) TestReadWrite() Summary {
	stat := MakePerformanceStat()
	body := randBytes(pt.length)
	return pt.run(stat, func(c client.API, rd *rand.Rand, i int) {
		if rd.Intn(10) < 3 {
			pt.create(c, stat, body, i)
		} else {
			pt.get(c, stat, i)
		}
	})
}

func randBytes(n int) []byte {
	b := make([]byte, n)
	_, _ = crand.Read(b)
	return b
}

type PerformanceStat struct {
	success      int64
	fail         int64
	flow         int64
	lat          int64
	totalSuccess int64
	totalFail    int64
	totalFlow    int64
	totalLat     int64

	begin time.Time
	done  chan struct{}
	exit  chan struct{}
}

func MakePerformanceStat() *PerformanceStat {
	return &PerformanceStat{
		begin: time.Now(),
		done:  make(chan struct{}),
		exit:  make(chan struct{}),
	}
}

func (stat *PerformanceStat) incrSuccess(length, cost int64) {
	atomic.AddInt64(&stat.success, 1)
	atomic.AddInt64(&stat.totalSuccess, 1)
	atomic.AddInt64(&stat.flow, length)
	atomic.AddInt64(&stat.totalFlow, length)
	atomic.AddInt64(&stat.lat, cost)
	atomic.AddInt64(&stat.totalLat, cost)
}

func (stat *PerformanceStat) incrFail() {
	atomic.AddInt64(&stat.fail, 1)
	atomic.AddInt64(&stat.totalFail, 1)
}

// Summary is the outcome of one run.
type Summary struct {
	Total      int64
	Success    int64
	QPS        float64
	Throughput float64
	Latency    time.Duration
}

func (s Summary) String() string {
	rate := 0.0
	if s.Total > 0 {
		rate = float64(s.Success) / float64(s.Total) * 100
	}
	return fmt.Sprintf("total=%d, average qps=%.1f \t throughput=%s \t latency=%v \t success=%.1f%%",
		s.Total, s.QPS, humanRate(s.Throughput), s.Latency.Round(time.Microsecond), rate)
}

func (stat *PerformanceStat) summary() Summary {
	cost := time.Since(stat.begin).Seconds()
	s := Summary{
		Success: atomic.LoadInt64(&stat.totalSuccess),
		Total:   atomic.LoadInt64(&stat.totalSuccess) + atomic.LoadInt64(&stat.totalFail),
	}
	if cost > 0 {
		s.QPS = float64(s.Success) / cost
		s.Throughput = float64(atomic.LoadInt64(&stat.totalFlow)) / cost
	}
	if s.Success > 0 {
		s.Latency = time.Duration(atomic.LoadInt64(&stat.totalLat) / s.Success)
	}
	return s
}

func (stat *PerformanceStat) stop(out io.Writer) Summary {
	close(stat.done)
	<-stat.exit
	s := stat.summary()
	fmt.Fprintln(out, s)
	return s
}

func (stat *PerformanceStat) run(out io.Writer) {
	defer close(stat.exit)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stat.done:
			return
		case <-ticker.C:
			success := atomic.SwapInt64(&stat.success, 0)
			fail := atomic.SwapInt64(&stat.fail, 0)
			flow := atomic.SwapInt64(&stat.flow, 0)
			lat := atomic.SwapInt64(&stat.lat, 0)
			if success+fail == 0 {
				continue
			}
			avg := time.Duration(0)
			if success > 0 {
				avg = time.Duration(lat / success)
			}
			fmt.Fprintf(out, "qps=%d \t throughput=%s \t latency=%v \t success=%.2f%%\n", success,
				humanRate(float64(flow)), avg.Round(time.Microsecond), float64(success)/float64(success+fail)*100)
		}
	}
}

func humanRate(bps float64) string {
	switch {
	case bps < 1<<10:
		return fmt.Sprintf("%.1fB/s", bps)
	case bps < 1<<20:
		return fmt.Sprintf("%.1fKB/s", bps/(1<<10))
	case bps < 1<<30:
		return fmt.Sprintf("%.1fMB/s", bps/(1<<20))
	}
	return fmt.Sprintf("%.1fGB/s", bps/(1<<30))
}
