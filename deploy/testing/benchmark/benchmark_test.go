// =============================================================================
// ADDRBROKER BENCHMARK SUITE
// =============================================================================
//
// Benchmarks against a running broker over the management API. Every test
// skips when no broker answers at ADDRBROKER_URL.
//
// USAGE:
//   # Local broker
//   ADDRBROKER_URL=http://localhost:8080 go test -bench=. -benchmem -v
//
//   # With authentication
//   ADDRBROKER_URL=https://broker-1:8080 ADDRBROKER_API_KEY=... go test -bench=. -v
//
//   # One benchmark
//   go test -bench=BenchmarkPublishDuplicate -benchmem -v
//
// WHAT WE MEASURE:
//   - Publish throughput, single and batched
//   - Concurrent producers on one address
//   - Duplicate-ID rejection cost
//   - Publish → consume → ack latency
//   - Sustained throughput and the flow-control outcome mix
//
// =============================================================================

package benchmark

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"addrbroker/internal/address"
	"addrbroker/internal/cli"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

var (
	baseURL = getEnv("ADDRBROKER_URL", "http://localhost:8080")
	apiKey  = os.Getenv("ADDRBROKER_API_KEY")

	mediumMessage = 1024 // 1 KB
)

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// =============================================================================
// TEST HELPERS
// =============================================================================

// newClient returns a client or skips when no broker is reachable.
func newClient(tb testing.TB) *cli.Client {
	tb.Helper()
	c := cli.NewClient(cli.ClientConfig{
		ServerURL: baseURL,
		Timeout:   30 * time.Second,
		APIKey:    apiKey,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := c.Health(ctx); err != nil {
		tb.Skipf("no broker at %s: %v", baseURL, err)
	}
	return c
}

// setupAddress creates an address with one bound queue and removes it when
// the test ends.
func setupAddress(tb testing.TB, c *cli.Client, prefix string) string {
	tb.Helper()
	ctx := context.Background()
	name := fmt.Sprintf("bench-%s-%d", prefix, time.Now().UnixNano())

	if _, err := c.CreateAddress(ctx, cli.CreateAddressRequest{Name: name}); err != nil {
		tb.Fatalf("CreateAddress: %v", err)
	}
	if err := c.Bind(ctx, name, "q", false); err != nil {
		tb.Fatalf("Bind: %v", err)
	}
	tb.Cleanup(func() { _ = c.DeleteAddress(context.Background(), name, true) })
	return name
}

func randomBody(size int) string {
	b := make([]byte, size/2)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func generateMessages(count, size int) []cli.PublishMessage {
	msgs := make([]cli.PublishMessage, count)
	for i := range msgs {
		msgs[i] = cli.PublishMessage{Body: randomBody(size)}
	}
	return msgs
}

// publish fails on transport errors and on per-message refusals.
func publish(c *cli.Client, name string, msgs []cli.PublishMessage) (*cli.PublishResponse, error) {
	resp, err := c.Publish(context.Background(), name, msgs)
	if err != nil {
		return nil, err
	}
	for _, r := range resp.Results {
		if r.Error != "" {
			return resp, fmt.Errorf("message refused: %s (%s)", r.Error, r.Kind)
		}
	}
	return resp, nil
}

// =============================================================================
// PUBLISH THROUGHPUT BENCHMARKS
// =============================================================================

// BenchmarkPublishSingleMessage measures one-message round trips: HTTP,
// flow-control decision and the route to one queue.
func BenchmarkPublishSingleMessage(b *testing.B) {
	c := newClient(b)
	name := setupAddress(b, c, "single")
	msg := generateMessages(1, mediumMessage)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := publish(c, name, msg); err != nil {
			b.Fatalf("Publish failed: %v", err)
		}
	}
	b.StopTimer()
	b.ReportMetric(float64(b.N)/b.Elapsed().Seconds(), "msgs/sec")
}

// BenchmarkPublishBatch amortizes the round trip over a batch.
func BenchmarkPublishBatch(b *testing.B) {
	for _, batchSize := range []int{10, 100, 500} {
		for _, msgSize := range []int{100, 1024, 10240} {
			b.Run(fmt.Sprintf("batch=%d/msgSize=%d", batchSize, msgSize), func(b *testing.B) {
				c := newClient(b)
				name := setupAddress(b, c, "batch")
				msgs := generateMessages(batchSize, msgSize)

				b.ResetTimer()
				b.ReportAllocs()
				var total int64
				for i := 0; i < b.N; i++ {
					if _, err := publish(c, name, msgs); err != nil {
						b.Fatalf("Publish failed: %v", err)
					}
					total += int64(batchSize)
				}
				b.StopTimer()
				b.ReportMetric(float64(total)/b.Elapsed().Seconds(), "msgs/sec")
				b.ReportMetric(float64(total*int64(msgSize))/b.Elapsed().Seconds()/1024/1024, "MB/sec")
			})
		}
	}
}

// BenchmarkPublishConcurrent runs several producers against one address, so
// they contend on the same flow controller.
func BenchmarkPublishConcurrent(b *testing.B) {
	for _, producers := range []int{1, 4, 16} {
		b.Run(fmt.Sprintf("producers=%d", producers), func(b *testing.B) {
			c := newClient(b)
			name := setupAddress(b, c, "concurrent")
			msgs := generateMessages(100, mediumMessage)

			perProducer := b.N / producers
			if perProducer < 1 {
				perProducer = 1
			}

			b.ResetTimer()
			var total int64
			var wg sync.WaitGroup
			for p := 0; p < producers; p++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < perProducer; i++ {
						if _, err := publish(c, name, msgs); err != nil {
							return
						}
						atomic.AddInt64(&total, int64(len(msgs)))
					}
				}()
			}
			wg.Wait()
			b.StopTimer()
			b.ReportMetric(float64(total)/b.Elapsed().Seconds(), "msgs/sec")
		})
	}
}

// BenchmarkPublishDuplicate measures the rejection path: every publish after
// the first carries an ID already in the duplicate cache.
func BenchmarkPublishDuplicate(b *testing.B) {
	c := newClient(b)
	name := setupAddress(b, c, "dup")
	msg := []cli.PublishMessage{{DuplicateID: "bench-dup", Body: randomBody(mediumMessage)}}
	if _, err := publish(c, name, msg); err != nil {
		b.Fatalf("Publish failed: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		resp, err := publish(c, name, msg)
		if err != nil {
			b.Fatalf("Publish failed: %v", err)
		}
		if got := resp.Results[0].Outcome; got != address.OutcomeDuplicate {
			b.Fatalf("outcome = %s, want %s", got, address.OutcomeDuplicate)
		}
	}
}

// =============================================================================
// LATENCY
// =============================================================================

// TestEndToEndLatency measures publish → consume → ack on a bound queue.
func TestEndToEndLatency(t *testing.T) {
	c := newClient(t)
	name := setupAddress(t, c, "latency")
	ctx := context.Background()

	const samples = 500
	latencies := make([]time.Duration, 0, samples)
	msg := generateMessages(1, 256)

	for i := 0; i < samples; i++ {
		start := time.Now()
		if _, err := publish(c, name, msg); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		resp, err := c.Consume(ctx, name, "q", 1)
		if err != nil {
			t.Fatalf("Consume failed: %v", err)
		}
		if len(resp.Deliveries) != 1 {
			t.Fatalf("deliveries = %d, want 1", len(resp.Deliveries))
		}
		if _, err := c.Ack(ctx, name, "q", []uint64{resp.Deliveries[0].Tag}); err != nil {
			t.Fatalf("Ack failed: %v", err)
		}
		latencies = append(latencies, time.Since(start))
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	var total time.Duration
	for _, l := range latencies {
		total += l
	}

	t.Logf("End-to-End Latency Results (n=%d):", samples)
	t.Logf("  Min:  %v", latencies[0])
	t.Logf("  Max:  %v", latencies[len(latencies)-1])
	t.Logf("  Avg:  %v", total/time.Duration(len(latencies)))
	t.Logf("  P50:  %v", latencies[len(latencies)*50/100])
	t.Logf("  P95:  %v", latencies[len(latencies)*95/100])
	t.Logf("  P99:  %v", latencies[len(latencies)*99/100])
}

// =============================================================================
// SUSTAINED THROUGHPUT
// =============================================================================

// TestSustainedThroughput publishes without consuming, so the address
// crosses its paging threshold and the outcome mix shifts from delivered to
// paged.
func TestSustainedThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping sustained throughput test in short mode")
	}
	c := newClient(t)
	name := setupAddress(t, c, "sustained")

	const (
		duration  = 30 * time.Second
		batchSize = 100
		producers = 8
	)
	msgs := generateMessages(batchSize, mediumMessage)

	var total int64
	var mu sync.Mutex
	outcomes := make(map[address.Outcome]int64)

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				resp, err := c.Publish(context.Background(), name, msgs)
				if err != nil {
					return
				}
				mu.Lock()
				for _, r := range resp.Results {
					if r.Error != "" {
						outcomes["refused:"+address.Outcome(r.Kind)]++
						continue
					}
					outcomes[r.Outcome]++
				}
				mu.Unlock()
				atomic.AddInt64(&total, int64(len(resp.Results)))
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	t.Logf("Sustained Throughput Test Results:")
	t.Logf("  Duration:     %v", elapsed)
	t.Logf("  Producers:    %d", producers)
	t.Logf("  Batch Size:   %d", batchSize)
	t.Logf("  Total Msgs:   %d", total)
	t.Logf("  Throughput:   %.2f msgs/sec", float64(total)/elapsed.Seconds())
	t.Logf("  Data Rate:    %.2f MB/sec", float64(total)*float64(mediumMessage)/elapsed.Seconds()/1024/1024)
	for outcome, n := range outcomes {
		t.Logf("  %-12s  %d", outcome, n)
	}

	info, err := c.DescribeAddress(context.Background(), name)
	if err != nil {
		t.Fatalf("DescribeAddress: %v", err)
	}
	t.Logf("  Paging:       %v (%d pages)", info.Paging, info.NumberOfPages)
}
