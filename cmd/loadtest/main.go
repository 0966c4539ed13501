// The loadtest binary hammers a running backend with synthetic binaries
// through the public SDK and reports throughput and latency percentiles.
//
// Two modes: unique payloads measure the full ingest path, and -dedup
// uploads the same bytes from every worker so all but one request should
// come back as a cache hit.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deepbin/backend/pkg/sdk"
)

// LoadTestConfig holds the run parameters.
type LoadTestConfig struct {
	BaseURL        string
	APIKey         string
	NumUploads     int
	Concurrency    int
	PayloadBytes   int
	Dedup          bool
	WaitForResults bool
	ReportInterval time.Duration
}

// LoadTestStats tracks run counters.
type LoadTestStats struct {
	TotalUploads        uint64
	Accepted            uint64
	CacheHits           uint64
	Rejected            uint64
	Completed           uint64
	Failed              uint64
	TotalDuration       time.Duration
	AvgLatency          time.Duration
	MaxLatency          time.Duration
	MinLatency          time.Duration
	P95Latency          time.Duration
	P99Latency          time.Duration
	ThroughputPerSecond float64
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Backend base URL")
	apiKey := flag.String("key", "", "API key (db_<id>.<secret>)")
	uploads := flag.Int("uploads", 200, "Number of uploads")
	concurrency := flag.Int("concurrency", 20, "Number of concurrent workers")
	payloadBytes := flag.Int("size", 64*1024, "Synthetic binary size in bytes")
	dedup := flag.Bool("dedup", false, "Upload identical bytes to exercise the hash cache")
	wait := flag.Bool("wait", false, "Poll each job to a terminal state (end-to-end latency)")
	reportInterval := flag.Duration("report", 5*time.Second, "Stats reporting interval")
	flag.Parse()

	if *apiKey == "" {
		slog.Error("An API key is required (-key)")
		return
	}

	config := LoadTestConfig{
		BaseURL:        *baseURL,
		APIKey:         *apiKey,
		NumUploads:     *uploads,
		Concurrency:    *concurrency,
		PayloadBytes:   *payloadBytes,
		Dedup:          *dedup,
		WaitForResults: *wait,
		ReportInterval: *reportInterval,
	}

	slog.Info("🚀 Starting upload load test")
	slog.Info("Target", "url", config.BaseURL)
	slog.Info("Uploads", "count", config.NumUploads, "concurrency", config.Concurrency)
	slog.Info("Payload", "bytes", config.PayloadBytes, "dedup", config.Dedup, "wait", config.WaitForResults)

	stats := runLoadTest(config)
	printResults(stats, config)
}

func runLoadTest(config LoadTestConfig) *LoadTestStats {
	client := sdk.NewClient(sdk.Config{
		BaseURL: config.BaseURL,
		APIKey:  config.APIKey,
	})

	stats := &LoadTestStats{
		MinLatency: time.Hour, // shrinks to the first observation
	}
	var latencies []time.Duration
	var latenciesMu sync.Mutex

	seed := time.Now().UnixNano()
	shared := payloadFor(seed, 0, config.PayloadBytes)

	uploadChan := make(chan int, config.NumUploads)
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reportStats(ctx, stats, config.ReportInterval)

	startTime := time.Now()
	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for uploadID := range uploadChan {
				payload := shared
				if !config.Dedup {
					payload = payloadFor(seed, uploadID+1, config.PayloadBytes)
				}
				processUpload(ctx, client, config, uploadID, payload, stats, &latencies, &latenciesMu)
			}
		}()
	}

	for i := 0; i < config.NumUploads; i++ {
		uploadChan <- i
	}
	close(uploadChan)

	wg.Wait()
	totalDuration := time.Since(startTime)

	stats.TotalDuration = totalDuration
	stats.ThroughputPerSecond = float64(stats.TotalUploads) / totalDuration.Seconds()

	latenciesMu.Lock()
	if len(latencies) > 0 {
		stats.AvgLatency = calculateAverage(latencies)
		stats.P95Latency = calculatePercentile(latencies, 95)
		stats.P99Latency = calculatePercentile(latencies, 99)
	}
	latenciesMu.Unlock()

	return stats
}

// payloadFor builds a deterministic pseudo-binary: an ELF magic header
// followed by seeded random bytes, distinct per upload id.
func payloadFor(seed int64, uploadID, size int) []byte {
	buf := make([]byte, size)
	copy(buf, "\x7fELF")
	rng := rand.New(rand.NewSource(seed + int64(uploadID)))
	rng.Read(buf[4:])
	return buf
}

func processUpload(
	ctx context.Context,
	client *sdk.Client,
	config LoadTestConfig,
	uploadID int,
	payload []byte,
	stats *LoadTestStats,
	latencies *[]time.Duration,
	latenciesMu *sync.Mutex,
) {
	filename := fmt.Sprintf("loadtest-%d.bin", uploadID)

	start := time.Now()
	receipt, err := client.Analyze(ctx, filename, bytes.NewReader(payload))
	if err == nil && config.WaitForResults && !receipt.Cached {
		var job *sdk.Job
		job, err = client.WaitForResults(ctx, receipt.JobID)
		if err == nil {
			if job.Status == sdk.StatusCompleted {
				atomic.AddUint64(&stats.Completed, 1)
			} else {
				atomic.AddUint64(&stats.Failed, 1)
			}
		}
	}
	latency := time.Since(start)

	atomic.AddUint64(&stats.TotalUploads, 1)
	switch {
	case err != nil:
		atomic.AddUint64(&stats.Rejected, 1)
	case receipt.Cached:
		atomic.AddUint64(&stats.CacheHits, 1)
	default:
		atomic.AddUint64(&stats.Accepted, 1)
	}

	latenciesMu.Lock()
	*latencies = append(*latencies, latency)
	if latency > stats.MaxLatency {
		stats.MaxLatency = latency
	}
	if latency < stats.MinLatency {
		stats.MinLatency = latency
	}
	latenciesMu.Unlock()
}

func reportStats(ctx context.Context, stats *LoadTestStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			slog.Info("Progress",
				"total", atomic.LoadUint64(&stats.TotalUploads),
				"accepted", atomic.LoadUint64(&stats.Accepted),
				"cache_hits", atomic.LoadUint64(&stats.CacheHits),
				"rejected", atomic.LoadUint64(&stats.Rejected),
				"min_latency", stats.MinLatency,
				"max_latency", stats.MaxLatency)
		case <-ctx.Done():
			return
		}
	}
}

func printResults(stats *LoadTestStats, config LoadTestConfig) {
	separator := "================================================================================"
	divider := "--------------------------------------------------------------------------------"

	fmt.Println("\n" + separator)
	fmt.Println("📊 LOAD TEST RESULTS")
	fmt.Println(separator)
	fmt.Printf("Total Uploads:          %d\n", stats.TotalUploads)
	fmt.Printf("Accepted:               %d (%.2f%%)\n",
		stats.Accepted, percent(stats.Accepted, stats.TotalUploads))
	fmt.Printf("Cache Hits:             %d (%.2f%%)\n",
		stats.CacheHits, percent(stats.CacheHits, stats.TotalUploads))
	fmt.Printf("Rejected:               %d (%.2f%%)\n",
		stats.Rejected, percent(stats.Rejected, stats.TotalUploads))
	if config.WaitForResults {
		fmt.Printf("Completed Jobs:         %d\n", stats.Completed)
		fmt.Printf("Failed Jobs:            %d\n", stats.Failed)
	}
	fmt.Println(divider)
	fmt.Printf("Total Duration:         %v\n", stats.TotalDuration)
	fmt.Printf("Throughput:             %.2f uploads/sec\n", stats.ThroughputPerSecond)
	fmt.Println(divider)
	fmt.Printf("Latency (min):          %v\n", stats.MinLatency)
	fmt.Printf("Latency (avg):          %v\n", stats.AvgLatency)
	fmt.Printf("Latency (p95):          %v\n", stats.P95Latency)
	fmt.Printf("Latency (p99):          %v\n", stats.P99Latency)
	fmt.Printf("Latency (max):          %v\n", stats.MaxLatency)
	fmt.Println(separator)

	okRate := percent(stats.Accepted+stats.CacheHits, stats.TotalUploads)
	if okRate >= 95 {
		fmt.Println("✅ PASS: Acceptance rate meets target (>95%)")
	} else {
		fmt.Println("❌ FAIL: Acceptance rate below target (<95%)")
	}

	if config.Dedup {
		hitRate := percent(stats.CacheHits, stats.TotalUploads)
		if hitRate >= 90 {
			fmt.Println("✅ PASS: Cache hit rate meets target (>90% on identical bytes)")
		} else {
			fmt.Println("⚠️  WARN: Cache hit rate below target (<90% on identical bytes)")
		}
	}

	if !config.WaitForResults && stats.P95Latency < 2*time.Second {
		fmt.Println("✅ PASS: P95 upload latency meets target (<2s)")
	} else if !config.WaitForResults {
		fmt.Println("⚠️  WARN: P95 upload latency above target (>2s)")
	}
	fmt.Println(separator + "\n")
}

func percent(part, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

func calculateAverage(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	return total / time.Duration(len(latencies))
}

func calculatePercentile(latencies []time.Duration, percentile int) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * float64(percentile) / 100.0)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
