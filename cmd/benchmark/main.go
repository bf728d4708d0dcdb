// Benchmark tool for load-testing the Kestrel decision endpoints.
//
// Usage:
//
//	go run cmd/benchmark/main.go -url http://localhost:8080 -requests 10000 -workers 10
//
// This tool:
//  1. Seeds synthetic users, products, and behavioral events
//  2. Drives POST /risk/score and GET /recommendations/{id} concurrently
//  3. Reports latency percentiles, decision distribution, and cache hit rate
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type riskRequest struct {
	UserID    string `json:"userId"`
	ProductID string `json:"productId"`
	Amount    int64  `json:"amount"`
}

type riskResponse struct {
	RiskScore float64  `json:"riskScore"`
	Decision  string   `json:"decision"`
	Reasons   []string `json:"reasons"`
}

type counters struct {
	total      atomic.Int64
	errors     atomic.Int64
	allow      atomic.Int64
	challenge  atomic.Int64
	block      atomic.Int64
	cacheHits  atomic.Int64
	cacheMiss  atomic.Int64
	recommends atomic.Int64
}

type latencies struct {
	mu      sync.Mutex
	samples []time.Duration
}

func (l *latencies) add(d time.Duration) {
	l.mu.Lock()
	l.samples = append(l.samples, d)
	l.mu.Unlock()
}

func (l *latencies) percentile(p float64) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(l.samples))
	copy(sorted, l.samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	requests := flag.Int("requests", 10000, "Total requests to send")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	users := flag.Int("users", 100, "Synthetic users to seed")
	products := flag.Int("products", 50, "Synthetic products to seed")
	riskRatio := flag.Float64("risk-ratio", 0.5, "Fraction of requests that are risk scores (rest are recommendations)")
	flag.Parse()

	fmt.Println("KESTREL BENCHMARK")
	fmt.Printf("  URL:        %s\n", *baseURL)
	fmt.Printf("  Requests:   %d\n", *requests)
	fmt.Printf("  Workers:    %d\n", *workers)
	fmt.Printf("  Risk ratio: %.2f\n", *riskRatio)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		os.Exit(1)
	}
	fmt.Println("Kestrel is healthy")

	client := &http.Client{Timeout: 10 * time.Second}

	fmt.Printf("Seeding %d users, %d products...\n", *users, *products)
	userIDs, productIDs, err := seed(client, *baseURL, *users, *products)
	if err != nil {
		fmt.Printf("ERROR: seeding failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Running %d requests with %d workers...\n", *requests, *workers)
	start := time.Now()

	var c counters
	riskLat := &latencies{}
	recLat := &latencies{}

	work := make(chan int, 100)
	var wg sync.WaitGroup

	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			wc := &http.Client{Timeout: 10 * time.Second}

			for range work {
				userID := userIDs[rng.Intn(len(userIDs))]
				productID := productIDs[rng.Intn(len(productIDs))]

				reqStart := time.Now()
				if rng.Float64() < *riskRatio {
					doRisk(wc, *baseURL, userID, productID, rng, &c)
					riskLat.add(time.Since(reqStart))
				} else {
					doRecommend(wc, *baseURL, userID, productID, &c)
					recLat.add(time.Since(reqStart))
				}
				c.total.Add(1)
			}
		}(int64(i))
	}

	for i := 0; i < *requests; i++ {
		work <- i
	}
	close(work)
	wg.Wait()

	duration := time.Since(start)
	printResults(&c, riskLat, recLat, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// seed creates synthetic users, products, and a burst of view/purchase
// events so feature extraction has history to work with.
func seed(client *http.Client, baseURL string, users, products int) ([]string, []string, error) {
	userIDs := make([]string, 0, users)
	for i := 0; i < users; i++ {
		id := fmt.Sprintf("bench-user-%d", i)
		if err := postJSON(client, baseURL+"/users", map[string]any{"id": id}); err != nil {
			return nil, nil, err
		}
		userIDs = append(userIDs, id)
	}

	categories := []string{"electronics", "apparel", "home", "sports"}
	productIDs := make([]string, 0, products)
	for i := 0; i < products; i++ {
		id := fmt.Sprintf("bench-product-%d", i)
		if err := postJSON(client, baseURL+"/products", map[string]any{
			"id":         id,
			"name":       fmt.Sprintf("Benchmark Product %d", i),
			"categoryId": categories[i%len(categories)],
			"price":      int64(1000 + i*500),
		}); err != nil {
			return nil, nil, err
		}
		productIDs = append(productIDs, id)
	}

	types := []string{"VIEW", "VIEW", "VIEW", "CLICK", "CART", "PURCHASE"}
	for i := 0; i < users*5; i++ {
		if err := postJSON(client, baseURL+"/events", map[string]any{
			"userId":    userIDs[i%len(userIDs)],
			"productId": productIDs[i%len(productIDs)],
			"type":      types[i%len(types)],
		}); err != nil {
			return nil, nil, err
		}
	}

	return userIDs, productIDs, nil
}

func postJSON(client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: status %d", url, resp.StatusCode)
	}
	return nil
}

func doRisk(client *http.Client, baseURL, userID, productID string, rng *rand.Rand, c *counters) {
	// Mostly ordinary amounts with an occasional large one to exercise
	// the high-value rules.
	amount := int64(1000 + rng.Intn(40000))
	if rng.Float64() < 0.05 {
		amount = 250000
	}

	body, _ := json.Marshal(riskRequest{UserID: userID, ProductID: productID, Amount: amount})
	resp, err := client.Post(baseURL+"/risk/score", "application/json", bytes.NewReader(body))
	if err != nil {
		c.errors.Add(1)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.errors.Add(1)
		return
	}

	var result riskResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		c.errors.Add(1)
		return
	}

	switch result.Decision {
	case "ALLOW":
		c.allow.Add(1)
	case "CHALLENGE":
		c.challenge.Add(1)
	case "BLOCK":
		c.block.Add(1)
	}
}

func doRecommend(client *http.Client, baseURL, userID, productID string, c *counters) {
	resp, err := client.Get(baseURL + "/recommendations/" + productID + "?userId=" + userID)
	if err != nil {
		c.errors.Add(1)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.errors.Add(1)
		return
	}

	c.recommends.Add(1)
	switch resp.Header.Get("X-Cache-Status") {
	case "HIT":
		c.cacheHits.Add(1)
	case "MISS":
		c.cacheMiss.Add(1)
	}
	// Drain body so the connection is reused.
	var sink json.RawMessage
	_ = json.NewDecoder(resp.Body).Decode(&sink)
}

func printResults(c *counters, riskLat, recLat *latencies, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\n  Total requests:  %d\n", c.total.Load())
	fmt.Printf("  Errors:          %d\n", c.errors.Load())
	fmt.Printf("  Duration:        %v\n", duration.Round(time.Millisecond))
	if c.total.Load() > 0 {
		fmt.Printf("  Throughput:      %.2f req/sec\n", float64(c.total.Load())/duration.Seconds())
	}

	fmt.Println("\n  RISK DECISIONS")
	fmt.Printf("    ALLOW:     %d\n", c.allow.Load())
	fmt.Printf("    CHALLENGE: %d\n", c.challenge.Load())
	fmt.Printf("    BLOCK:     %d\n", c.block.Load())
	fmt.Printf("    p50: %v  p95: %v  p99: %v\n",
		riskLat.percentile(0.50).Round(time.Microsecond),
		riskLat.percentile(0.95).Round(time.Microsecond),
		riskLat.percentile(0.99).Round(time.Microsecond),
	)

	fmt.Println("\n  RECOMMENDATIONS")
	fmt.Printf("    Served:    %d\n", c.recommends.Load())
	if served := c.cacheHits.Load() + c.cacheMiss.Load(); served > 0 {
		fmt.Printf("    Cache hit rate: %.2f%%\n", 100*float64(c.cacheHits.Load())/float64(served))
	}
	fmt.Printf("    p50: %v  p95: %v  p99: %v\n",
		recLat.percentile(0.50).Round(time.Microsecond),
		recLat.percentile(0.95).Round(time.Microsecond),
		recLat.percentile(0.99).Round(time.Microsecond),
	)

	fmt.Println()
}
