package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	fleetSize   int
)

// Metrics
var (
	totalRequests uint64
	success200    uint64 // Idempotent replays
	success201    uint64 // Created
	fail409       uint64 // Conflicts / in-flight duplicates
	fail422       uint64 // Insufficient funds and friends
	failOther     uint64
)

type wallet struct {
	Address string
	Token   string
}

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.IntVar(&fleetSize, "fleet", 100, "Number of wallets to register")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s | Fleet: %d",
		workload, concurrency, duration, fleetSize)

	fleet, err := registerFleet()
	if err != nil {
		log.Fatalf("Fleet setup failed: %v", err)
	}

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, fleet)
	}

	wg.Wait()
	printResults(time.Since(start))
}

// registerFleet creates the wallets the workload will shuffle value
// between, and logs each one in to obtain a bearer token.
func registerFleet() ([]wallet, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	fleet := make([]wallet, 0, fleetSize)

	for i := 0; i < fleetSize; i++ {
		var reg struct {
			Address string `json:"address"`
		}
		if err := postJSON(client, "/auth/register", map[string]any{"password": "bench-secret"}, "", &reg); err != nil {
			return nil, fmt.Errorf("register: %w", err)
		}

		var session struct {
			AccessToken string `json:"access_token"`
		}
		if err := postJSON(client, "/auth/login", map[string]any{
			"address": reg.Address, "password": "bench-secret",
		}, "", &session); err != nil {
			return nil, fmt.Errorf("login: %w", err)
		}

		fleet = append(fleet, wallet{Address: reg.Address, Token: session.AccessToken})
	}
	return fleet, nil
}

func postJSON(client *http.Client, path string, payload any, token string, out any) error {
	body, _ := json.Marshal(payload)
	req, _ := http.NewRequest("POST", targetURL+path, bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func worker(wg *sync.WaitGroup, start time.Time, fleet []wallet) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < duration {
		from, to := pickPair(len(fleet))
		amount := int64(100)

		// Unique key per logical request; replay measurement comes from
		// retries the server itself induces, not key reuse.
		key := fmt.Sprintf("bench-%d-%d-%d", from, to, time.Now().UnixNano())

		payload := map[string]interface{}{
			"dest_account": fleet[to].Address,
			"amount":       amount,
		}
		body, _ := json.Marshal(payload)

		req, _ := http.NewRequest("POST", targetURL+"/api/v1/transfers", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+fleet[from].Token)
		req.Header.Set("Idempotency-Key", key)

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case 201:
			atomic.AddUint64(&success201, 1)
		case 200:
			atomic.AddUint64(&success200, 1)
		case 409:
			atomic.AddUint64(&fail409, 1)
		case 422:
			atomic.AddUint64(&fail422, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func pickPair(fleet int) (int, int) {
	if workload == "hotspot" {
		// Hotspot: 90% of traffic bounces between wallets 0 and 1
		if rand.Float32() < 0.90 {
			if rand.Float32() < 0.5 {
				return 0, 1
			}
			return 1, 0
		}
	}

	a := rand.Intn(fleet)
	b := rand.Intn(fleet)
	for a == b {
		b = rand.Intn(fleet)
	}
	return a, b
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&success201)
	s200 := atomic.LoadUint64(&success200)
	f409 := atomic.LoadUint64(&fail409)
	f422 := atomic.LoadUint64(&fail422)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	abortRate := float64(f409) / float64(total) * 100

	results := map[string]interface{}{
		"workload":        workload,
		"duration_sec":    d.Seconds(),
		"total_requests":  total,
		"throughput_tps":  tps,
		"success_created": s201,
		"success_replay":  s200,
		"aborts_conflict": f409,
		"rejected":        f422,
		"abort_rate_pct":  abortRate,
		"errors":          fErr,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, _ := os.Create(filename)
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
