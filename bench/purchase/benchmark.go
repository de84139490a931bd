package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

type CommitResponse struct {
	TxHash      string `json:"tx_hash"`
	BlockHeight int64  `json:"block_height"`
}

type PurchaseResult struct {
	Success  bool
	Conflict bool
	Latency  time.Duration
	ErrorMsg string
}

func main() {
	workers := flag.Int("workers", 10, "Number of concurrent buyers")
	duration := flag.Int("duration", 30, "Test duration in seconds")
	port := flag.String("port", "5000", "Ledger node HTTP port")
	admin := flag.String("admin", "", "Admin address configured on the node (required)")
	supply := flag.Uint64("supply", 100000, "Verified tons available for the run")
	price := flag.Uint64("price", 5, "Price per ton")
	flag.Parse()

	if *admin == "" {
		fmt.Println("Error: -admin is required and must match the node's ADMIN_ADDRESS")
		os.Exit(1)
	}

	recordsDir := "./records"
	os.MkdirAll(recordsDir, 0755)

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	filename := filepath.Join(recordsDir, fmt.Sprintf(
		"purchase_%s_w%d_d%ds.csv",
		timestamp, *workers, *duration,
	))

	fmt.Println("========================================")
	fmt.Println("   PURCHASE CONTENTION BENCHMARK")
	fmt.Println("========================================")
	fmt.Printf("Workers:    %d\n", *workers)
	fmt.Printf("Duration:   %ds\n", *duration)
	fmt.Printf("Node URL:   http://127.0.0.1:%s\n", *port)
	fmt.Printf("Supply:     %d tons @ %d per ton\n", *supply, *price)
	fmt.Printf("Output:     %s\n", filename)
	fmt.Println("========================================")
	fmt.Println("")

	baseURL := fmt.Sprintf("http://127.0.0.1:%s", *port)
	runID := time.Now().UnixNano()

	seller := fmt.Sprintf("0xbe9c5e11e7%013x", runID)
	client := NewHTTPClient(baseURL)

	fmt.Println("Setting up seller, buyers and verified supply...")
	if err := setup(client, *admin, seller, *workers, runID, *supply, *price); err != nil {
		fmt.Printf("Setup failed: %v\n", err)
		os.Exit(1)
	}

	// Channels for communication
	stopChan := make(chan struct{})
	resultsChan := make(chan PurchaseResult, *workers*10)

	// Counters
	var totalReqs int64
	var successReqs int64
	var conflictReqs int64
	var failedReqs int64
	var totalLatency int64
	var minLatency int64 = 1<<63 - 1
	var maxLatency int64 = 0

	var wg sync.WaitGroup

	fmt.Println("Starting buyers...")
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go worker(i, baseURL, seller, runID, *price, stopChan, resultsChan, &wg)
	}

	// Result collector
	var collectorWg sync.WaitGroup
	collectorWg.Add(1)
	go func() {
		defer collectorWg.Done()
		for result := range resultsChan {
			atomic.AddInt64(&totalReqs, 1)

			switch {
			case result.Success:
				atomic.AddInt64(&successReqs, 1)
				latencyNs := result.Latency.Nanoseconds()
				atomic.AddInt64(&totalLatency, latencyNs)

				for {
					old := atomic.LoadInt64(&minLatency)
					if latencyNs >= old || atomic.CompareAndSwapInt64(&minLatency, old, latencyNs) {
						break
					}
				}

				for {
					old := atomic.LoadInt64(&maxLatency)
					if latencyNs <= old || atomic.CompareAndSwapInt64(&maxLatency, old, latencyNs) {
						break
					}
				}
			case result.Conflict:
				atomic.AddInt64(&conflictReqs, 1)
			default:
				atomic.AddInt64(&failedReqs, 1)
			}

			if totalReqs%10 == 0 {
				fmt.Printf("\rRequests: %d | Success: %d | Conflicts: %d | Failed: %d",
					totalReqs, successReqs, conflictReqs, failedReqs)
			}
		}
	}()

	startTime := time.Now()
	fmt.Printf("Running benchmark for %d seconds...\n", *duration)
	time.Sleep(time.Duration(*duration) * time.Second)

	close(stopChan)
	wg.Wait()
	close(resultsChan)
	collectorWg.Wait()

	elapsed := time.Since(startTime)

	tps := float64(totalReqs) / elapsed.Seconds()
	avgLatency := time.Duration(0)
	if successReqs > 0 {
		avgLatency = time.Duration(totalLatency / successReqs)
	}

	fmt.Println("\n\n========================================")
	fmt.Println("   BENCHMARK RESULTS")
	fmt.Println("========================================")
	fmt.Printf("Total Requests:    %d\n", totalReqs)
	fmt.Printf("Successful:        %d (%.2f%%)\n", successReqs, float64(successReqs)/float64(totalReqs)*100)
	fmt.Printf("Supply Conflicts:  %d (%.2f%%)\n", conflictReqs, float64(conflictReqs)/float64(totalReqs)*100)
	fmt.Printf("Failed:            %d (%.2f%%)\n", failedReqs, float64(failedReqs)/float64(totalReqs)*100)
	fmt.Printf("Duration:          %v\n", elapsed)
	fmt.Printf("Throughput (TPS):  %.2f\n", tps)
	fmt.Printf("Avg Latency:       %v\n", avgLatency)
	fmt.Printf("Min Latency:       %v\n", time.Duration(minLatency))
	fmt.Printf("Max Latency:       %v\n", time.Duration(maxLatency))
	fmt.Println("========================================")

	file, err := os.Create(filename)
	if err != nil {
		fmt.Printf("Error creating file: %v\n", err)
		return
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	writer.Write([]string{
		"Workers", "Duration_s", "Supply_Tons",
		"Total_Requests", "Successful", "Supply_Conflicts", "Failed",
		"TPS", "Avg_Latency_ms", "Min_Latency_ms", "Max_Latency_ms",
	})

	writer.Write([]string{
		fmt.Sprintf("%d", *workers),
		fmt.Sprintf("%d", *duration),
		fmt.Sprintf("%d", *supply),
		fmt.Sprintf("%d", totalReqs),
		fmt.Sprintf("%d", successReqs),
		fmt.Sprintf("%d", conflictReqs),
		fmt.Sprintf("%d", failedReqs),
		fmt.Sprintf("%.2f", tps),
		fmt.Sprintf("%.2f", float64(avgLatency.Milliseconds())),
		fmt.Sprintf("%.2f", float64(time.Duration(minLatency).Milliseconds())),
		fmt.Sprintf("%.2f", float64(time.Duration(maxLatency).Milliseconds())),
	})

	fmt.Printf("\nResults saved to: %s\n", filename)
}

// setup registers the seller and one buyer per worker, then submits and
// verifies the supply every purchase will draw from.
func setup(client *HTTPClient, admin, seller string, workers int, runID int64, supply, price uint64) error {
	resp, err := client.POST("/carbon/register", map[string]interface{}{
		"caller":  seller,
		"role":    "seller",
		"name":    "Benchmark Seller",
		"company": "Load Test Co",
	})
	if err != nil {
		return fmt.Errorf("register seller: %v", err)
	}
	var commit CommitResponse
	if err := UnmarshalBody(resp, &commit); err != nil {
		return fmt.Errorf("register seller unmarshal: %v", err)
	}

	for i := 0; i < workers; i++ {
		resp, err := client.POST("/carbon/register", map[string]interface{}{
			"caller": buyerAddress(runID, i),
			"role":   "buyer",
			"name":   fmt.Sprintf("Benchmark Buyer %d", i),
		})
		if err != nil {
			return fmt.Errorf("register buyer %d: %v", i, err)
		}
		DrainBody(resp)
	}

	resp, err = client.POST("/carbon/submissions", map[string]interface{}{
		"caller":        seller,
		"amount":        supply,
		"price_per_ton": price,
	})
	if err != nil {
		return fmt.Errorf("submit carbon: %v", err)
	}
	if err := UnmarshalBody(resp, &commit); err != nil {
		return fmt.Errorf("submit carbon unmarshal: %v", err)
	}

	resp, err = client.POST("/carbon/verify", map[string]interface{}{
		"caller":                 admin,
		"seller":                 seller,
		"submission_id":          1,
		"verified_amount":        supply,
		"verified_price_per_ton": price,
	})
	if err != nil {
		return fmt.Errorf("verify submission: %v", err)
	}
	if err := UnmarshalBody(resp, &commit); err != nil {
		return fmt.Errorf("verify submission unmarshal: %v", err)
	}

	return nil
}

func buyerAddress(runID int64, worker int) string {
	return fmt.Sprintf("0xb01%013x%04d", runID, worker)
}

func worker(id int, baseURL, seller string, runID int64, price uint64, stopChan chan struct{}, resultsChan chan PurchaseResult, wg *sync.WaitGroup) {
	defer wg.Done()

	client := NewHTTPClient(baseURL)
	buyer := buyerAddress(runID, id)

	for {
		select {
		case <-stopChan:
			return
		default:
			start := time.Now()
			conflict, err := buyOne(client, buyer, seller, price)
			latency := time.Since(start)

			result := PurchaseResult{
				Success:  err == nil && !conflict,
				Conflict: conflict,
				Latency:  latency,
			}
			if err != nil {
				result.ErrorMsg = err.Error()
			}

			resultsChan <- result
		}
	}
}

// buyOne purchases a single ton with the exact required payment. A 409
// means the supply ran out under contention, which the run reports
// separately from transport or node failures.
func buyOne(client *HTTPClient, buyer, seller string, price uint64) (bool, error) {
	resp, err := client.POST("/carbon/buy", map[string]interface{}{
		"caller":        buyer,
		"seller":        seller,
		"submission_id": 1,
		"amount":        1,
		"payment":       price,
	})
	if err != nil {
		return false, fmt.Errorf("buy tokens: %v", err)
	}
	defer DrainBody(resp)

	if resp.StatusCode == http.StatusConflict {
		return true, nil
	}
	if resp.StatusCode >= 400 {
		return false, fmt.Errorf("buy tokens: HTTP %d", resp.StatusCode)
	}
	return false, nil
}
