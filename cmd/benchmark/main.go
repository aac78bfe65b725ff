// Benchmark tool for load-testing Kestrel with synthetic invoice batches.
//
// Usage:
//   go run cmd/benchmark/main.go -url http://localhost:8080 -batches 100 -rows 50
//
// This tool:
//   1. Seeds pricing rules for a set of synthetic vendors
//   2. Generates invoice CSV batches with a known accept/reject split
//   3. Submits each batch to POST /invoices and reads the summary
//   4. Compares Kestrel's verdicts with the expected ones and reports
//      throughput, latency and classification mismatches
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// vendorSpec describes one seeded vendor and the amounts that pass its rule.
type vendorSpec struct {
	Code        string
	Name        string
	Service     string
	PricingType string
	Fixed       string
	Min         string
	Max         string

	// PassAmount always satisfies the rule; FailAmount never does.
	PassAmount string
	FailAmount string
}

var vendors = []vendorSpec{
	{Code: "ACME", Name: "Acme Corp", Service: "cleaning", PricingType: "FIXED", Fixed: "150.00", PassAmount: "150.00", FailAmount: "151.00"},
	{Code: "GLOBO", Name: "Globo Logistics", Service: "freight", PricingType: "RANGE", Min: "500.00", Max: "1500.00", PassAmount: "1000.00", FailAmount: "1500.01"},
	{Code: "INITECH", Name: "Initech Systems", Service: "consulting", PricingType: "CEILING", Max: "2000.00", PassAmount: "1999.99", FailAmount: "2000.01"},
}

// expectation tracks the intended verdict for one generated invoice.
type expectation struct {
	InvoiceNumber string
	ShouldAccept  bool
}

// batchSummary mirrors the POST /invoices response.
type batchSummary struct {
	BatchID  string `json:"batchId"`
	Accepted int    `json:"accepted"`
	Rejected int    `json:"rejected"`
	Errored  int    `json:"errored"`
	Results  []struct {
		Status string `json:"status"`
		Record *struct {
			InvoiceNumber string `json:"invoiceNumber"`
		} `json:"record"`
	} `json:"results"`
}

// metrics tracks benchmark results.
type metrics struct {
	Batches    int64
	Invoices   int64
	Accepted   int64
	Rejected   int64
	Errored    int64
	Mismatches int64
	HTTPErrors int64
	LatencyMs  int64
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	batches := flag.Int("batches", 100, "Number of batches to submit")
	rows := flag.Int("rows", 50, "Invoice rows per batch")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	rejectRate := flag.Float64("reject", 0.2, "Fraction of rows generated to fail validation (0.0-1.0)")
	verbose := flag.Bool("verbose", false, "Print each batch result")
	flag.Parse()

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║           KESTREL BENCHMARK - Invoice Pipeline Load           ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nKestrel URL: %s\n", *baseURL)
	fmt.Printf("Batches:     %d\n", *batches)
	fmt.Printf("Rows/Batch:  %d\n", *rows)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Reject Rate: %.2f\n", *rejectRate)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	if err := seedRules(*baseURL); err != nil {
		fmt.Printf("ERROR: Failed to seed rules: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Seeded %d pricing rules\n", len(vendors))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	m := runBenchmark(*baseURL, *batches, *rows, *rejectRate, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(m, duration)
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

func seedRules(baseURL string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	for _, v := range vendors {
		rule := map[string]any{
			"vendorCode":  v.Code,
			"serviceName": v.Service,
			"pricingType": v.PricingType,
			"currency":    "USD",
		}
		if v.Fixed != "" {
			rule["fixedAmount"] = v.Fixed
		}
		if v.Min != "" {
			rule["minAmount"] = v.Min
		}
		if v.Max != "" {
			rule["maxAmount"] = v.Max
		}

		body, err := json.Marshal(rule)
		if err != nil {
			return err
		}
		resp, err := client.Post(baseURL+"/rules", "application/json", bytes.NewReader(body))
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			return fmt.Errorf("rule %s/%s: status %d", v.Code, v.Service, resp.StatusCode)
		}
	}
	return nil
}

// generateBatch builds one CSV batch and the expected verdict per row.
func generateBatch(rng *rand.Rand, batchNum, rows int, rejectRate float64) (string, []expectation) {
	var sb strings.Builder
	sb.WriteString("invoice_number,vendor,vendor_code,service,date,amount,note\n")

	expectations := make([]expectation, 0, rows)
	for i := 0; i < rows; i++ {
		v := vendors[rng.Intn(len(vendors))]
		shouldAccept := rng.Float64() >= rejectRate

		amount := v.PassAmount
		if !shouldAccept {
			amount = v.FailAmount
		}

		invoiceNumber := fmt.Sprintf("BENCH-%d-%d", batchNum, i)
		fmt.Fprintf(&sb, "%s,%s,%s,%s,2025-03-25,%s,benchmark\n",
			invoiceNumber, v.Name, v.Code, v.Service, amount)

		expectations = append(expectations, expectation{
			InvoiceNumber: invoiceNumber,
			ShouldAccept:  shouldAccept,
		})
	}

	return sb.String(), expectations
}

func runBenchmark(baseURL string, batches, rows int, rejectRate float64, numWorkers int, verbose bool) *metrics {
	m := &metrics{}

	work := make(chan int, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			client := &http.Client{Timeout: 60 * time.Second}
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)))

			for batchNum := range work {
				csv, expectations := generateBatch(rng, batchNum, rows, rejectRate)

				start := time.Now()
				summary, err := submitBatch(client, baseURL, batchNum, csv)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&m.LatencyMs, elapsed)
				atomic.AddInt64(&m.Batches, 1)

				if err != nil {
					atomic.AddInt64(&m.HTTPErrors, 1)
					if verbose {
						fmt.Printf("ERROR: batch %d -> %v\n", batchNum, err)
					}
					continue
				}

				atomic.AddInt64(&m.Invoices, int64(len(expectations)))
				atomic.AddInt64(&m.Accepted, int64(summary.Accepted))
				atomic.AddInt64(&m.Rejected, int64(summary.Rejected))
				atomic.AddInt64(&m.Errored, int64(summary.Errored))

				mismatches := countMismatches(summary, expectations)
				atomic.AddInt64(&m.Mismatches, int64(mismatches))

				if verbose {
					status := "✓"
					if mismatches > 0 {
						status = "✗"
					}
					fmt.Printf("%s batch %-5d | accepted: %3d | rejected: %3d | errored: %3d | mismatches: %d | %4dms\n",
						status, batchNum, summary.Accepted, summary.Rejected, summary.Errored, mismatches, elapsed)
				}
			}
		}(i)
	}

	for b := 0; b < batches; b++ {
		work <- b
	}
	close(work)

	wg.Wait()
	return m
}

func submitBatch(client *http.Client, baseURL string, batchNum int, csv string) (*batchSummary, error) {
	payload, err := json.Marshal(map[string]any{
		"filename": fmt.Sprintf("bench-%d.csv", batchNum),
		"source":   "benchmark",
		"content":  csv,
	})
	if err != nil {
		return nil, err
	}

	resp, err := client.Post(baseURL+"/invoices", "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var summary batchSummary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// countMismatches compares per-invoice verdicts against the generator's intent.
func countMismatches(summary *batchSummary, expectations []expectation) int {
	verdicts := make(map[string]string, len(summary.Results))
	for _, r := range summary.Results {
		if r.Record != nil {
			verdicts[r.Record.InvoiceNumber] = r.Status
		}
	}

	mismatches := 0
	for _, exp := range expectations {
		status, ok := verdicts[exp.InvoiceNumber]
		if !ok {
			mismatches++
			continue
		}
		accepted := status == "ACCEPTED"
		if accepted != exp.ShouldAccept {
			mismatches++
		}
	}
	return mismatches
}

func printResults(m *metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 VOLUME\n")
	fmt.Printf("   Batches:      %d\n", m.Batches)
	fmt.Printf("   Invoices:     %d\n", m.Invoices)
	fmt.Printf("   Accepted:     %d\n", m.Accepted)
	fmt.Printf("   Rejected:     %d\n", m.Rejected)
	fmt.Printf("   Errored:      %d\n", m.Errored)
	fmt.Printf("   HTTP Errors:  %d\n", m.HTTPErrors)

	fmt.Printf("\n🎯 CLASSIFICATION\n")
	fmt.Printf("   Mismatches:   %d\n", m.Mismatches)
	if m.Invoices > 0 {
		accuracy := float64(m.Invoices-m.Mismatches) / float64(m.Invoices)
		fmt.Printf("   Accuracy:     %.4f  (verdicts matching the generated intent)\n", accuracy)
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:  %v\n", duration.Round(time.Millisecond))
	if m.Batches > 0 {
		avgMs := float64(m.LatencyMs) / float64(m.Batches)
		fmt.Printf("   Avg Batch RTT:   %.2f ms\n", avgMs)
	}
	if m.Invoices > 0 {
		ips := float64(m.Invoices) / duration.Seconds()
		fmt.Printf("   Throughput:      %.2f invoices/sec\n", ips)
	}

	fmt.Println()
}
