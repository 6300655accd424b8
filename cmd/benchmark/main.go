// Benchmark tool for testing Kestrel against labeled fraud signal data.
//
// Usage:
//   go run cmd/benchmark/main.go -csv /path/to/signals.csv -url http://localhost:8080
//
// This tool:
//  1. Reads labeled signal data (one row per signal, with a fraud label
//     and per-module detector scores; empty score = module unavailable)
//  2. Sends each signal to Kestrel for detection
//  3. Treats HIGH and CRITICAL verdicts as fraud predictions
//  4. Calculates precision, recall, F1-score, and confusion matrix
//
// Expected CSV columns (header required, order free):
//   channel, sender, caller_id, urls, recipients, is_fraud,
//   credential, ai_text, malware, email_phishing, url, injection
// urls and recipients are pipe-separated lists.
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var moduleColumns = []string{"credential", "ai_text", "malware", "email_phishing", "url", "injection"}

// LabeledSignal represents a row from the benchmark dataset.
type LabeledSignal struct {
	Channel    string
	Sender     string
	CallerID   string
	URLs       []string
	Recipients []string
	Scores     map[string]float64 // module -> score; absent = unavailable
	IsFraud    bool
}

// DetectorInput mirrors the API detector result payload.
type DetectorInput struct {
	Module string   `json:"module"`
	Score  *float64 `json:"score"`
}

// DetectRequest is the Kestrel API request format.
type DetectRequest struct {
	Channel         string          `json:"channel"`
	Sender          string          `json:"sender,omitempty"`
	CallerID        string          `json:"callerId,omitempty"`
	URLs            []string        `json:"urls,omitempty"`
	Recipients      []string        `json:"recipients,omitempty"`
	DetectorResults []DetectorInput `json:"detectorResults"`
}

// DetectResponse is the Kestrel API response format.
type DetectResponse struct {
	DetectionID string  `json:"detectionId"`
	Score       float64 `json:"score"`
	Band        string  `json:"band"`
	Action      string  `json:"action"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	TruePositives  int64 // Fraud scored HIGH/CRITICAL
	FalsePositives int64 // Non-fraud scored HIGH/CRITICAL
	TrueNegatives  int64 // Non-fraud scored LOW/MEDIUM
	FalseNegatives int64 // Fraud scored LOW/MEDIUM (missed!)

	TotalProcessed int64
	TotalFraud     int64
	TotalNonFraud  int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to labeled signal CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	limit := flag.Int("limit", 10000, "Maximum signals to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each signal result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/signals.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║         KESTREL BENCHMARK - Fraud Signal Detection            ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	fmt.Printf("\nReading signal data from %s...\n", *csvPath)
	signals, err := readSignalCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d signals\n", len(signals))

	fraudCount := 0
	for _, s := range signals {
		if s.IsFraud {
			fraudCount++
		}
	}
	fmt.Printf("  - Fraud:     %d (%.2f%%)\n", fraudCount, 100*float64(fraudCount)/float64(len(signals)))
	fmt.Printf("  - Non-fraud: %d (%.2f%%)\n", len(signals)-fraudCount, 100*float64(len(signals)-fraudCount)/float64(len(signals)))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(signals, *baseURL, *tenantID, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
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

func readSignalCSV(path string, limit int) ([]LabeledSignal, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}

	field := func(record []string, name string) string {
		i, ok := colIndex[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var signals []LabeledSignal

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		sig := LabeledSignal{
			Channel:  field(record, "channel"),
			Sender:   field(record, "sender"),
			CallerID: field(record, "caller_id"),
			IsFraud:  field(record, "is_fraud") == "1",
			Scores:   make(map[string]float64),
		}
		if urls := field(record, "urls"); urls != "" {
			sig.URLs = strings.Split(urls, "|")
		}
		if recipients := field(record, "recipients"); recipients != "" {
			sig.Recipients = strings.Split(recipients, "|")
		}

		for _, module := range moduleColumns {
			raw := field(record, module)
			if raw == "" {
				continue // Module unavailable for this signal
			}
			score, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				continue
			}
			sig.Scores[module] = score
		}

		signals = append(signals, sig)

		if limit > 0 && len(signals) >= limit {
			break
		}
	}

	return signals, nil
}

func runBenchmark(signals []LabeledSignal, baseURL, tenantID string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan LabeledSignal, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for sig := range work {
				start := time.Now()
				result, err := detectSignal(client, baseURL, tenantID, sig)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", sig.Sender, err)
					}
					continue
				}

				if sig.IsFraud {
					atomic.AddInt64(&metrics.TotalFraud, 1)
				} else {
					atomic.AddInt64(&metrics.TotalNonFraud, 1)
				}

				predicted := result.Band == "HIGH" || result.Band == "CRITICAL"
				actual := sig.IsFraud

				if predicted && actual {
					atomic.AddInt64(&metrics.TruePositives, 1)
				} else if predicted && !actual {
					atomic.AddInt64(&metrics.FalsePositives, 1)
				} else if !predicted && !actual {
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				} else { // !predicted && actual
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if verbose {
					status := "✓"
					if predicted != actual {
						status = "✗"
					}
					sender := sig.Sender
					if len(sender) > 24 {
						sender = sender[:24]
					}
					fmt.Printf("%s %-24s | Channel: %-7s | Fraud: %-5v | Kestrel: %-8s (%.1f) %s\n",
						status, sender, sig.Channel, sig.IsFraud, result.Band, result.Score, result.Action)
				}
			}
		}()
	}

	for _, sig := range signals {
		work <- sig
	}
	close(work)

	wg.Wait()

	return metrics
}

func detectSignal(client *http.Client, baseURL, tenantID string, sig LabeledSignal) (*DetectResponse, error) {
	req := DetectRequest{
		Channel:    sig.Channel,
		Sender:     sig.Sender,
		CallerID:   sig.CallerID,
		URLs:       sig.URLs,
		Recipients: sig.Recipients,
	}
	for module, score := range sig.Scores {
		s := score
		req.DetectorResults = append(req.DetectorResults, DetectorInput{Module: module, Score: &s})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/detect", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result DetectResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Fraud:      %d\n", m.TotalFraud)
	fmt.Printf("   Total Non-Fraud:  %d\n", m.TotalNonFraud)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\n📈 CONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                   FRAUD       CLEAN")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  F  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("          NF  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}

	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}

	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	accuracy := float64(0)
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}

	fmt.Printf("\n🎯 DETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of fraud verdicts, how many were actual fraud)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of fraud, how many did we catch)\n", recall)
	fmt.Printf("   F1-Score:   %.4f  (harmonic mean of precision & recall)\n", f1)
	fmt.Printf("   Accuracy:   %.4f  (overall correct predictions)\n", accuracy)

	fmt.Printf("\n🔍 DETECTION ANALYSIS\n")
	if m.TotalFraud > 0 {
		detectionRate := float64(m.TruePositives) / float64(m.TotalFraud) * 100
		missRate := float64(m.FalseNegatives) / float64(m.TotalFraud) * 100
		fmt.Printf("   Fraud Detected:    %d / %d (%.2f%%)\n", m.TruePositives, m.TotalFraud, detectionRate)
		fmt.Printf("   Fraud Missed:      %d / %d (%.2f%%) ⚠️\n", m.FalseNegatives, m.TotalFraud, missRate)
	}
	if m.TotalNonFraud > 0 {
		falseAlarmRate := float64(m.FalsePositives) / float64(m.TotalNonFraud) * 100
		fmt.Printf("   False Alarms:      %d / %d (%.2f%%)\n", m.FalsePositives, m.TotalNonFraud, falseAlarmRate)
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		sps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f signals/sec\n", sps)
	}

	fmt.Printf("\n💡 INTERPRETATION\n")
	if recall >= 0.9 {
		fmt.Println("   ✅ Excellent recall - catching most fraud")
	} else if recall >= 0.7 {
		fmt.Println("   ⚠️  Good recall - but missing some fraud")
	} else if recall >= 0.5 {
		fmt.Println("   ⚠️  Moderate recall - significant fraud being missed")
	} else {
		fmt.Println("   ❌ Poor recall - most fraud is being missed!")
	}

	if precision >= 0.5 {
		fmt.Println("   ✅ Good precision - fraud verdicts are meaningful")
	} else if precision >= 0.2 {
		fmt.Println("   ⚠️  Low precision - many false alarms")
	} else {
		fmt.Println("   ❌ Very low precision - mostly false alarms")
	}

	fmt.Println()
}
