// Package main implements a load test harness for the tracking pipeline.
// It runs the real poll and delivery workers against a stub Bakong API and
// a local webhook sink, all in process, and measures end-to-end latency
// from track request to delivered webhook.
//
// Usage:
//
//	go run ./test/loadtest \
//	  -transactions 500 \
//	  -concurrency 20 \
//	  -settle-after 2 \
//	  -timeout 60s
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rachhen/khqr-webhook/internal/bakong"
	"github.com/rachhen/khqr-webhook/internal/circuitbreaker"
	"github.com/rachhen/khqr-webhook/internal/notifier"
	"github.com/rachhen/khqr-webhook/internal/poller"
	"github.com/rachhen/khqr-webhook/internal/queue/memqueue"
	"github.com/rachhen/khqr-webhook/internal/tokencache"
	"github.com/rachhen/khqr-webhook/internal/tracker"
)

func main() {
	var (
		transactions = flag.Int("transactions", 500, "Number of tracking attempts to seed")
		concurrency  = flag.Int("concurrency", 20, "Worker slots per queue")
		settleAfter  = flag.Int("settle-after", 2, "Poll attempts before a transaction settles")
		failEvery    = flag.Int("fail-every", 0, "Every Nth transaction fails definitively (0 disables)")
		timeout      = flag.Duration("timeout", 60*time.Second, "Overall harness deadline")
		pollInterval = flag.Duration("poll-interval", time.Millisecond, "Queue scheduler tick")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reportLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	// Stub Bakong: each md5 settles after settleAfter checks, except the
	// fail-every ones which fail definitively on the first check.
	var checkCalls atomic.Int64
	var perMD5 sync.Map
	bakongSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/renew_token":
			token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
				"exp": time.Now().Add(time.Hour).Unix(),
			})
			signed, _ := token.SignedString([]byte("loadtest"))
			json.NewEncoder(w).Encode(map[string]any{
				"responseCode": 0,
				"data":         map[string]string{"token": signed},
			})
		case "/v1/check_transaction_by_md5":
			checkCalls.Add(1)
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			md5 := body["md5"]

			if *failEvery > 0 && isFailing(md5, *failEvery) {
				errCode := 3
				json.NewEncoder(w).Encode(map[string]any{
					"responseCode": 1, "responseMessage": "Transaction failed.", "errorCode": errCode,
				})
				return
			}

			count, _ := perMD5.LoadOrStore(md5, new(atomic.Int64))
			if count.(*atomic.Int64).Add(1) < int64(*settleAfter) {
				errCode := 1
				json.NewEncoder(w).Encode(map[string]any{
					"responseCode": 1, "responseMessage": "Transaction could not be found.", "errorCode": errCode,
				})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"responseCode": 0,
				"data": map[string]any{
					"hash": md5, "fromAccountId": "payer@bank", "toAccountId": "merchant@bank",
					"currency": "KHR", "amount": 1000, "description": "loadtest",
					"createdDateMs": time.Now().UnixMilli(), "acknowledgedDateMs": time.Now().UnixMilli(),
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer bakongSrv.Close()

	// Webhook sink: records delivery time per job id.
	type delivery struct {
		status string
		at     time.Time
	}
	var deliveriesMu sync.Mutex
	deliveries := make(map[string]delivery)
	done := make(chan struct{})
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Status string `json:"status"`
			JobID  string `json:"jobId"`
		}
		json.NewDecoder(r.Body).Decode(&body)

		deliveriesMu.Lock()
		deliveries[body.JobID] = delivery{status: body.Status, at: time.Now()}
		complete := len(deliveries) == *transactions
		deliveriesMu.Unlock()

		io.WriteString(w, `{"received":true}`)
		if complete {
			close(done)
		}
	}))
	defer sink.Close()

	// Real pipeline on the in-memory queue.
	q := memqueue.New(logger, memqueue.WithPollInterval(*pollInterval))
	client := bakong.NewClient(bakongSrv.URL, 10*time.Second, logger)
	dispatcher := notifier.NewDispatcher(q, logger)
	deliverer := notifier.NewDeliverer(10*time.Second, circuitbreaker.NewRegistry(circuitbreaker.Config{}), logger)
	pollWorker := poller.New(client, dispatcher, poller.DefaultStalenessWindow, logger)

	must(q.RegisterWorker(poller.QueueName, *concurrency, pollWorker.Handle))
	must(q.RegisterWorker(notifier.QueueName, *concurrency, deliverer.Handle))

	svc := tracker.NewService(q, tokencache.NewMemoryCache(), client, "loadtest@example.com", logger)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	go q.Run(ctx)

	reportLogger.Info("seeding tracking attempts",
		"transactions", *transactions, "concurrency", *concurrency, "settle_after", *settleAfter)

	// Seed all attempts. Poll jobs carry the production first-attempt
	// delay, so the measured latency includes it.
	seededAt := make(map[string]time.Time, *transactions)
	start := time.Now()
	for i := 0; i < *transactions; i++ {
		jobID := fmt.Sprintf("loadtest-%d", i)
		res, err := svc.Track(ctx, tracker.TrackRequest{
			JobID:      jobID,
			MD5:        fmt.Sprintf("%032d", i),
			WebhookURL: sink.URL,
		})
		must(err)
		seededAt[res.JobID] = time.Now()
	}

	select {
	case <-done:
	case <-ctx.Done():
		deliveriesMu.Lock()
		delivered := len(deliveries)
		deliveriesMu.Unlock()
		reportLogger.Error("deadline reached before all webhooks arrived",
			"delivered", delivered, "expected", *transactions)
		os.Exit(1)
	}
	total := time.Since(start)

	// Compute statistics.
	latencies := make([]time.Duration, 0, *transactions)
	statuses := make(map[string]int)
	deliveriesMu.Lock()
	for jobID, d := range deliveries {
		latencies = append(latencies, d.at.Sub(seededAt[jobID]))
		statuses[d.status]++
	}
	deliveriesMu.Unlock()
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	fmt.Println()
	fmt.Println("========================================")
	fmt.Println("       LOAD TEST RESULTS")
	fmt.Println("========================================")
	fmt.Printf("Duration:         %s\n", total.Round(time.Millisecond))
	fmt.Printf("Transactions:     %d\n", *transactions)
	fmt.Printf("Concurrency:      %d\n", *concurrency)
	fmt.Printf("Bakong calls:     %d\n", checkCalls.Load())
	fmt.Println("----------------------------------------")
	fmt.Println("Outcomes:")
	for status, count := range statuses {
		fmt.Printf("  %-14s  %d\n", status+":", count)
	}
	fmt.Println("----------------------------------------")
	fmt.Println("Latency (track to webhook):")
	fmt.Printf("  p50:            %s\n", percentile(latencies, 50).Round(time.Millisecond))
	fmt.Printf("  p95:            %s\n", percentile(latencies, 95).Round(time.Millisecond))
	fmt.Printf("  p99:            %s\n", percentile(latencies, 99).Round(time.Millisecond))
	fmt.Println("========================================")
}

func must(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "loadtest:", err)
		os.Exit(1)
	}
}

func isFailing(md5 string, failEvery int) bool {
	var n int
	fmt.Sscanf(md5, "%d", &n)
	return n%failEvery == 0
}

func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
