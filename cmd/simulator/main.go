package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Config holds the simulation settings
var (
	targetURL string
	spoolDir  string
	purchases int
	customers int
	gap       time.Duration
	jitter    time.Duration
	orphanPct float64
	settle    time.Duration
)

// Outcomes reported to the cashier socket
var (
	sent        uint64
	matched     uint64
	unmatched   uint64
	duplicates  uint64
	storeFailed uint64
	rejected    uint64
	errorsSeen  uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "Bridge base URL")
	flag.StringVar(&spoolDir, "spool", "", "Write receipts into this folder instead of POSTing them")
	flag.IntVar(&purchases, "purchases", 20, "Number of purchases to simulate")
	flag.IntVar(&customers, "customers", 200, "Number of seeded demo customers to draw barcodes from")
	flag.DurationVar(&gap, "gap", 12*time.Second, "Time between purchases")
	flag.DurationVar(&jitter, "jitter", 5*time.Second, "Maximum delay between scan and receipt")
	flag.Float64Var(&orphanPct, "orphans", 0.1, "Fraction of scans that never get a receipt")
	flag.DurationVar(&settle, "settle", 45*time.Second, "How long to keep listening after the last purchase")
}

func main() {
	flag.Parse()
	log.Printf("Starting Simulation: %d purchases | gap %s | jitter %s", purchases, gap, jitter)

	conn, err := dialCashier()
	if err != nil {
		log.Fatalf("Unable to connect cashier socket: %v", err)
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	done := make(chan struct{})
	go listen(conn, done)
	go heartbeat(send, done)

	start := time.Now()
	client := &http.Client{Timeout: 5 * time.Second}
	for i := 0; i < purchases; i++ {
		barcode := fmt.Sprintf("LOYDEMO%05d", rand.Intn(customers))
		if err := send(map[string]any{"action": "customer_scanned", "barcode": barcode}); err != nil {
			log.Fatalf("scan failed: %v", err)
		}
		atomic.AddUint64(&sent, 1)

		if rand.Float64() >= orphanPct {
			time.Sleep(time.Duration(rand.Int63n(int64(jitter) + 1)))
			text := receiptText(i)
			if err := deliverReceipt(client, i, text); err != nil {
				log.Printf("receipt %d not delivered: %v", i, err)
			}
		}
		time.Sleep(gap)
	}

	time.Sleep(settle)
	close(done)
	printResults(time.Since(start))
}

func dialCashier() (*websocket.Conn, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return nil, err
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/ws/cashier"
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	return conn, err
}

func listen(conn *websocket.Conn, done <-chan struct{}) {
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-done:
			default:
				log.Printf("cashier socket closed: %v", err)
			}
			return
		}
		switch msg["action"] {
		case "process_purchase":
			atomic.AddUint64(&matched, 1)
		case "unmatched_event":
			atomic.AddUint64(&unmatched, 1)
		case "duplicate_receipt":
			atomic.AddUint64(&duplicates, 1)
		case "purchase_failed":
			atomic.AddUint64(&storeFailed, 1)
		case "receipt_rejected":
			atomic.AddUint64(&rejected, 1)
		case "error":
			atomic.AddUint64(&errorsSeen, 1)
			log.Printf("bridge error: %v", msg["error"])
		}
	}
}

func heartbeat(send func(any) error, done <-chan struct{}) {
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			_ = send(map[string]any{"action": "heartbeat"})
		}
	}
}

func receiptText(i int) string {
	items := rand.Intn(4) + 1
	var b strings.Builder
	b.WriteString("CORNER STORE\n")
	b.WriteString(time.Now().Format("01/02/2006 15:04:05") + "\n")
	var total int64
	for n := 0; n < items; n++ {
		cents := int64(rand.Intn(4000) + 199)
		total += cents
		fmt.Fprintf(&b, "Item %-12d %d.%02d\n", n+1, cents/100, cents%100)
	}
	fmt.Fprintf(&b, "Subtotal: %d.%02d\n", total/100, total%100)
	fmt.Fprintf(&b, "TOTAL: $%d.%02d\n", total/100, total%100)
	fmt.Fprintf(&b, "Receipt #: SIM%d%04d\n", time.Now().Unix()%100000, i)
	return b.String()
}

func deliverReceipt(client *http.Client, i int, text string) error {
	if spoolDir != "" {
		name := filepath.Join(spoolDir, fmt.Sprintf("sim-%d-%04d.txt", time.Now().UnixNano(), i))
		return os.WriteFile(name, []byte(text), 0o644)
	}
	body, _ := json.Marshal(map[string]string{"raw_text": text})
	resp, err := client.Post(targetURL+"/api/v1/receipts", "application/json", bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func printResults(d time.Duration) {
	results := map[string]interface{}{
		"duration_sec":      d.Seconds(),
		"scans_sent":        atomic.LoadUint64(&sent),
		"purchases_matched": atomic.LoadUint64(&matched),
		"unmatched_events":  atomic.LoadUint64(&unmatched),
		"duplicates":        atomic.LoadUint64(&duplicates),
		"store_failures":    atomic.LoadUint64(&storeFailed),
		"receipts_rejected": atomic.LoadUint64(&rejected),
		"errors":            atomic.LoadUint64(&errorsSeen),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)
}
