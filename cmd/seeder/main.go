package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/punchamoorthee/tillbridge/internal/config"
	"github.com/punchamoorthee/tillbridge/internal/store"
)

var firstNames = []string{"Ava", "Ben", "Chloe", "Dev", "Elena", "Farid", "Grace", "Hiro", "Isla", "Jonah"}
var lastNames = []string{"Nguyen", "Patel", "Okafor", "Silva", "Kowalski", "Haddad", "Moreau", "Tanaka"}

func main() {
	total := flag.Int("customers", 200, "Number of demo customers to create")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	db, err := store.NewStore(ctx, cfg.DBSource)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v\n", err)
	}
	defer db.Close()

	log.Println("--- Seeding Database ---")
	if err := db.EnsureSchema(ctx); err != nil {
		log.Fatal(err)
	}

	var count int
	db.Db.QueryRow(ctx, "SELECT COUNT(*) FROM customers").Scan(&count)
	if count >= *total {
		log.Printf("Database already has %d customers. Skipping.", count)
		return
	}

	// Barcodes are sequential so the simulator can scan known customers.
	log.Printf("Generating %d customers...", *total-count)
	now := time.Now().UTC()
	rows := [][]interface{}{}
	for i := count; i < *total; i++ {
		first := firstNames[i%len(firstNames)]
		last := lastNames[(i/len(firstNames))%len(lastNames)]
		email := fmt.Sprintf("%s.%s.%d@example.com", first, last, i)
		rows = append(rows, []interface{}{
			uuid.New(),
			first + " " + last,
			email,
			demoBarcode(i),
			now.Add(-time.Duration(i) * time.Hour),
		})
	}

	copyCount, err := db.Db.CopyFrom(
		ctx,
		pgx.Identifier{"customers"},
		[]string{"id", "name", "email", "barcode", "joined_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		log.Fatalf("Bulk insert failed: %v", err)
	}

	log.Printf("Successfully seeded %d customers (barcodes %s..%s).", copyCount, demoBarcode(count), demoBarcode(*total-1))
}

// demoBarcode is the barcode of the i-th seeded customer.
func demoBarcode(i int) string {
	return fmt.Sprintf("LOYDEMO%05d", i)
}
