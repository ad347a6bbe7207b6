package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/punchamoorthee/tillbridge/internal/domain"
)

const uniqueViolation = "23505"

type Store struct {
	Db  *pgxpool.Pool
	now func() time.Time
}

func NewStore(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{Db: pool, now: time.Now}, nil
}

func (s *Store) Close() {
	s.Db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.Db.Ping(ctx)
}

// EnsureSchema creates the tables if they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const customerColumns = "id, name, email, phone, barcode, total_points, total_spent, joined_at, last_visit, notes"

func scanCustomer(row pgx.Row) (*domain.Customer, error) {
	var c domain.Customer
	var spent int64
	err := row.Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.Barcode, &c.TotalPoints, &spent, &c.JoinedAt, &c.LastVisit, &c.Notes)
	if err != nil {
		return nil, err
	}
	c.TotalSpent = domain.Cents(spent)
	return &c, nil
}

// CreateCustomer stores a new customer with a freshly generated loyalty
// barcode. A taken email yields domain.ErrDuplicateCustomer.
func (s *Store) CreateCustomer(ctx context.Context, form domain.CustomerForm) (*domain.Customer, error) {
	for attempt := 0; ; attempt++ {
		c, err := scanCustomer(s.Db.QueryRow(ctx,
			"INSERT INTO customers (name, email, phone, barcode, notes, joined_at) VALUES ($1, $2, $3, $4, $5, $6) RETURNING "+customerColumns,
			form.Name, nullable(form.Email), nullable(form.Phone), NewBarcode(s.now()), nullable(form.Notes), s.now().UTC(),
		))
		if err == nil {
			return c, nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			if pgErr.ConstraintName == "customers_barcode_key" && attempt < 3 {
				continue
			}
			return nil, domain.ErrDuplicateCustomer
		}
		return nil, fmt.Errorf("customer insert failed: %w", err)
	}
}

// UpdateCustomer replaces the editable fields of a customer. Empty form
// fields are left unchanged.
func (s *Store) UpdateCustomer(ctx context.Context, id uuid.UUID, form domain.CustomerForm) (*domain.Customer, error) {
	c, err := scanCustomer(s.Db.QueryRow(ctx,
		`UPDATE customers SET
			name = COALESCE($2, name),
			email = COALESCE($3, email),
			phone = COALESCE($4, phone),
			notes = COALESCE($5, notes)
		WHERE id = $1 RETURNING `+customerColumns,
		id, nullable(form.Name), nullable(form.Email), nullable(form.Phone), nullable(form.Notes),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrCustomerNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return nil, domain.ErrDuplicateCustomer
	}
	if err != nil {
		return nil, fmt.Errorf("customer update failed: %w", err)
	}
	return c, nil
}

func (s *Store) GetCustomer(ctx context.Context, id uuid.UUID) (*domain.Customer, error) {
	c, err := scanCustomer(s.Db.QueryRow(ctx, "SELECT "+customerColumns+" FROM customers WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrCustomerNotFound
	}
	return c, err
}

func (s *Store) GetCustomerByBarcode(ctx context.Context, barcode string) (*domain.Customer, error) {
	c, err := scanCustomer(s.Db.QueryRow(ctx, "SELECT "+customerColumns+" FROM customers WHERE barcode = $1", barcode))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrCustomerNotFound
	}
	return c, err
}

// ListCustomers pages through customers, newest first. search, when set,
// matches name, email or phone case-insensitively.
func (s *Store) ListCustomers(ctx context.Context, skip, limit int, search string) ([]domain.Customer, error) {
	query := "SELECT " + customerColumns + " FROM customers"
	args := []any{}
	if search != "" {
		query += " WHERE name ILIKE $1 OR email ILIKE $1 OR phone ILIKE $1"
		args = append(args, "%"+search+"%")
	}
	query += " ORDER BY joined_at DESC OFFSET $" + strconv.Itoa(len(args)+1) + " LIMIT $" + strconv.Itoa(len(args)+2)
	args = append(args, skip, limit)

	rows, err := s.Db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := []domain.Customer{}
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		customers = append(customers, *c)
	}
	return customers, rows.Err()
}

// RecordScan logs a scan, linking it to the customer when the barcode is known.
func (s *Store) RecordScan(ctx context.Context, scan domain.ScanEvent) error {
	_, err := s.Db.Exec(ctx,
		`INSERT INTO scan_events (customer_id, barcode_data, scanned_at)
		 VALUES ((SELECT id FROM customers WHERE barcode = $1), $1, $2)`,
		scan.Barcode, pgTime(scan.ObservedAt),
	)
	if err != nil {
		return fmt.Errorf("scan insert failed: %w", err)
	}
	return nil
}

// RecordPurchase stores an awarded purchase and credits the customer, if the
// barcode belongs to one, in a single transaction. A receipt id that was
// already recorded yields domain.ErrDuplicateReceipt and changes nothing.
func (s *Store) RecordPurchase(ctx context.Context, ap domain.AwardedPurchase) (*domain.PurchaseResult, error) {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var customerID *uuid.UUID
	var id uuid.UUID
	err = tx.QueryRow(ctx, "SELECT id FROM customers WHERE barcode = $1 FOR UPDATE", ap.Scan.Barcode).Scan(&id)
	switch {
	case err == nil:
		customerID = &id
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return nil, fmt.Errorf("customer lock failed: %w", err)
	}

	if ap.ID == uuid.Nil {
		ap.ID = uuid.New()
	}
	p := domain.Purchase{
		ID:            ap.ID,
		CustomerID:    customerID,
		Barcode:       ap.Scan.Barcode,
		ReceiptID:     nullable(ap.Receipt.ReceiptID),
		Amount:        ap.Receipt.Amount,
		PointsAwarded: ap.Points,
		PurchasedAt:   ap.MatchedAt.UTC(),
		ReceiptHash:   ReceiptHash(ap.Receipt),
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO purchases (id, customer_id, barcode, receipt_number, receipt_text, amount_cents, points_awarded, purchase_date, receipt_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO NOTHING RETURNING id`,
		p.ID, p.CustomerID, p.Barcode, p.ReceiptID, nullable(ap.Receipt.RawText), int64(p.Amount), p.PointsAwarded, p.PurchasedAt, p.ReceiptHash,
	).Scan(&p.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		// A previous attempt committed; report it without crediting again.
		tx.Rollback(ctx)
		return s.recordedPurchase(ctx, ap.ID)
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, domain.ErrDuplicateReceipt
		}
		return nil, fmt.Errorf("purchase insert failed: %w", err)
	}

	res := &domain.PurchaseResult{Purchase: p}
	if customerID != nil {
		c, err := scanCustomer(tx.QueryRow(ctx,
			`UPDATE customers SET total_points = total_points + $2, total_spent = total_spent + $3, last_visit = $4
			 WHERE id = $1 RETURNING `+customerColumns,
			*customerID, ap.Points, int64(ap.Receipt.Amount), p.PurchasedAt,
		))
		if err != nil {
			return nil, fmt.Errorf("customer credit failed: %w", err)
		}
		res.Customer = c
	}

	_, err = tx.Exec(ctx,
		"UPDATE scan_events SET is_matched = TRUE, customer_id = COALESCE(customer_id, $3) WHERE barcode_data = $1 AND scanned_at = $2",
		ap.Scan.Barcode, pgTime(ap.Scan.ObservedAt), customerID,
	)
	if err != nil {
		return nil, fmt.Errorf("scan update failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit failed: %w", err)
	}
	return res, nil
}

func (s *Store) recordedPurchase(ctx context.Context, id uuid.UUID) (*domain.PurchaseResult, error) {
	p, err := s.GetPurchase(ctx, id)
	if err != nil {
		return nil, err
	}
	res := &domain.PurchaseResult{Purchase: *p}
	if p.CustomerID != nil {
		if res.Customer, err = s.GetCustomer(ctx, *p.CustomerID); err != nil && !errors.Is(err, domain.ErrCustomerNotFound) {
			return nil, err
		}
	}
	return res, nil
}

const purchaseColumns = "id, customer_id, barcode, receipt_number, amount_cents, points_awarded, purchase_date, receipt_hash"

func scanPurchase(row pgx.Row) (*domain.Purchase, error) {
	var p domain.Purchase
	var amount int64
	if err := row.Scan(&p.ID, &p.CustomerID, &p.Barcode, &p.ReceiptID, &amount, &p.PointsAwarded, &p.PurchasedAt, &p.ReceiptHash); err != nil {
		return nil, err
	}
	p.Amount = domain.Cents(amount)
	return &p, nil
}

func (s *Store) GetPurchase(ctx context.Context, id uuid.UUID) (*domain.Purchase, error) {
	p, err := scanPurchase(s.Db.QueryRow(ctx, "SELECT "+purchaseColumns+" FROM purchases WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrPurchaseNotFound
	}
	return p, err
}

// ListPurchases pages through purchases, newest first.
func (s *Store) ListPurchases(ctx context.Context, f domain.PurchaseFilter) ([]domain.Purchase, error) {
	query := "SELECT " + purchaseColumns + " FROM purchases WHERE TRUE"
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if f.CustomerID != nil {
		query += " AND customer_id = " + arg(*f.CustomerID)
	}
	if !f.From.IsZero() {
		query += " AND purchase_date >= " + arg(f.From.UTC())
	}
	if !f.To.IsZero() {
		query += " AND purchase_date <= " + arg(f.To.UTC())
	}
	query += " ORDER BY purchase_date DESC OFFSET " + arg(f.Skip)
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := s.Db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	purchases := []domain.Purchase{}
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		purchases = append(purchases, *p)
	}
	return purchases, rows.Err()
}

// CustomerPurchaseStats aggregates one customer's purchases. An unknown
// customer yields domain.ErrCustomerNotFound.
func (s *Store) CustomerPurchaseStats(ctx context.Context, id uuid.UUID) (*domain.CustomerPurchaseStats, error) {
	st := domain.CustomerPurchaseStats{CustomerID: id}
	var exists bool
	var spent int64
	err := s.Db.QueryRow(ctx, `SELECT
		EXISTS (SELECT 1 FROM customers WHERE id = $1),
		COUNT(*), COALESCE(SUM(amount_cents), 0), COALESCE(SUM(points_awarded), 0),
		MIN(purchase_date), MAX(purchase_date)
		FROM purchases WHERE customer_id = $1`, id,
	).Scan(&exists, &st.TotalPurchases, &spent, &st.TotalPoints, &st.FirstPurchase, &st.LastPurchase)
	if err != nil {
		return nil, fmt.Errorf("customer stats query failed: %w", err)
	}
	if !exists {
		return nil, domain.ErrCustomerNotFound
	}
	st.TotalSpent = domain.Cents(spent)
	return &st, nil
}

// DeleteCustomer removes a customer. Their purchases and scans are kept and
// unlinked.
func (s *Store) DeleteCustomer(ctx context.Context, id uuid.UUID) error {
	tx, err := s.Db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, q := range []string{
		"UPDATE purchases SET customer_id = NULL WHERE customer_id = $1",
		"UPDATE scan_events SET customer_id = NULL WHERE customer_id = $1",
	} {
		if _, err := tx.Exec(ctx, q, id); err != nil {
			return fmt.Errorf("customer unlink failed: %w", err)
		}
	}
	tag, err := tx.Exec(ctx, "DELETE FROM customers WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("customer delete failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrCustomerNotFound
	}
	return tx.Commit(ctx)
}

// Export dumps every customer and purchase in one consistent snapshot.
func (s *Store) Export(ctx context.Context, customers, purchases bool) (*domain.Export, error) {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	out := &domain.Export{ExportedAt: s.now().UTC(), Format: "json"}
	if customers {
		rows, err := tx.Query(ctx, "SELECT "+customerColumns+" FROM customers ORDER BY joined_at")
		if err != nil {
			return nil, err
		}
		out.Customers, err = collect(rows, scanCustomer)
		if err != nil {
			return nil, err
		}
	}
	if purchases {
		rows, err := tx.Query(ctx, "SELECT "+purchaseColumns+" FROM purchases ORDER BY purchase_date")
		if err != nil {
			return nil, err
		}
		out.Purchases, err = collect(rows, scanPurchase)
		if err != nil {
			return nil, err
		}
	}
	return out, tx.Commit(ctx)
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]T, error) {
	defer rows.Close()
	out := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// Stats aggregates the whole loyalty program.
func (s *Store) Stats(ctx context.Context) (*domain.Stats, error) {
	var st domain.Stats
	var revenue, avg int64
	err := s.Db.QueryRow(ctx, `SELECT
		(SELECT COUNT(*) FROM customers),
		(SELECT COUNT(*) FROM purchases),
		(SELECT COALESCE(SUM(amount_cents), 0) FROM purchases),
		(SELECT COALESCE(SUM(points_awarded), 0) FROM purchases),
		(SELECT COUNT(*) FROM scan_events),
		(SELECT COALESCE(AVG(amount_cents), 0)::BIGINT FROM purchases)`,
	).Scan(&st.TotalCustomers, &st.TotalPurchases, &revenue, &st.TotalPointsAwarded, &st.TotalScanEvents, &avg)
	if err != nil {
		return nil, fmt.Errorf("stats query failed: %w", err)
	}
	st.TotalRevenue = domain.Cents(revenue)
	st.AvgPurchaseAmount = domain.Cents(avg)
	return &st, nil
}

// RecentActivity returns the latest limit purchases, scans and customers.
func (s *Store) RecentActivity(ctx context.Context, limit int) (*domain.Activity, error) {
	act := &domain.Activity{
		Purchases: []domain.Purchase{},
		Scans:     []domain.ScanRecord{},
		Customers: []domain.Customer{},
	}

	var err error
	act.Purchases, err = s.ListPurchases(ctx, domain.PurchaseFilter{Limit: limit})
	if err != nil {
		return nil, err
	}

	rows, err := s.Db.Query(ctx,
		"SELECT id, customer_id, barcode_data, scanned_at, is_matched FROM scan_events ORDER BY scanned_at DESC LIMIT $1", limit)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var r domain.ScanRecord
		if err := rows.Scan(&r.ID, &r.CustomerID, &r.Barcode, &r.ScannedAt, &r.IsMatched); err != nil {
			rows.Close()
			return nil, err
		}
		act.Scans = append(act.Scans, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	act.Customers, err = s.ListCustomers(ctx, 0, limit, "")
	if err != nil {
		return nil, err
	}
	return act, nil
}

// NewBarcode generates a loyalty barcode: LOY, the last six digits of the
// unix time, then four random digits.
func NewBarcode(now time.Time) string {
	ts := strconv.FormatInt(now.Unix(), 10)
	if len(ts) > 6 {
		ts = ts[len(ts)-6:]
	}
	return fmt.Sprintf("LOY%s%04d", ts, 1000+rand.Intn(9000))
}

// ReceiptHash fingerprints a receipt for auditing duplicates that carry no
// receipt id.
func ReceiptHash(r domain.ReceiptRecord) string {
	var sum [32]byte
	if r.RawText != "" {
		sum = sha256.Sum256([]byte(r.RawText))
	} else {
		sum = sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d", r.ReceiptID, int64(r.Amount), r.ObservedAt.UnixNano())))
	}
	return hex.EncodeToString(sum[:])
}

// pgTime truncates to the microsecond precision of timestamptz so a value
// written and later matched on compares equal.
func pgTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
