package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Cents is a monetary amount in minor units. It renders as a decimal dollar
// value on the wire.
type Cents int64

// ParseCents parses "45.99", "-3.50" or "12" into cents.
func ParseCents(s string) (Cents, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return FromDollars(f), nil
}

// FromDollars rounds a dollar value to the nearest cent.
func FromDollars(f float64) Cents {
	return Cents(math.Round(f * 100))
}

func (c Cents) Dollars() float64 {
	return float64(c) / 100
}

func (c Cents) String() string {
	sign := ""
	v := int64(c)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

func (c Cents) MarshalJSON() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Cents) UnmarshalJSON(b []byte) error {
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		var s string
		if err2 := json.Unmarshal(b, &s); err2 != nil {
			return err
		}
		parsed, err := ParseCents(s)
		if err != nil {
			return err
		}
		*c = parsed
		return nil
	}
	*c = FromDollars(f)
	return nil
}

// ScanEvent is a barcode read at the till. Immutable once produced.
type ScanEvent struct {
	Barcode    string    `json:"barcode"`
	ObservedAt time.Time `json:"observed_at"`
}

// ReceiptRecord is the structured form of one printed receipt.
// An empty ReceiptID means the receipt carried none.
type ReceiptRecord struct {
	Amount      Cents     `json:"amount"`
	ReceiptID   string    `json:"receipt_id,omitempty"`
	ItemCount   int       `json:"item_count"`
	PrintedDate string    `json:"printed_date,omitempty"`
	PrintedTime string    `json:"printed_time,omitempty"`
	ObservedAt  time.Time `json:"observed_at"`
	RawText     string    `json:"raw_text"`
}

// MatchedPurchase pairs one scan with one receipt inside the match window.
type MatchedPurchase struct {
	Scan      ScanEvent     `json:"scan"`
	Receipt   ReceiptRecord `json:"receipt"`
	MatchedAt time.Time     `json:"matched_at"`
}

// AwardedPurchase is a match with its computed points, as handed to the store.
// ID is fixed when the match is made and becomes the purchase row id, so a
// write retried after an unacknowledged commit is recorded once.
type AwardedPurchase struct {
	MatchedPurchase
	ID     uuid.UUID `json:"purchase_id"`
	Points int64     `json:"points_awarded"`
}

type UnmatchedKind string

const (
	UnmatchedScan    UnmatchedKind = "scan"
	UnmatchedReceipt UnmatchedKind = "receipt"
)

// Unmatched is emitted when an event ages out of the match window without a
// counterpart. Exactly one of Scan or Receipt is set.
type Unmatched struct {
	Kind      UnmatchedKind  `json:"kind"`
	Scan      *ScanEvent     `json:"scan,omitempty"`
	Receipt   *ReceiptRecord `json:"receipt,omitempty"`
	ExpiredAt time.Time      `json:"expired_at"`
}

// Customer is a loyalty member.
type Customer struct {
	ID          uuid.UUID  `json:"id"`
	Name        string     `json:"name"`
	Email       *string    `json:"email"`
	Phone       *string    `json:"phone"`
	Barcode     string     `json:"barcode"`
	TotalPoints int64      `json:"total_points"`
	TotalSpent  Cents      `json:"total_spent"`
	JoinedAt    time.Time  `json:"joined_at"`
	LastVisit   *time.Time `json:"last_visit"`
	Notes       *string    `json:"notes,omitempty"`
}

// CustomerForm is what the tablet registration form submits.
type CustomerForm struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
	Notes string `json:"notes,omitempty"`
}

// Purchase is the persisted record of an awarded purchase.
type Purchase struct {
	ID            uuid.UUID  `json:"id"`
	CustomerID    *uuid.UUID `json:"customer_id"`
	Barcode       string     `json:"barcode"`
	ReceiptID     *string    `json:"receipt_id"`
	Amount        Cents      `json:"amount"`
	PointsAwarded int64      `json:"points_awarded"`
	PurchasedAt   time.Time  `json:"purchase_date"`
	ReceiptHash   string     `json:"receipt_hash"`
}

// PurchaseResult is returned by the store after an awarded purchase is
// written. Customer is nil when the barcode belongs to no known member.
type PurchaseResult struct {
	Purchase Purchase  `json:"purchase"`
	Customer *Customer `json:"customer,omitempty"`
}

// ScanRecord is a persisted scan row.
type ScanRecord struct {
	ID         uuid.UUID  `json:"id"`
	CustomerID *uuid.UUID `json:"customer_id"`
	Barcode    string     `json:"barcode_data"`
	ScannedAt  time.Time  `json:"scanned_at"`
	IsMatched  bool       `json:"is_matched"`
}

// Stats summarizes the store for the admin endpoint.
type Stats struct {
	TotalCustomers     int64 `json:"total_customers"`
	TotalPurchases     int64 `json:"total_purchases"`
	TotalRevenue       Cents `json:"total_revenue"`
	TotalPointsAwarded int64 `json:"total_points_awarded"`
	TotalScanEvents    int64 `json:"total_scan_events"`
	AvgPurchaseAmount  Cents `json:"avg_purchase_amount"`
}

// PurchaseFilter selects purchases for listing. Zero fields do not filter.
type PurchaseFilter struct {
	CustomerID *uuid.UUID
	From       time.Time
	To         time.Time
	Skip       int
	Limit      int
}

// CustomerPurchaseStats summarizes one customer's purchase history.
type CustomerPurchaseStats struct {
	CustomerID     uuid.UUID  `json:"customer_id"`
	TotalPurchases int64      `json:"total_purchases"`
	TotalSpent     Cents      `json:"total_spent"`
	TotalPoints    int64      `json:"total_points"`
	FirstPurchase  *time.Time `json:"first_purchase"`
	LastPurchase   *time.Time `json:"last_purchase"`
}

// Export is a full dump of the loyalty data for backup.
type Export struct {
	Customers  []Customer `json:"customers,omitempty"`
	Purchases  []Purchase `json:"purchases,omitempty"`
	ExportedAt time.Time  `json:"exported_at"`
	Format     string     `json:"format"`
}

// Activity is the recent-activity admin view.
type Activity struct {
	Purchases []Purchase   `json:"recent_purchases"`
	Scans     []ScanRecord `json:"recent_scans"`
	Customers []Customer   `json:"recent_customers"`
}
