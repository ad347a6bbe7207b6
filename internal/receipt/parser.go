package receipt

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/punchamoorthee/tillbridge/internal/domain"
)

// ParseError is returned when a blob cannot yield a usable receipt.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("receipt parse: %s", e.Reason)
}

var errNoAmount = &ParseError{Reason: "no amount found"}

// Rule sets are tried in order; the first rule that matches anywhere in the
// blob wins for its field.
var (
	amountRules = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bgrand\s+total\s*:?\s*(-)?\s*\$?\s*(-)?(\d+\.\d{2})`),
		regexp.MustCompile(`(?i)\btotal\s*:?\s*(-)?\s*\$?\s*(-)?(\d+\.\d{2})`),
		regexp.MustCompile(`(?i)\bamount\s*:?\s*(-)?\s*\$?\s*(-)?(\d+\.\d{2})`),
	}

	receiptIDRules = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\breceipt[ \t]*(?:#[ \t]*:?|:|no\.?[ \t]*:?)[ \t]*([A-Z0-9][A-Z0-9-]*)`),
		regexp.MustCompile(`(?i)\btransaction[ \t]*(?:#[ \t]*:?|:|no\.?[ \t]*:?)[ \t]*([A-Z0-9][A-Z0-9-]*)`),
		regexp.MustCompile(`(?i)\bref[ \t]*(?:#[ \t]*:?|:|no\.?[ \t]*:?)[ \t]*([A-Z0-9][A-Z0-9-]*)`),
		regexp.MustCompile(`(?i)\binvoice[ \t]*(?:#[ \t]*:?|:|no\.?[ \t]*:?)[ \t]*([A-Z0-9][A-Z0-9-]*)`),
	}

	dateRules = []*regexp.Regexp{
		regexp.MustCompile(`\b(\d{1,2}/\d{1,2}/\d{4})\b`),
		regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`),
		regexp.MustCompile(`\b(\d{2}-\d{2}-\d{4})\b`),
	}

	timeRules = []*regexp.Regexp{
		regexp.MustCompile(`\b(\d{1,2}:\d{2}:\d{2})\b`),
		regexp.MustCompile(`(?i)\b(\d{1,2}:\d{2}\s*[AP]M)\b`),
	}

	itemLine     = regexp.MustCompile(`^(\w.*?)\s+\$?(\d+\.\d{2})$`)
	itemExcludes = []string{"total", "subtotal", "tax", "change", "cash", "balance", "amount", "tender", "visa", "card"}
)

// Parser extracts ReceiptRecords from raw receipt text. It holds no state.
type Parser struct{}

func NewParser() *Parser { return &Parser{} }

// Parse extracts amount, receipt id, printed date/time and item count from
// blob. Fields are extracted independently; only the amount is mandatory.
func (p *Parser) Parse(blob string, arrivedAt time.Time) (domain.ReceiptRecord, error) {
	amount, ok := extractAmount(blob)
	if !ok {
		return domain.ReceiptRecord{}, errNoAmount
	}
	return domain.ReceiptRecord{
		Amount:      amount,
		ReceiptID:   firstGroup(receiptIDRules, blob),
		ItemCount:   countItems(blob),
		PrintedDate: firstGroup(dateRules, blob),
		PrintedTime: firstGroup(timeRules, blob),
		ObservedAt:  arrivedAt,
		RawText:     blob,
	}, nil
}

func extractAmount(blob string) (domain.Cents, bool) {
	for _, rule := range amountRules {
		m := rule.FindStringSubmatch(blob)
		if m == nil {
			continue
		}
		c, err := domain.ParseCents(m[3])
		if err != nil {
			continue
		}
		if m[1] != "" || m[2] != "" {
			c = -c
		}
		return c, true
	}
	return 0, false
}

func firstGroup(rules []*regexp.Regexp, blob string) string {
	for _, rule := range rules {
		if m := rule.FindStringSubmatch(blob); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}

func countItems(blob string) int {
	n := 0
	for _, line := range strings.Split(blob, "\n") {
		line = strings.TrimSpace(line)
		if len(line) < 5 {
			continue
		}
		m := itemLine.FindStringSubmatch(line)
		if m == nil || isSummaryLine(m[1]) {
			continue
		}
		n++
	}
	return n
}

func isSummaryLine(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range itemExcludes {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
