package dues

import (
	"strings"

	"github.com/google/uuid"
)

// ReceiptGenerator issues human-facing receipt numbers.
type ReceiptGenerator interface {
	Next(p Period) string
}

// RandomReceipts issues RCPT-<YYYYMM>-<8 hex chars from a v4 UUID>.
type RandomReceipts struct{}

func (RandomReceipts) Next(p Period) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return "RCPT-" + p.Compact() + "-" + suffix
}
