package lifecycle

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"
)

func randHex(n int) string {
	b := make([]byte, (n+1)/2)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)[:n]
}

// newOrderID returns prefix + yyyymmdd + 10 upper-case hex digits.
func newOrderID(prefix string, now time.Time) string {
	return prefix + now.Format("20060102") + strings.ToUpper(randHex(10))
}

// newInvoiceToken returns 18 random bytes hex-encoded.
func newInvoiceToken() string {
	return randHex(36)
}

func newWithdrawalID(prefix string, now time.Time) string {
	return prefix + "-" + now.Format("20060102") + "-" + randHex(10)
}

// NormalizeContact turns a buyer supplied phone number into the channel
// address (62...) and the local form (0...). Both are empty when the input
// holds no digits.
func NormalizeContact(input string) (address, raw string) {
	var b strings.Builder
	for _, r := range input {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	d := b.String()
	if d == "" {
		return "", ""
	}

	switch {
	case strings.HasPrefix(d, "0"):
		d = "62" + d[1:]
	case strings.HasPrefix(d, "8"):
		d = "62" + d
	case !strings.HasPrefix(d, "62"):
		d = "62" + strings.TrimLeft(d, "0")
	}
	return d, "0" + d[2:]
}
