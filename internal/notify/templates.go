package notify

import (
	"net/url"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"topup/internal/events"
)

var (
	printer = message.NewPrinter(language.Indonesian)
	jakarta = time.FixedZone("WIB", 7*60*60)
)

const rule = "━━━━━━━━━━━━━━━━━━"

func rupiah(n int64) string {
	return printer.Sprintf("Rp %d", n)
}

func invoiceLink(siteURL, token string) string {
	base := strings.TrimRight(siteURL, "/")
	if base == "" {
		return "(link invoice belum diset admin)"
	}
	return base + "/p/invoice?token=" + url.QueryEscape(token)
}

func noteOr(note, fallback string) string {
	if note == "" {
		return "_" + fallback + "_"
	}
	return "_" + note + "_"
}

func invoiceCreated(site string, e events.OrderEvent) string {
	deadline := "-"
	if !e.Deadline.IsZero() {
		deadline = e.Deadline.In(jakarta).Format("02/01/2006 15:04 MST")
	}
	return printer.Sprintf(`🧾 *INVOICE DIBUAT*
%s
🧾 *Order* : %s
🎮 *Produk*: %s %s
💳 *Total* : %s
⏰ *Expired*: %s

Silakan lakukan pembayaran QRIS.
Pantau status invoice:
🔗 %s`, rule, e.OrderID, e.ProductName, e.TierLabel, rupiah(e.GrossAmount), deadline, invoiceLink(site, e.InvoiceToken))
}

func paid(site string, e events.OrderEvent) string {
	return printer.Sprintf(`✅ *PEMBAYARAN BERHASIL*
%s
🧾 *Order* : %s
💳 *Total* : %s
📌 *Status*: *PAID*

⏳ Admin akan memproses top up secara *manual*.
🔗 %s`, rule, e.OrderID, rupiah(e.GrossAmount), invoiceLink(site, e.InvoiceToken))
}

func fulfillment(site string, e events.OrderEvent) (string, bool) {
	var head, status, label, fallback string
	switch e.FulfillStatus {
	case "processing":
		head, status, label, fallback = "⏳ *ORDER DIPROSES*", "PROCESSING", "Catatan Admin", "Tidak ada catatan"
	case "done":
		head, status, label, fallback = "✅ *ORDER SELESAI*", "DONE", "Catatan", "Terima kasih"
	case "rejected":
		head, status, label, fallback = "❌ *ORDER DITOLAK*", "REJECTED", "Alasan", "Tidak ada alasan"
	default:
		return "", false
	}
	return printer.Sprintf(`%s
%s
🧾 *Order* : %s
💳 *Total* : %s
📌 *Status*: *%s*

📝 %s:
%s

🔗 %s`, head, rule, e.OrderID, rupiah(e.GrossAmount), status, label, noteOr(e.Note, fallback), invoiceLink(site, e.InvoiceToken)), true
}

func operatorNewOrder(e events.OrderEvent) string {
	return printer.Sprintf("🆕 Order baru\nOrder: %s\nProduk: %s %s\nNominal: %s\nWA: %s",
		e.OrderID, e.ProductName, e.TierLabel, rupiah(e.GrossAmount), e.ChannelAddress)
}

func operatorPaid(e events.OrderEvent) string {
	return printer.Sprintf("✅ Pembayaran sukses\nOrder: %s\nNominal: %s\nBalas: done %s <catatan> / reject %s <alasan>",
		e.OrderID, rupiah(e.GrossAmount), e.OrderID, e.OrderID)
}
