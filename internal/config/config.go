package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr    string
	DatabaseURL string
	CatalogFile string

	RabbitURL        string
	EventsExchange   string
	PaymentsExchange string
	NotifyQueue      string
	OutboxInterval   time.Duration
	OutboxBatchSize  int

	InvoiceTTL    time.Duration
	OrderPrefix   string
	SweepInterval time.Duration
	SweepBatch    int

	GatewayURL     string
	GatewayKey     string
	GatewayTimeout time.Duration
	GatewayRPS     float64
	PayMethod      string
	WebhookSecret  string
	PaidStatuses   []string

	SiteURL         string
	OperatorAddress string
	AdminToken      string

	ChannelBridgeURL   string
	ChannelAuthDir     string
	ChannelReconnect   time.Duration
	ChannelLogoutDelay time.Duration

	LogLevel            string
	ShutdownGracePeriod time.Duration
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func Load() Config {
	return Config{
		HTTPAddr:    getEnv("TOPUP_HTTP_ADDR", ":8080"),
		DatabaseURL: getEnv("TOPUP_DATABASE_URL", ""),
		CatalogFile: getEnv("TOPUP_CATALOG_FILE", ""),

		RabbitURL:        getEnv("TOPUP_RABBIT_URL", ""),
		EventsExchange:   getEnv("TOPUP_EVENTS_EXCHANGE", "topup.events"),
		PaymentsExchange: getEnv("TOPUP_PAYMENTS_EXCHANGE", "gateway.notifications"),
		NotifyQueue:      getEnv("TOPUP_NOTIFY_QUEUE", ""),
		OutboxInterval:   parseDuration("TOPUP_OUTBOX_INTERVAL", 2*time.Second),
		OutboxBatchSize:  parseInt("TOPUP_OUTBOX_BATCH", 32),

		InvoiceTTL:    parseDuration("TOPUP_INVOICE_TTL", 20*time.Minute),
		OrderPrefix:   getEnv("TOPUP_ORDER_PREFIX", "RD"),
		SweepInterval: parseDuration("TOPUP_SWEEP_INTERVAL", 30*time.Second),
		SweepBatch:    parseInt("TOPUP_SWEEP_BATCH", 50),

		GatewayURL:     getEnv("TOPUP_GATEWAY_URL", ""),
		GatewayKey:     getEnv("TOPUP_GATEWAY_KEY", ""),
		GatewayTimeout: parseDuration("TOPUP_GATEWAY_TIMEOUT", 25*time.Second),
		GatewayRPS:     parseFloat("TOPUP_GATEWAY_RPS", 5),
		PayMethod:      getEnv("TOPUP_PAY_METHOD", "qris"),
		WebhookSecret:  getEnv("TOPUP_WEBHOOK_SECRET", ""),
		PaidStatuses:   parseList("TOPUP_PAID_STATUSES", []string{"paid", "success", "sukses", "completed"}),

		SiteURL:         getEnv("TOPUP_SITE_URL", ""),
		OperatorAddress: getEnv("TOPUP_OPERATOR_ADDRESS", ""),
		AdminToken:      getEnv("TOPUP_ADMIN_TOKEN", ""),

		ChannelBridgeURL:   getEnv("TOPUP_CHANNEL_BRIDGE_URL", ""),
		ChannelAuthDir:     getEnv("TOPUP_CHANNEL_AUTH_DIR", "storage/channel_auth"),
		ChannelReconnect:   parseDuration("TOPUP_CHANNEL_RECONNECT", 1500*time.Millisecond),
		ChannelLogoutDelay: parseDuration("TOPUP_CHANNEL_LOGOUT_DELAY", 1200*time.Millisecond),

		LogLevel:            getEnv("TOPUP_LOG_LEVEL", "info"),
		ShutdownGracePeriod: parseDuration("TOPUP_SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

func parseDuration(key string, def time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return def
}

func parseInt(key string, def int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	if v, err := strconv.Atoi(raw); err == nil {
		return v
	}
	return def
}

func parseFloat(key string, def float64) float64 {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	if v, err := strconv.ParseFloat(raw, 64); err == nil {
		return v
	}
	return def
}

// parseList splits a comma separated value, lowercasing and dropping blanks.
func parseList(key string, def []string) []string {
	raw := getEnv(key, "")
	if strings.TrimSpace(raw) == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.ToLower(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
