package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Server struct {
	Addr string
	// PublicHost is advertised in the wsUrl returned on submission. Empty
	// means use the Host header of the request.
	PublicHost string
	LogFile    string
	LogLevel   string
}

type Bus struct {
	Backend         string // "memory", "redis" or "gossip"
	RedisURL        string
	GossipListen    string
	GossipBootstrap []string
}

type Queue struct {
	Backend      string // "memory" or "kafka"
	Capacity     int
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string
}

type Store struct {
	Backend    string // "memory", "pebble" or "redis"
	PebblePath string
	RedisTTL   time.Duration
	AuditPath  string // empty disables the routing audit log
}

type Router struct {
	Policy       string // "all" or "best-effort"
	VenueTimeout time.Duration
	Priority     []string
}

type Worker struct {
	Concurrency int
	MaxSlippage decimal.Decimal
}

type Relay struct {
	Buffer   int
	Overflow string // "drop-oldest" or "close"
}

type Venues struct {
	// Latency is the simulated quote latency; execution takes ten times as
	// long.
	Latency time.Duration
}

type Config struct {
	Server Server
	Bus    Bus
	Queue  Queue
	Store  Store
	Router Router
	Worker Worker
	Relay  Relay
	Venues Venues
}

func Default() Config {
	return Config{
		Server: Server{
			Addr:     ":3000",
			LogLevel: "info",
		},
		Bus: Bus{
			Backend:      "memory",
			RedisURL:     "redis://127.0.0.1:6379",
			GossipListen: "/ip4/0.0.0.0/tcp/4001",
		},
		Queue: Queue{
			Backend:      "memory",
			Capacity:     1024,
			KafkaBrokers: []string{"127.0.0.1:9092"},
			KafkaTopic:   "order-jobs",
			KafkaGroup:   "order-workers",
		},
		Store: Store{
			Backend:    "memory",
			PebblePath: "data/orders",
			RedisTTL:   24 * time.Hour,
		},
		Router: Router{
			Policy:       "all",
			VenueTimeout: 2 * time.Second,
			Priority:     []string{"Meteora", "Raydium"},
		},
		Worker: Worker{
			Concurrency: 10,
			MaxSlippage: decimal.NewFromFloat(0.01),
		},
		Relay: Relay{
			Buffer:   64,
			Overflow: "drop-oldest",
		},
		Venues: Venues{
			Latency: 200 * time.Millisecond,
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	// Server
	cfg.Server.Addr = getEnv("API_ADDR", cfg.Server.Addr)
	cfg.Server.PublicHost = getEnv("PUBLIC_HOST", cfg.Server.PublicHost)
	cfg.Server.LogFile = getEnv("LOG_FILE", cfg.Server.LogFile)
	cfg.Server.LogLevel = getEnv("LOG_LEVEL", cfg.Server.LogLevel)

	// Status bus
	cfg.Bus.Backend = strings.ToLower(getEnv("BUS_BACKEND", cfg.Bus.Backend))
	cfg.Bus.RedisURL = getEnv("REDIS_URL", cfg.Bus.RedisURL)
	cfg.Bus.GossipListen = getEnv("GOSSIP_LISTEN", cfg.Bus.GossipListen)
	cfg.Bus.GossipBootstrap = getList("GOSSIP_BOOTSTRAP", cfg.Bus.GossipBootstrap)

	// Job queue
	cfg.Queue.Backend = strings.ToLower(getEnv("QUEUE_BACKEND", cfg.Queue.Backend))
	cfg.Queue.Capacity = getInt("QUEUE_CAPACITY", cfg.Queue.Capacity)
	cfg.Queue.KafkaBrokers = getList("KAFKA_BROKERS", cfg.Queue.KafkaBrokers)
	cfg.Queue.KafkaTopic = getEnv("KAFKA_TOPIC", cfg.Queue.KafkaTopic)
	cfg.Queue.KafkaGroup = getEnv("KAFKA_GROUP", cfg.Queue.KafkaGroup)

	// Order store
	cfg.Store.Backend = strings.ToLower(getEnv("STORE_BACKEND", cfg.Store.Backend))
	cfg.Store.PebblePath = getEnv("PEBBLE_PATH", cfg.Store.PebblePath)
	cfg.Store.RedisTTL = getDuration("STORE_REDIS_TTL_S", time.Second, cfg.Store.RedisTTL)
	cfg.Store.AuditPath = getEnv("AUDIT_LOG_FILE", cfg.Store.AuditPath)

	// Routing
	cfg.Router.Policy = strings.ToLower(getEnv("ROUTER_POLICY", cfg.Router.Policy))
	cfg.Router.VenueTimeout = getDuration("VENUE_TIMEOUT_MS", time.Millisecond, cfg.Router.VenueTimeout)
	cfg.Router.Priority = getList("VENUE_PRIORITY", cfg.Router.Priority)

	// Workers
	cfg.Worker.Concurrency = getInt("WORKER_CONCURRENCY", cfg.Worker.Concurrency)
	if v := os.Getenv("MAX_SLIPPAGE"); v != "" {
		if d, err := decimal.NewFromString(v); err == nil && !d.IsNegative() {
			cfg.Worker.MaxSlippage = d
		}
	}

	// Relay
	cfg.Relay.Buffer = getInt("RELAY_BUFFER", cfg.Relay.Buffer)
	cfg.Relay.Overflow = strings.ToLower(getEnv("RELAY_OVERFLOW", cfg.Relay.Overflow))

	// Simulated venues
	cfg.Venues.Latency = getDuration("VENUE_LATENCY_MS", time.Millisecond, cfg.Venues.Latency)

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getInt keeps the default when the value is missing, malformed or not positive.
func getInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n > 0 {
		return n
	}
	return defaultValue
}

func getDuration(key string, unit time.Duration, defaultValue time.Duration) time.Duration {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n >= 0 {
		return time.Duration(n) * unit
	}
	return defaultValue
}

// getList splits a comma-separated value, e.g. "Meteora,Raydium".
func getList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
