package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"i3gateway/internal/auth"
	"i3gateway/internal/router"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	if len(os.Args) > 1 {
		if RunCLI(os.Args[1:], envOr("I3_DB_PATH", "i3gateway.db")) {
			return
		}
	}

	mudName := flag.String("mud-name", envOr("MUD_NAME", ""), "this mud's registered I3 name")
	playerPort := flag.Int("mud-port", atoiOr(envOr("MUD_PORT", "0"), 0), "this mud's player login port, sent in the startup packet")
	adminEmail := flag.String("admin-email", envOr("ADMIN_EMAIL", ""), "administrator contact email, sent in the startup packet")
	mudlib := flag.String("mudlib", envOr("MUDLIB", "unknown"), "mudlib name reported to the router")
	baseMudlib := flag.String("base-mudlib", envOr("BASE_MUDLIB", "unknown"), "base mudlib name reported to the router")
	driver := flag.String("driver", envOr("DRIVER", "unknown"), "driver name reported to the router")
	mudType := flag.String("mud-type", envOr("MUD_TYPE", "LP"), "mud type reported to the router")
	openStatus := flag.String("open-status", envOr("OPEN_STATUS", "open"), "open status reported to the router")

	routerHost := flag.String("router-host", envOr("I3_ROUTER_HOST", ""), "primary I3 router host:port")
	routerName := flag.String("router-name", envOr("I3_ROUTER_NAME", "*i3"), "primary I3 router name")
	fallbackHosts := flag.String("router-fallbacks", envOr("I3_ROUTER_FALLBACKS", ""), "comma-separated name=host:port fallback routers")

	apiKeysPath := flag.String("api-keys", envOr("I3_API_KEYS_FILE", ""), "path to a JSON file listing API keys ([]auth.APIKeyConfig)")

	wsAddr := flag.String("ws-addr", envOr("I3_WS_ADDR", ":8080"), "WebSocket JSON-RPC listen address")
	tcpAddr := flag.String("tcp-addr", envOr("I3_TCP_ADDR", ":8081"), "line-delimited JSON-RPC TCP listen address")
	dbPath := flag.String("db", envOr("I3_DB_PATH", "i3gateway.db"), "SQLite database path for router and session state")

	maxConnections := flag.Int("max-connections", 1000, "maximum total downstream connections")
	perIPLimit := flag.Int("per-ip-limit", 20, "maximum downstream connections per IP address")
	maxQueue := flag.Int("max-queue", 0, "outbound packet queue depth (0 uses the built-in default)")
	sessionTTL := flag.Duration("session-ttl", time.Hour, "inactivity window after which a disconnected session is dropped")
	persistSessions := flag.Bool("persist-sessions", false, "periodically index live sessions into the database for cross-restart inspection")
	metricsInterval := flag.Duration("metrics-interval", 30*time.Second, "interval between periodic metrics log lines")
	useTLS := flag.Bool("tls", false, "serve the WebSocket listener over a self-signed TLS certificate")
	certValidity := flag.Duration("cert-validity", 24*time.Hour, "self-signed TLS certificate validity (with -tls)")
	flag.Parse()

	if *mudName == "" {
		log.Fatalf("[gateway] -mud-name (or MUD_NAME) is required")
	}
	if *routerHost == "" {
		log.Fatalf("[gateway] -router-host (or I3_ROUTER_HOST) is required")
	}

	apiKeys, err := loadAPIKeys(*apiKeysPath)
	if err != nil {
		log.Fatalf("[gateway] loading api keys: %v", err)
	}
	if len(apiKeys) == 0 {
		log.Println("[gateway] warning: no API keys configured, no downstream client can authenticate")
	}

	cfg := Config{
		MudName:         *mudName,
		AdminEmail:      *adminEmail,
		PlayerPort:      int32(*playerPort),
		Mudlib:          *mudlib,
		BaseMudlib:      *baseMudlib,
		Driver:          *driver,
		MudType:         *mudType,
		OpenStatus:      *openStatus,
		RouterPrimary:   router.Host{Name: *routerName, Addr: *routerHost},
		RouterFallbacks: parseFallbacks(*fallbackHosts),
		APIKeys:         apiKeys,
		WSAddr:          *wsAddr,
		TCPAddr:         *tcpAddr,
		DBPath:          *dbPath,
		MaxConnections:  *maxConnections,
		PerIPLimit:      *perIPLimit,
		MaxQueue:        *maxQueue,
		SessionTTL:      *sessionTTL,
		PersistDB:       *persistSessions,
	}

	if *useTLS {
		tlsCfg, fingerprint := generateTLSConfig(*certValidity)
		cfg.TLSConfig = tlsCfg
		log.Printf("[gateway] TLS certificate fingerprint: %s", fingerprint)
	}

	gw, err := NewGateway(cfg)
	if err != nil {
		log.Fatalf("[gateway] %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[gateway] interrupt received, shutting down...")
		cancel()
	}()

	go RunMetrics(ctx, gw, *metricsInterval)

	log.Printf("[gateway] %s starting: ws=%s tcp=%s router=%s", cfg.MudName, cfg.WSAddr, cfg.TCPAddr, cfg.RouterPrimary.Addr)
	if err := gw.Run(ctx); err != nil {
		log.Fatalf("[gateway] %v", err)
	}
}

func loadAPIKeys(path string) ([]auth.APIKeyConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var keys []auth.APIKeyConfig
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// parseFallbacks parses "name=host:port,name2=host2:port2" into router
// Hosts, skipping malformed entries.
func parseFallbacks(s string) []router.Host {
	if s == "" {
		return nil
	}
	var hosts []router.Host
	for _, part := range strings.Split(s, ",") {
		name, addr, ok := strings.Cut(part, "=")
		if !ok {
			log.Printf("[gateway] ignoring malformed router fallback %q", part)
			continue
		}
		hosts = append(hosts, router.Host{Name: name, Addr: addr})
	}
	return hosts
}

func atoiOr(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
