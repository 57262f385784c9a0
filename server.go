package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"i3gateway/internal/api"
	"i3gateway/internal/auth"
	"i3gateway/internal/eventbus"
	"i3gateway/internal/gateway"
	"i3gateway/internal/packet"
	"i3gateway/internal/persist"
	"i3gateway/internal/resilience"
	"i3gateway/internal/router"
	"i3gateway/internal/services"
	"i3gateway/internal/session"
	"i3gateway/internal/state"
	"i3gateway/internal/transport/tcp"
	"i3gateway/internal/transport/ws"
)

// Config holds every wiring parameter the Gateway needs, populated by flags
// and environment fallback in main.go.
type Config struct {
	MudName    string
	AdminEmail string
	PlayerPort int32
	Mudlib     string
	BaseMudlib string
	Driver     string
	MudType    string
	OpenStatus string

	RouterPrimary   router.Host
	RouterFallbacks []router.Host

	APIKeys []auth.APIKeyConfig

	WSAddr     string
	TCPAddr    string
	DBPath     string
	PersistDB  bool
	TLSConfig  *tls.Config

	MaxConnections int
	PerIPLimit     int
	MaxQueue       int

	SessionTTL time.Duration
	Limits     services.Limits
}

func (c *Config) setDefaults() {
	if c.WSAddr == "" {
		c.WSAddr = ":8080"
	}
	if c.TCPAddr == "" {
		c.TCPAddr = ":8081"
	}
	if c.DBPath == "" {
		c.DBPath = "i3gateway.db"
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = gateway.DefaultMaxQueue
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = session.DefaultTTL
	}
}

// Gateway owns every long-lived component: the upstream router link, the
// packet router, the event bus, both downstream transports, and the HTTP
// surface (health/metrics) layered on the WebSocket listener.
type Gateway struct {
	cfg       Config
	startedAt time.Time

	persist *persist.Store
	link    *router.Link
	gwR     *gateway.Router
	events  *eventbus.Bus
	auth    *auth.Authenticator
	gate    *auth.Gate
	sess    *session.Manager
	state   *state.Store

	dispatcher *api.Dispatcher
	echoServer *echo.Echo
	tcpServer  *tcp.Server

	shutdownOnce sync.Once
	cancel       context.CancelFunc
}

// NewGateway builds every component and wires them together. Nothing is
// started yet; call Run to bring the gateway up.
func NewGateway(cfg Config) (*Gateway, error) {
	cfg.setDefaults()

	pstore, err := persist.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening persistent store: %w", err)
	}

	st := state.New()
	events := eventbus.New()
	sessions := session.NewManager(cfg.SessionTTL)

	keys, err := auth.NewKeyStore(cfg.APIKeys)
	if err != nil {
		pstore.Close()
		return nil, fmt.Errorf("building key store: %w", err)
	}
	authn := auth.NewAuthenticator(keys, auth.DefaultLimits())
	gate := auth.NewGate(cfg.MaxConnections, cfg.PerIPLimit)

	gwRouter := gateway.New(cfg.MaxQueue, eventbus.SimpleSink{Bus: events})

	linkCfg := router.Config{
		MudName:    cfg.MudName,
		Primary:    cfg.RouterPrimary,
		Fallbacks:  cfg.RouterFallbacks,
		PlayerPort: cfg.PlayerPort,
		Mudlib:     cfg.Mudlib,
		BaseMudlib: cfg.BaseMudlib,
		Driver:     cfg.Driver,
		MudType:    cfg.MudType,
		OpenStatus: cfg.OpenStatus,
		AdminEmail: cfg.AdminEmail,
	}
	link := router.New(linkCfg, pstore, eventbus.SimpleSink{Bus: events})
	link.SetBreaker(resilience.NewBreaker(resilience.BreakerConfig{Name: "router-link"}))

	limits := cfg.Limits
	if limits == (services.Limits{}) {
		limits = services.DefaultLimits()
	}

	tellSvc := &services.TellService{LocalMud: cfg.MudName, MaxLen: limits.TellMaxLen, State: st, Sender: gwRouter, Events: events}
	emotetoSvc := &services.EmotetoService{LocalMud: cfg.MudName, MaxLen: limits.EmotetoMaxLen, State: st, Sender: gwRouter, Events: events}
	channelSvc := services.NewChannelService(cfg.MudName, limits.TellMaxLen, st, gwRouter, events)
	whoSvc := services.NewWhoService(cfg.MudName, limits.WhoTimeout, st, sessions, gwRouter)
	fingerSvc := services.NewFingerService(cfg.MudName, limits.FingerTimeout, st, gwRouter)
	locateSvc := services.NewLocateService(cfg.MudName, limits.LocateWindow, st, gwRouter)
	mudlistSvc := &services.MudlistService{LocalMud: cfg.MudName, State: st, Sender: gwRouter}
	errorSvc := &services.ErrorService{
		Failers: []services.PendingFailer{whoSvc, fingerSvc, locateSvc, channelSvc},
		Events:  events,
	}

	gwRouter.Register(packet.TypeTell, tellSvc)
	gwRouter.Register(packet.TypeEmoteto, emotetoSvc)
	gwRouter.Register(packet.TypeChannelM, channelSvc)
	gwRouter.Register(packet.TypeChannelE, channelSvc)
	gwRouter.Register(packet.TypeChannelT, channelSvc)
	gwRouter.Register(packet.TypeChannelAdd, channelSvc)
	gwRouter.Register(packet.TypeChannelRemove, channelSvc)
	gwRouter.Register(packet.TypeChanWhoReply, channelSvc)
	gwRouter.Register(packet.TypeChanlistReply, channelSvc)
	gwRouter.Register(packet.TypeWhoReq, whoSvc)
	gwRouter.Register(packet.TypeWhoReply, whoSvc)
	gwRouter.Register(packet.TypeFingerReq, fingerSvc)
	gwRouter.Register(packet.TypeFingerReply, fingerSvc)
	gwRouter.Register(packet.TypeLocateReply, locateSvc)
	gwRouter.Register(packet.TypeMudlist, mudlistSvc)
	gwRouter.Register(packet.TypeError, errorSvc)

	dispatcher := &api.Dispatcher{
		LocalMud:  cfg.MudName,
		StartedAt: time.Now(),
		Auth:      authn,
		Sessions:  sessions,
		Events:    events,
		Router:    link,
		Tell:      tellSvc,
		Emoteto:   emotetoSvc,
		Channel:   channelSvc,
		Who:       whoSvc,
		Finger:    fingerSvc,
		Locate:    locateSvc,
		Mudlist:   mudlistSvc,
	}

	g := &Gateway{
		cfg:        cfg,
		startedAt:  time.Now(),
		persist:    pstore,
		link:       link,
		gwR:        gwRouter,
		events:     events,
		auth:       authn,
		gate:       gate,
		sess:       sessions,
		state:      st,
		dispatcher: dispatcher,
	}
	dispatcher.Reconnector = link
	dispatcher.Shutdowner = g

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	ws.NewHandler(dispatcher, gate, ws.Config{MaxQueue: cfg.MaxQueue}).Register(e)
	registerHealthRoutes(e, g)
	registerMetricsRoute(e, g)
	g.echoServer = e

	g.tcpServer = tcp.NewServer(dispatcher, gate, tcp.Config{
		MaxQueue:       cfg.MaxQueue,
		MaxConnections: cfg.MaxConnections,
	})

	return g, nil
}

// Run brings every component up and blocks until ctx is canceled, then
// drains the router link and closes the persistent store before returning.
// Router state is saved by the link after each successful handshake; Run
// writes no further state at shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	defer cancel()

	go g.events.Run()

	linkErrCh := make(chan error, 1)
	go func() { linkErrCh <- g.link.Run(ctx) }()

	go g.pumpOutbound(ctx)
	go g.pumpInbound(ctx)
	go g.sweepSessions(ctx)

	tcpListener, err := net.Listen("tcp", g.cfg.TCPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.cfg.TCPAddr, err)
	}
	go func() {
		if err := g.tcpServer.Serve(ctx, tcpListener); err != nil {
			log.Printf("[tcp] serve: %v", err)
		}
	}()

	go func() {
		var err error
		if g.cfg.TLSConfig != nil {
			g.echoServer.TLSServer.Addr = g.cfg.WSAddr
			g.echoServer.TLSServer.TLSConfig = g.cfg.TLSConfig
			err = g.echoServer.StartServer(g.echoServer.TLSServer)
		} else {
			err = g.echoServer.Start(g.cfg.WSAddr)
		}
		if err != nil {
			log.Printf("[ws] serve: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("[gateway] shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = g.echoServer.Shutdown(shutdownCtx)
	_ = tcpListener.Close()

	g.link.Drain()
	select {
	case <-linkErrCh:
	case <-time.After(15 * time.Second):
		log.Println("[router] drain timed out")
	}

	if err := g.persist.Close(); err != nil {
		log.Printf("[persist] close: %v", err)
	}
	return nil
}

// Shutdown implements internal/api.Shutdowner for the shutdown API method.
func (g *Gateway) Shutdown() {
	g.shutdownOnce.Do(func() {
		if g.cancel != nil {
			g.cancel()
		}
	})
}

// pumpOutbound drains the packet router's bounded priority queue and hands
// each item to the router link's own outbound channel for the wire write.
// Dequeue blocks on an empty queue, so this goroutine only observes ctx
// cancellation between items; it is abandoned at process exit.
func (g *Gateway) pumpOutbound(ctx context.Context) {
	for {
		item := g.gwR.Dequeue()
		select {
		case <-ctx.Done():
			return
		default:
		}
		g.link.Send(item.Packet, item.Priority)
	}
}

// pumpInbound reads decoded packets off the router link and dispatches each
// to its registered service.
func (g *Gateway) pumpInbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-g.link.Inbound():
			if !ok {
				return
			}
			g.gwR.Dispatch(pkt)
		}
	}
}

// sweepSessions evicts expired sessions and, when enabled, reindexes live
// sessions into the persistent store for cross-restart resume, mirroring
// the teacher's ticker-based periodic maintenance tasks in main.go.
func (g *Gateway) sweepSessions(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.sess.SweepExpired(); n > 0 {
				log.Printf("[session] swept %d expired session(s)", n)
			}
			if g.cfg.PersistDB {
				g.persistSessions()
			}
		}
	}
}

// persistSessions writes every live session into the sessions table so an
// operator can inspect it via "i3gateway sessions" or a future restart can
// offer resume tokens.
func (g *Gateway) persistSessions() {
	for _, s := range g.sess.All() {
		perms := make([]string, 0, len(s.Permissions))
		for p := range s.Permissions {
			perms = append(perms, p)
		}
		permsJSON, err := json.Marshal(perms)
		if err != nil {
			continue
		}
		rec := persist.SessionRecord{
			ID:              s.ID,
			MudName:         s.MudName,
			APIKeyID:        s.APIKeyID,
			PermissionsJSON: string(permsJSON),
			CreatedAtUnix:   s.ConnectedAt.Unix(),
			LastActivity:    time.Unix(0, s.LastActivity.Load()).Unix(),
		}
		if err := g.persist.SaveSession(rec); err != nil {
			log.Printf("[session] persist %s: %v", s.ID, err)
		}
	}
}
