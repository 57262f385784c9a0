package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
)

// RunMetrics logs the router state, outbound queue depth, unknown packet
// type count, and start time every interval until ctx is canceled,
// mirroring the teacher's periodic ticker-driven stats logger.
func RunMetrics(ctx context.Context, g *Gateway, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			queued := g.gwR.Len()
			unknown := g.gwR.UnknownTypeCount()
			log.Printf("[metrics] router=%s outbound_queue=%d unknown_types=%d started=%s",
				g.link.StateName(), queued, unknown, humanize.Time(g.startedAt))
		}
	}
}

// registerMetricsRoute binds /metrics, a hand-rolled Prometheus exposition
// format writer. No metrics client library appears anywhere in the source
// material; the text format is simple enough that stdlib writing it
// directly is the idiomatic choice here.
func registerMetricsRoute(e *echo.Echo, g *Gateway) {
	e.GET("/metrics", func(c echo.Context) error {
		var buf []byte
		write := func(format string, args ...any) {
			buf = append(buf, []byte(fmt.Sprintf(format, args...))...)
		}

		write("# HELP i3_gateway_router_connected whether the upstream router link is connected\n")
		write("# TYPE i3_gateway_router_connected gauge\n")
		connected := 0
		if g.link.Connected() {
			connected = 1
		}
		write("i3_gateway_router_connected %d\n", connected)

		write("# HELP i3_gateway_outbound_queue_depth current depth of the outbound packet queue\n")
		write("# TYPE i3_gateway_outbound_queue_depth gauge\n")
		write("i3_gateway_outbound_queue_depth %d\n", g.gwR.Len())

		write("# HELP i3_gateway_unknown_packet_types_total packets dropped for lacking a registered service\n")
		write("# TYPE i3_gateway_unknown_packet_types_total counter\n")
		write("i3_gateway_unknown_packet_types_total %d\n", g.gwR.UnknownTypeCount())

		write("# HELP i3_gateway_uptime_seconds seconds since the gateway process started\n")
		write("# TYPE i3_gateway_uptime_seconds counter\n")
		write("i3_gateway_uptime_seconds %.0f\n", time.Since(g.startedAt).Seconds())

		return c.Blob(http.StatusOK, "text/plain; version=0.0.4", buf)
	})
}
