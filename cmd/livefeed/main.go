// Command livefeed follows the live review feed from a terminal. It seeds the feed over
// REST, applies pushed events and prints every change.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pscheid92/reviewpulse/internal/client/api"
	"github.com/pscheid92/reviewpulse/internal/client/feed"
	"github.com/pscheid92/reviewpulse/internal/client/live"
	"github.com/pscheid92/reviewpulse/internal/platform/logging"
	"github.com/pscheid92/reviewpulse/internal/wire"
)

const sessionCookieName = "reviewpulse-session"

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseTransports(raw string) ([]wire.Transport, error) {
	var out []wire.Transport
	for _, name := range strings.Split(raw, ",") {
		switch t := wire.Transport(strings.TrimSpace(name)); t {
		case wire.TransportWebSocket, wire.TransportPolling:
			out = append(out, t)
		case "":
		default:
			return nil, fmt.Errorf("unknown transport %q", name)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no transports given")
	}
	return out, nil
}

func main() {
	var (
		baseURL    = flag.String("url", envOr("LIVEFEED_URL", "http://localhost:8080"), "Server URL (or set LIVEFEED_URL env)")
		origin     = flag.String("origin", envOr("LIVEFEED_ORIGIN", "http://localhost:3000"), "Origin header sent on connect")
		transports = flag.String("transports", "websocket,polling", "Transports in order of preference")
		session    = flag.String("session", os.Getenv("LIVEFEED_SESSION"), "Signed session cookie value (optional)")
		verbose    = flag.Bool("verbose", false, "Verbose logging")
	)
	flag.Parse()

	level := "info"
	if *verbose {
		level = "debug"
	}
	logging.InitLogger("livefeed", level, "text")

	order, err := parseTransports(*transports)
	if err != nil {
		log.Fatalf("Invalid --transports: %v", err)
	}

	var opts []api.Option
	if *session != "" {
		opts = append(opts, api.WithSessionCookie(&http.Cookie{Name: sessionCookieName, Value: *session}))
	}
	rest, err := api.New(*baseURL, opts...)
	if err != nil {
		log.Fatalf("Invalid --url: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	f := feed.New(rest.Refetcher())
	if err := f.Refresh(ctx); err != nil {
		log.Fatalf("Failed to load reviews: %v", err)
	}
	for _, r := range f.Snapshot() {
		fmt.Printf("  %-36s  %-24s  +%d/-%d  %s\n", r.ID, r.Company.Name, r.HelpfulCount, r.DownVoteCount, r.Title)
	}

	f.OnChange(func(c feed.Change) { printChange(f, c) })

	provider := live.NewProvider(live.Options{
		URL:        *baseURL,
		Origin:     *origin,
		Transports: order,
	})
	defer provider.Close()

	manager, err := provider.Get()
	if err != nil {
		log.Fatalf("Failed to start live connection: %v", err)
	}
	defer f.Attach(manager)()

	states, cancel := manager.WatchConnected()
	defer cancel()

	for {
		select {
		case connected := <-states:
			slog.Info("Live connection", "connected", connected)
		case <-ctx.Done():
			slog.Info("Shutting down")
			return
		}
	}
}

func printChange(f *feed.Feed, c feed.Change) {
	if c.Kind == feed.ChangeSeeded {
		fmt.Printf("* feed refreshed, %d reviews\n", f.Len())
		return
	}
	r, ok := f.Get(c.ReviewID)
	if !ok {
		return
	}
	switch c.Kind {
	case feed.ChangeCreated:
		fmt.Printf("+ %s  %s (%d/5) by %s\n", r.Company.Name, r.Title, r.OverallScore, r.Author.Username)
	case feed.ChangeVoted:
		fmt.Printf("~ %s  +%d/-%d\n", r.Title, r.HelpfulCount, r.DownVoteCount)
	case feed.ChangeUpdated:
		fmt.Printf("! %s  edited\n", r.Title)
	}
}
