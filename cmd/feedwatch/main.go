// Command feedwatch runs the marketfeed client against a venue and prints
// market data summaries for the watched symbols.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/quoterra/marketfeed/config"
	"github.com/quoterra/marketfeed/internal/client"
	"github.com/quoterra/marketfeed/internal/observability"
	"github.com/quoterra/marketfeed/internal/session"
	"github.com/quoterra/marketfeed/lib/telemetry"
)

const (
	defaultConfigPath        = "config/marketfeed.yaml"
	loggerPrefix             = "feedwatch "
	shutdownTimeout          = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	summaryInterval          = 10 * time.Second
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to the marketfeed configuration file")
	symbolsFlag := flag.String("symbols", "BTC-USD", "comma separated symbols to watch")
	flag.Parse()

	logger := log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(stdLogger{logger: logger})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: venue=%s stream=%s", cfg.Venue, cfg.Stream.URL)

	providers, shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.Fatalf("init telemetry: %v", err)
	}
	observability.SetMetrics(telemetry.NewMeter(providers.MeterProvider))
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancelShutdown()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Printf("telemetry shutdown: %v", err)
		}
	}()

	feed, err := client.New(cfg,
		client.WithNotifier(logNotifier{logger: logger}),
		client.WithStateObserver(func(state session.State) {
			logger.Printf("connection state: %s", state)
		}),
	)
	if err != nil {
		logger.Fatalf("build client: %v", err)
	}

	if err := feed.Start(ctx); err != nil {
		logger.Fatalf("start client: %v", err)
	}

	symbols := splitSymbols(*symbolsFlag)
	for _, symbol := range symbols {
		for _, channel := range []string{client.ChannelOrderBook, "trades", "ticker"} {
			if err := feed.Subscribe(ctx, channel, symbol); err != nil {
				logger.Printf("subscribe %s %s: %v", channel, symbol, err)
			}
		}
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() { summaryLoop(ctx, logger, feed, symbols) })

	<-ctx.Done()
	logger.Printf("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := feed.Close(shutdownCtx); err != nil {
		logger.Printf("close client: %v", err)
	}
	lifecycle.Wait()
}

// summaryLoop periodically prints the cached view for each watched symbol.
func summaryLoop(ctx context.Context, logger *log.Logger, feed *client.Client, symbols []string) {
	ticker := time.NewTicker(summaryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, symbol := range symbols {
				logger.Printf("%s: %s", symbol, summarize(feed, symbol))
			}
			metrics := feed.MetricsSnapshot()
			logger.Printf("session: state=%s events=%d reconnects=%d retries=%d",
				feed.ConnectionStatus(), metrics.EventsApplied, metrics.ReconnectAttempts, metrics.RequestRetries)
		}
	}
}

func summarize(feed *client.Client, symbol string) string {
	book, ok := feed.OrderBook(symbol)
	if !ok {
		return "no book"
	}
	bid, hasBid := book.BestBid()
	ask, hasAsk := book.BestAsk()
	if !hasBid || !hasAsk {
		return "one-sided book"
	}
	trades := feed.RecentTrades(symbol)
	return fmt.Sprintf("bid=%s ask=%s trades=%d", bid.Price, ask.Price, len(trades))
}

func splitSymbols(raw string) []string {
	var symbols []string
	for _, part := range strings.Split(raw, ",") {
		if symbol := strings.TrimSpace(part); symbol != "" {
			symbols = append(symbols, symbol)
		}
	}
	return symbols
}

// stdLogger adapts the standard library logger to the structured interface.
type stdLogger struct {
	logger *log.Logger
}

func (l stdLogger) Debug(msg string, fields ...observability.Field) { l.print("DEBUG", msg, fields) }
func (l stdLogger) Info(msg string, fields ...observability.Field)  { l.print("INFO", msg, fields) }
func (l stdLogger) Warn(msg string, fields ...observability.Field)  { l.print("WARN", msg, fields) }
func (l stdLogger) Error(msg string, fields ...observability.Field) { l.print("ERROR", msg, fields) }

func (l stdLogger) print(level, msg string, fields []observability.Field) {
	var b strings.Builder
	b.WriteString(level)
	b.WriteString(" ")
	b.WriteString(msg)
	for _, field := range fields {
		fmt.Fprintf(&b, " %s=%v", field.Key, field.Value)
	}
	l.logger.Print(b.String())
}

// logNotifier surfaces feed-unavailable notices on the process log.
type logNotifier struct {
	logger *log.Logger
}

func (n logNotifier) FeedUnavailable(reason string) {
	n.logger.Printf("FEED UNAVAILABLE: %s (manual reconnect required)", reason)
}
