package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aeolun/roomchat/pkg/client"
	"github.com/aeolun/roomchat/pkg/logger"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type config struct {
	serverAddr string
	numClients int
	duration   time.Duration
	minDelay   time.Duration
	maxDelay   time.Duration
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config{}

	cmd := &cobra.Command{
		Use:          "loadtest",
		Short:        "Drive a roomchat server with simulated users",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.numClients < 1 {
				return fmt.Errorf("--clients must be at least 1")
			}
			if cfg.maxDelay < cfg.minDelay {
				return fmt.Errorf("--max-delay must not be below --min-delay")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log := logger.New(cfg.logLevel, cmd.ErrOrStderr())
			stats := runLoadTest(ctx, cfg, log)
			report(cmd.OutOrStdout(), cfg, stats)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.serverAddr, "server", "localhost:6465", "server address (host:port or ws://host:port/ws)")
	f.IntVar(&cfg.numClients, "clients", 10, "number of concurrent clients")
	f.DurationVar(&cfg.duration, "duration", time.Minute, "test duration")
	f.DurationVar(&cfg.minDelay, "min-delay", 100*time.Millisecond, "minimum delay between posts")
	f.DurationVar(&cfg.maxDelay, "max-delay", time.Second, "maximum delay between posts")
	f.StringVar(&cfg.logLevel, "log-level", "info", "log level: debug, info, warn, error")

	return cmd
}

// runLoadTest ramps clients up over the first quarter of the run, lets
// them post until the duration ends, then ramps them down in reverse
func runLoadTest(ctx context.Context, cfg config, log *zerolog.Logger) *Stats {
	// Calculate stagger delay: ramp up over 25% of test duration
	rampUpDuration := cfg.duration / 4
	staggerDelay := rampUpDuration / time.Duration(cfg.numClients)
	if staggerDelay < time.Millisecond {
		staggerDelay = time.Millisecond
	}

	log.Info().
		Str("server", cfg.serverAddr).
		Int("clients", cfg.numClients).
		Dur("duration", cfg.duration).
		Dur("ramp_up", rampUpDuration).
		Dur("min_delay", cfg.minDelay).
		Dur("max_delay", cfg.maxDelay).
		Msg("starting load test")

	runCtx, cancel := context.WithTimeout(ctx, cfg.duration)
	defer cancel()

	stats := &Stats{}
	var wg sync.WaitGroup

	// Start stats reporter
	stopStats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				posted, failed, connErrors, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				log.Info().
					Int64("posted", posted).
					Float64("rate", float64(posted)/elapsed).
					Int64("failed", failed).
					Int64("conn_errors", connErrors).
					Float64("avg_ms", avgUs/1000).
					Msg("stats")
			case <-stopStats:
				return
			}
		}
	}()

spawn:
	for i := 0; i < cfg.numClients; i++ {
		// Reverse order for ramp-down
		shutdownDelay := staggerDelay * time.Duration(cfg.numClients-i-1)

		wg.Add(1)
		go func(id int, shutdownDelay time.Duration) {
			defer wg.Done()

			bot, err := NewBotClient(runCtx, id, cfg.serverAddr, stats, log)
			if err != nil {
				log.Debug().Err(err).Int("bot", id).Msg("connect failed")
				return
			}
			if err := bot.Setup(); err != nil {
				stats.recordConnectionError()
				log.Debug().Err(err).Int("bot", id).Msg("setup failed")
				bot.close()
				return
			}

			// Only log every 100th client during ramp-up
			if id%100 == 0 {
				log.Info().Int("bot", id).Msg("connected")
			}

			bot.Run(runCtx, cfg.minDelay, cfg.maxDelay, shutdownDelay)
		}(i, shutdownDelay)

		select {
		case <-time.After(staggerDelay):
		case <-runCtx.Done():
			break spawn
		}
	}

	wg.Wait()
	close(stopStats)
	return stats
}

func report(w io.Writer, cfg config, stats *Stats) {
	posted, failed, connErrors, avgUs := stats.snapshot()
	rate := float64(posted) / cfg.duration.Seconds()

	// Calculate expected throughput
	avgDelay := (cfg.minDelay + cfg.maxDelay) / 2
	var expectedPerClient float64
	if avgDelay > 0 {
		expectedPerClient = float64(cfg.duration) / float64(avgDelay)
	}
	expectedTotal := expectedPerClient * float64(cfg.numClients)

	fmt.Fprintf(w, "\n=== Final Results ===\n")
	fmt.Fprintf(w, "Duration: %v\n", cfg.duration)
	fmt.Fprintf(w, "Messages posted: %d (%.1f/s)\n", posted, rate)
	fmt.Fprintf(w, "Messages failed: %d\n", failed)
	fmt.Fprintf(w, "  - Post failures: %d\n", stats.postFailures.Load())
	fmt.Fprintf(w, "  - Timeouts: %d\n", stats.timeouts.Load())
	fmt.Fprintf(w, "  - Disconnections: %d\n", stats.disconnections.Load())
	fmt.Fprintf(w, "Connection errors: %d\n", connErrors)
	fmt.Fprintf(w, "Messages delivered: %d\n", stats.messagesSeen.Load())
	fmt.Fprintf(w, "Average response time: %.2fms\n", avgUs/1000)
	fmt.Fprintf(w, "Traffic: %s sent, %s received\n",
		client.FormatBytes(stats.bytesSent.Load()), client.FormatBytes(stats.bytesReceived.Load()))
	if expectedTotal > 0 {
		fmt.Fprintf(w, "Expected throughput: %.0f messages (%.1f per client)\n", expectedTotal, expectedPerClient)
		fmt.Fprintf(w, "Actual vs expected: %.1f%% efficiency\n", float64(posted)/expectedTotal*100)
	}
	if posted+failed > 0 {
		fmt.Fprintf(w, "Success rate: %.1f%%\n", float64(posted)/float64(posted+failed)*100)
	}
}
