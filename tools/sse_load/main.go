// Command sse_load opens many concurrent subscriptions to the portfolio stream
// and checks that every subscriber sees tick numbers increase.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/algotrader/internal/events"
)

type counters struct {
	connected   atomic.Int64
	connectErrs atomic.Int64
	streamErrs  atomic.Int64
	snapshots   atomic.Int64
	outOfOrder  atomic.Int64
}

func main() {
	var (
		targetURL    string
		connections  int
		testDuration time.Duration
		rampUp       time.Duration
	)

	flag.StringVar(&targetURL, "url", "http://localhost:8080/portfolio/stream", "portfolio stream URL")
	flag.IntVar(&connections, "conns", 500, "number of concurrent subscriptions")
	flag.DurationVar(&testDuration, "dur", time.Minute, "test duration (0 for until interrupted)")
	flag.DurationVar(&rampUp, "ramp", time.Second, "spread connection starts across this window")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	if connections <= 0 {
		logger.Fatal("invalid conns", zap.Int("conns", connections))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if testDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, testDuration)
		defer cancel()
	}

	client := &http.Client{
		Transport: &http.Transport{
			MaxConnsPerHost:     connections + 10,
			MaxIdleConnsPerHost: connections + 10,
			DisableCompression:  true,
			DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		},
	}

	logger.Info("starting portfolio stream load",
		zap.String("url", targetURL),
		zap.Int("conns", connections),
		zap.Duration("duration", testDuration),
		zap.Duration("ramp", rampUp))

	var c counters
	start := time.Now()
	go report(ctx, logger, &c, start)

	step := rampUp / time.Duration(connections)
	var g errgroup.Group
	for i := 0; i < connections && ctx.Err() == nil; i++ {
		g.Go(func() error {
			subscribe(ctx, client, targetURL, &c)
			return nil
		})
		if step > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(step):
			}
		}
	}
	_ = g.Wait()

	elapsed := time.Since(start)
	logger.Info("done",
		zap.Int64("connected", c.connected.Load()),
		zap.Int64("connect_errs", c.connectErrs.Load()),
		zap.Int64("stream_errs", c.streamErrs.Load()),
		zap.Int64("snapshots", c.snapshots.Load()),
		zap.Int64("out_of_order", c.outOfOrder.Load()),
		zap.Float64("snapshots_per_sec", float64(c.snapshots.Load())/elapsed.Seconds()))

	if c.outOfOrder.Load() > 0 {
		os.Exit(1)
	}
}

// subscribe reads portfolio frames until ctx is done or the stream breaks.
func subscribe(ctx context.Context, client *http.Client, url string, c *counters) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.connectErrs.Add(1)
		return
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		c.connectErrs.Add(1)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.connectErrs.Add(1)
		return
	}
	c.connected.Add(1)

	var lastTick uint64
	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if ctx.Err() == nil {
				c.streamErrs.Add(1)
			}
			return
		}

		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var snapshot events.PortfolioSnapshot
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &snapshot); err != nil {
			c.streamErrs.Add(1)
			return
		}
		c.snapshots.Add(1)
		// slow subscribers may skip ticks, never go back
		if snapshot.Tick < lastTick {
			c.outOfOrder.Add(1)
		}
		lastTick = snapshot.Tick
	}
}

func report(ctx context.Context, logger *zap.Logger, c *counters, start time.Time) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("status",
				zap.Int64("connected", c.connected.Load()),
				zap.Int64("connect_errs", c.connectErrs.Load()),
				zap.Int64("stream_errs", c.streamErrs.Load()),
				zap.Int64("snapshots", c.snapshots.Load()),
				zap.Duration("elapsed", time.Since(start).Truncate(time.Second)))
		}
	}
}
