package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"venue-connector/internal/app"
	"venue-connector/internal/config"
	"venue-connector/internal/connector"
	"venue-connector/internal/core"
	"venue-connector/internal/exchange"
	"venue-connector/internal/logger"
	"venue-connector/internal/timesync"
)

type checkStatus string

const (
	statusPass checkStatus = "PASS"
	statusFail checkStatus = "FAIL"
)

type checkResult struct {
	Name       string      `json:"name"`
	Status     checkStatus `json:"status"`
	DurationMs int64       `json:"duration_ms"`
	Detail     string      `json:"detail,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type report struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Venue      string        `json:"venue"`
	Tier       string        `json:"tier"`
	Checks     []checkResult `json:"checks"`
}

type selectedChecks struct {
	preflight bool
	stream    bool
	reconnect bool
	lifecycle bool
}

// lifecycleOrder describes the resting limit order placed and cancelled by the lifecycle check.
type lifecycleOrder struct {
	pair   string
	side   core.Side
	price  decimal.Decimal
	amount decimal.Decimal
}

type checker struct {
	venue      exchange.Venue
	clock      *timesync.Synchronizer
	streamWait time.Duration
	order      lifecycleOrder
	newConn    func() (*connector.Connector, error)
	out        func(format string, args ...any)
	report     report
}

func main() {
	var (
		configPath  string
		envFile     string
		timeoutSec  int
		streamWait  int
		outJSONPath string
		checkFlag   string
		allowOrders bool
		pair        string
		side        string
		price       string
		amount      string
	)
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.StringVar(&envFile, "env-file", ".env", "optional dotenv file with CONNECTOR_* overrides")
	flag.IntVar(&timeoutSec, "timeout-sec", 120, "total timeout seconds")
	flag.IntVar(&streamWait, "stream-wait-sec", 10, "wait seconds for user stream checks")
	flag.StringVar(&outJSONPath, "out-json", "", "optional output report path")
	flag.StringVar(&checkFlag, "check", "default", "checks to run: default | all | comma list (preflight,stream,reconnect,lifecycle)")
	flag.BoolVar(&allowOrders, "allow-orders", false, "allow the lifecycle check to place and cancel a real order")
	flag.StringVar(&pair, "pair", "BTC-USD", "lifecycle order pair")
	flag.StringVar(&side, "side", "BUY", "lifecycle order side")
	flag.StringVar(&price, "price", "", "lifecycle order limit price, far from the market")
	flag.StringVar(&amount, "amount", "", "lifecycle order amount")
	flag.Parse()

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fatal(fmt.Sprintf("load %s: %v", envFile, err))
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	checks, err := parseCheckFlag(checkFlag)
	if err != nil {
		fatal(err.Error())
	}
	var order lifecycleOrder
	if checks.lifecycle {
		if !allowOrders {
			fatal("lifecycle check places a real order; set -allow-orders=true to continue")
		}
		order, err = parseLifecycleOrder(pair, side, price, amount)
		if err != nil {
			fatal(err.Error())
		}
	}
	if timeoutSec < 30 {
		timeoutSec = 30
	}
	if streamWait < 3 {
		streamWait = 3
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
	defer cancel()

	log := logger.New(logger.Config{Level: cfg.Observability.Log.Level, Format: cfg.Observability.Log.Format})
	clock := timesync.NewSynchronizer()
	venue, err := app.NewVenue(cfg, clock, log, nil)
	if err != nil {
		fatal(err.Error())
	}

	c := &checker{
		venue:      venue,
		clock:      clock,
		streamWait: time.Duration(streamWait) * time.Second,
		order:      order,
		newConn: func() (*connector.Connector, error) {
			return connector.New(connector.Options{
				Venue:         venue,
				InstanceID:    cfg.InstanceID,
				Tier:          cfg.Venue.Tier,
				Clock:         clock,
				RuleOverrides: cfg.ApplyRuleOverrides,
				Log:           log,
			})
		},
		out:    func(format string, args ...any) { fmt.Printf(format, args...) },
		report: report{Venue: venue.Name(), Tier: cfg.Venue.Tier},
	}
	r := c.runAll(ctx, checks)
	printSummary(r)

	if outJSONPath != "" {
		if err := writeReport(outJSONPath, r); err != nil {
			fatal(err.Error())
		}
		fmt.Printf("report written: %s\n", outJSONPath)
	}
	for _, cr := range r.Checks {
		if cr.Status == statusFail {
			os.Exit(1)
		}
	}
}

func (c *checker) runAll(ctx context.Context, checks selectedChecks) report {
	c.report.StartedAt = time.Now().UTC()
	if checks.preflight {
		c.run("venue_preflight", func() (string, error) { return c.preflight(ctx) })
	}
	if checks.stream {
		c.run("user_stream_subscribe", func() (string, error) { return c.streamWindow(ctx) })
	}
	if checks.reconnect {
		c.run("user_stream_reconnect", func() (string, error) { return c.reconnectRounds(ctx) })
	}
	if checks.lifecycle {
		c.run("order_lifecycle_place_cancel", func() (string, error) { return c.lifecycle(ctx) })
	}
	c.report.FinishedAt = time.Now().UTC()
	return c.report
}

func (c *checker) run(name string, fn func() (string, error)) {
	start := time.Now()
	detail, err := fn()
	cr := checkResult{
		Name:       name,
		DurationMs: time.Since(start).Milliseconds(),
		Detail:     detail,
	}
	if err != nil {
		cr.Status = statusFail
		cr.Error = err.Error()
	} else {
		cr.Status = statusPass
	}
	c.report.Checks = append(c.report.Checks, cr)
	if cr.Status == statusPass {
		c.out("[PASS] %s (%dms)", name, cr.DurationMs)
		if cr.Detail != "" {
			c.out(" - %s", cr.Detail)
		}
		c.out("\n")
	} else {
		c.out("[FAIL] %s (%dms) - %s\n", name, cr.DurationMs, cr.Error)
	}
}

func (c *checker) preflight(ctx context.Context) (string, error) {
	if err := c.clock.Recalibrate(ctx, c.venue); err != nil {
		return "", fmt.Errorf("server time: %w", err)
	}
	rules, err := c.venue.TradingRules(ctx)
	if err != nil {
		return "", fmt.Errorf("trading rules: %w", err)
	}
	if len(rules) == 0 {
		return "", errors.New("venue returned no trading pairs")
	}
	balances, err := c.venue.Balances(ctx)
	if err != nil {
		return "", fmt.Errorf("balances: %w", err)
	}
	open, err := c.venue.OpenOrders(ctx)
	if err != nil {
		return "", fmt.Errorf("open orders: %w", err)
	}
	assets := make([]string, 0, len(balances))
	for asset := range balances {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	return fmt.Sprintf("clockOffset=%s pairs=%d assets=%s openOrders=%d",
		c.clock.Offset().Round(time.Millisecond), len(rules), strings.Join(assets, ","), len(open)), nil
}

func (c *checker) streamWindow(ctx context.Context) (string, error) {
	cctx, ccancel := context.WithTimeout(ctx, c.streamWait)
	defer ccancel()

	events, errs, err := c.venue.UserStream(cctx)
	if err != nil {
		return "", err
	}
	count := 0
	for {
		select {
		case <-cctx.Done():
			if errors.Is(cctx.Err(), context.DeadlineExceeded) {
				return fmt.Sprintf("no stream errors during %s window events=%d", c.streamWait, count), nil
			}
			return "", cctx.Err()
		case ev, ok := <-events:
			if !ok {
				if cctx.Err() != nil {
					continue
				}
				return "", errors.New("events channel closed unexpectedly")
			}
			if ev.Err != nil {
				return "", fmt.Errorf("undecodable %s message: %w", ev.Channel, ev.Err)
			}
			count++
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return "", err
			}
		}
	}
}

func (c *checker) reconnectRounds(ctx context.Context) (string, error) {
	okRounds := 0
	for i := 0; i < 2; i++ {
		roundCtx, roundCancel := context.WithTimeout(ctx, 5*time.Second)
		events, errs, err := c.venue.UserStream(roundCtx)
		if err != nil {
			roundCancel()
			return "", fmt.Errorf("round %d subscribe failed: %w", i+1, err)
		}
		select {
		case err := <-errs:
			roundCancel()
			return "", fmt.Errorf("round %d stream error: %v", i+1, err)
		case _, ok := <-events:
			if !ok {
				roundCancel()
				return "", fmt.Errorf("round %d stream closed unexpectedly", i+1)
			}
			okRounds++
		case <-time.After(2 * time.Second):
			okRounds++
		case <-ctx.Done():
			roundCancel()
			return "", ctx.Err()
		}
		roundCancel()
	}
	return fmt.Sprintf("reconnect rounds passed=%d", okRounds), nil
}

// lifecycle drives a real order through the connector: place, wait for the
// acknowledgement, cancel, and check the tracked state.
func (c *checker) lifecycle(ctx context.Context) (string, error) {
	conn, err := c.newConn()
	if err != nil {
		return "", err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	id, err := conn.PlaceOrder(ctx, connector.OrderRequest{
		Pair:   c.order.pair,
		Side:   c.order.side,
		Type:   core.LimitMaker,
		Price:  c.order.price,
		Amount: c.order.amount,
	})
	if err != nil {
		return "", err
	}
	acked, err := waitForState(ctx, conn, id, func(o core.Order) bool { return o.State != core.StatePendingCreate })
	if err != nil {
		return "", err
	}
	if acked.State == core.StateFailed {
		return "", fmt.Errorf("order %s failed: %s", id, acked.LastError)
	}
	if _, err := conn.CancelOrder(ctx, id); err != nil {
		return "", fmt.Errorf("cancel %s: %w", id, err)
	}
	final, err := waitForState(ctx, conn, id, func(o core.Order) bool { return o.State.Terminal() })
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("clientId=%s exchangeId=%s userref=%d price=%s amount=%s final=%s",
		id, acked.ExchangeOrderID, acked.Userref, acked.Price, acked.Amount, final.State), nil
}

func waitForState(ctx context.Context, conn *connector.Connector, id string, done func(core.Order) bool) (core.Order, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		o, ok := conn.Order(id)
		if !ok {
			return core.Order{}, fmt.Errorf("order %s no longer tracked", id)
		}
		if done(o) {
			return o, nil
		}
		select {
		case <-ctx.Done():
			return o, fmt.Errorf("order %s stuck in %s: %w", id, o.State, ctx.Err())
		case <-ticker.C:
		}
	}
}

func parseCheckFlag(raw string) (selectedChecks, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" || raw == "default" {
		return selectedChecks{preflight: true, stream: true, reconnect: true}, nil
	}
	if raw == "all" {
		return selectedChecks{preflight: true, stream: true, reconnect: true, lifecycle: true}, nil
	}

	var out selectedChecks
	for _, p := range strings.Split(raw, ",") {
		switch name := strings.TrimSpace(p); name {
		case "":
			continue
		case "preflight", "venue_preflight":
			out.preflight = true
		case "stream", "user_stream", "user_stream_subscribe":
			out.stream = true
		case "reconnect", "user_stream_reconnect":
			out.reconnect = true
		case "lifecycle", "order_lifecycle", "order_lifecycle_place_cancel":
			out.lifecycle = true
		default:
			return selectedChecks{}, fmt.Errorf("unknown check: %s", name)
		}
	}
	if !out.preflight && !out.stream && !out.reconnect && !out.lifecycle {
		return selectedChecks{}, errors.New("no checks selected")
	}
	return out, nil
}

func parseLifecycleOrder(pair, side, price, amount string) (lifecycleOrder, error) {
	o := lifecycleOrder{pair: strings.ToUpper(strings.TrimSpace(pair))}
	switch core.Side(strings.ToUpper(strings.TrimSpace(side))) {
	case core.Buy:
		o.side = core.Buy
	case core.Sell:
		o.side = core.Sell
	default:
		return lifecycleOrder{}, fmt.Errorf("side must be BUY or SELL, got %q", side)
	}
	var err error
	if o.price, err = decimal.NewFromString(strings.TrimSpace(price)); err != nil || o.price.Sign() <= 0 {
		return lifecycleOrder{}, fmt.Errorf("-price must be a positive decimal, got %q", price)
	}
	if o.amount, err = decimal.NewFromString(strings.TrimSpace(amount)); err != nil || o.amount.Sign() <= 0 {
		return lifecycleOrder{}, fmt.Errorf("-amount must be a positive decimal, got %q", amount)
	}
	return o, nil
}

func printSummary(r report) {
	pass := 0
	fail := 0
	for _, c := range r.Checks {
		if c.Status == statusPass {
			pass++
		} else {
			fail++
		}
	}
	fmt.Printf("\nsummary venue=%s tier=%s pass=%d fail=%d duration=%s\n",
		r.Venue,
		r.Tier,
		pass,
		fail,
		r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String(),
	)
}

func writeReport(path string, r report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, strings.TrimSpace(msg))
	os.Exit(1)
}
