// Package main wires and runs the portfolio agent: a simulated broker
// seeded with sample symbols, the sample strategy registry, the
// portfolio manager, the live agent control loop, and the read-only
// status/metrics HTTP+WebSocket server.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas-desktop/portfolio-agent/internal/agent"
	"github.com/atlas-desktop/portfolio-agent/internal/backtest"
	"github.com/atlas-desktop/portfolio-agent/internal/broker"
	"github.com/atlas-desktop/portfolio-agent/internal/httpapi"
	"github.com/atlas-desktop/portfolio-agent/internal/metrics"
	"github.com/atlas-desktop/portfolio-agent/internal/montecarlo"
	"github.com/atlas-desktop/portfolio-agent/internal/optimizer"
	"github.com/atlas-desktop/portfolio-agent/internal/portfolio"
	"github.com/atlas-desktop/portfolio-agent/internal/statestore"
	"github.com/atlas-desktop/portfolio-agent/internal/strategy"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// maxRuinProbability is the highest Monte Carlo probability-of-ruin a
// strategy may show before the viability filter excludes it from the
// optimizer regardless of its backtested grade.
var maxRuinProbability = decimal.NewFromFloat(0.10)

func main() {
	host := flag.String("host", "0.0.0.0", "Status server host")
	port := flag.Int("port", 8090, "Status server port")
	statePath := flag.String("state", "portfolio_state.json", "Path to the persisted state file")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	viper.SetEnvPrefix("PORTFOLIO_AGENT")
	viper.AutomaticEnv()
	if v := viper.GetString("LOG_LEVEL"); v != "" {
		*logLevel = v
	}
	if v := viper.GetString("STATE_PATH"); v != "" {
		*statePath = v
	}

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	logger.Info("starting portfolio agent",
		zap.String("host", *host), zap.Int("port", *port), zap.String("statePath", *statePath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sb := broker.NewSimulatedBroker(logger, decimal.NewFromInt(100000), broker.FixedSlippage{Fraction: decimal.NewFromFloat(0.0005)})
	sb.Seed("SPY", decimal.NewFromInt(420), 0.00035, 0.009, decimal.NewFromInt(1))
	sb.Seed("QQQ", decimal.NewFromInt(370), 0.0004, 0.012, decimal.NewFromInt(1))
	sb.Seed("VTI", decimal.NewFromInt(210), 0.0003, 0.008, decimal.NewFromInt(1))
	sb.Seed("IWM", decimal.NewFromInt(195), 0.0002, 0.014, decimal.NewFromInt(1))

	registry := strategy.NewRegistry(logger)
	logger.Info("registered strategies", zap.Strings("strategies", registry.List()))

	strategies := make([]strategy.Strategy, 0, 3)
	for _, name := range []string{"momentum", "mean_reversion", "buy_and_hold"} {
		s, ok := registry.Create(name)
		if !ok {
			logger.Fatal("unknown strategy", zap.String("name", name))
		}
		strategies = append(strategies, s)
	}

	names := make([]string, len(strategies))
	for i, s := range strategies {
		names[i] = s.Name()
	}

	checker := backtest.NewViabilityChecker(backtest.DefaultViabilityThresholds())
	metricsCal := backtest.NewMetricsCalculator()
	mcSim := montecarlo.NewSimulator(logger, 1000, rand.Float64)

	// viabilityFilter gates which strategies ever reach the optimizer: a
	// strategy whose grade report is not viable (any threshold missed, i.e.
	// any grade below A), or one whose bootstrap-resampled return series
	// shows too high a probability of ruin, is excluded from this
	// rebalance's weight computation entirely rather than merely flagged.
	viabilityFilter := func(name string, returns []decimal.Decimal) bool {
		curve := backtest.EquityCurveFromReturns(returns)
		report := checker.Grade(name, metricsCal.Calculate(curve))
		if !report.Viable {
			return false
		}
		mc := mcSim.Run(returns)
		if mc.ProbabilityRuin.GreaterThan(maxRuinProbability) {
			logger.Warn("strategy excluded: monte carlo ruin probability exceeds threshold",
				zap.String("strategy", name), zap.String("probabilityRuin", mc.ProbabilityRuin.String()))
			return false
		}
		return true
	}

	opt := optimizer.NewSharpeOptimizer(logger, decimal.NewFromFloat(0.02))
	manager, err := portfolio.NewManager(logger, opt, names, portfolio.DefaultConfig(decimal.NewFromInt(100000)), viabilityFilter)
	if err != nil {
		logger.Fatal("failed to construct portfolio manager", zap.Error(err))
	}

	driver := backtest.NewDriver(func(symbol string) decimal.Decimal { return sb.GetVolumeStep(ctx, symbol) })
	store := statestore.New(*statePath)
	reg := metrics.New()

	a, err := agent.New(logger, agent.DefaultConfig(), sb, manager, strategies, driver, checker, store, reg)
	if err != nil {
		logger.Fatal("failed to construct agent", zap.Error(err))
	}
	a.SetMonteCarlo(mcSim)

	server := httpapi.NewServer(logger, httpapi.Config{
		Host:         *host,
		Port:         *port,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}, a, reg)
	a.SetStatusPush(server.Broadcast)

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("status server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	runDone := make(chan error, 1)
	go func() { runDone <- a.Run(ctx) }()

	logger.Info("portfolio agent running",
		zap.String("status", fmt.Sprintf("http://%s:%d/api/v1/status", *host, *port)))

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
		cancel()
		<-runDone
	case err := <-runDone:
		if err != nil {
			logger.Error("agent run loop exited with error", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("error during status server shutdown", zap.Error(err))
	}

	logger.Info("portfolio agent stopped")
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
