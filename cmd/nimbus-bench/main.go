// Command nimbus-bench is a sustained load-test client for a nimbus broker.
// It ramps up a target number of connections at a controlled rate, has each
// one publish at a fixed rate, and reports aggregate throughput on an
// interval until the configured duration elapses.
package main

import (
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	nimbus "github.com/nimbusmq/nimbus.go"
	"github.com/nimbusmq/nimbus.go/internal/config"
)

// state tracks aggregate load-test metrics, mirroring the counters the
// teacher's load-test harness keeps, sized down to what a pub/sub client
// needs instead of a WebSocket fan-out server.
type state struct {
	activeConnections int64
	totalCreated      int64
	failedConnections int64

	messagesPublished int64
	publishErrors     int64
	messagesReceived  int64

	startTime time.Time
}

func (s *state) snapshot() (active, created, failed, published, pubErrs, received int64) {
	return atomic.LoadInt64(&s.activeConnections),
		atomic.LoadInt64(&s.totalCreated),
		atomic.LoadInt64(&s.failedConnections),
		atomic.LoadInt64(&s.messagesPublished),
		atomic.LoadInt64(&s.publishErrors),
		atomic.LoadInt64(&s.messagesReceived)
}

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	maxProcs := runtime.GOMAXPROCS(0)
	logger.Info().Int("gomaxprocs", maxProcs).Msg("automaxprocs applied")

	cfg, err := config.Load(&logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	logger = logger.Level(lvl)
	cfg.LogFields(logger)

	st := &state{startTime: time.Now()}

	reg := prometheus.NewRegistry()
	if cfg.MetricsAddr != "" {
		reg.MustRegister(prometheus.NewGoCollector())
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("serving prometheus metrics")
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error().Err(err).Msg("metrics server exited")
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	servers := strings.Split(cfg.Servers, ",")
	payload := make([]byte, cfg.PayloadBytes)
	rand.New(rand.NewSource(time.Now().UnixNano())).Read(payload)

	logger.Info().
		Strs("servers", servers).
		Str("subject", cfg.Subject).
		Int("connections", cfg.Connections).
		Int("ramp_rate", cfg.RampRate).
		Int("publish_rate", cfg.PublishRate).
		Dur("duration", cfg.Duration).
		Msg("starting load test")

	var wg sync.WaitGroup
	done := make(chan struct{})
	conns := make([]*nimbus.Conn, 0, cfg.Connections)
	var connsMu sync.Mutex

	rampTicker := time.NewTicker(time.Second / time.Duration(cfg.RampRate))
	defer rampTicker.Stop()

	spawned := 0
spawnLoop:
	for spawned < cfg.Connections {
		select {
		case <-stop:
			break spawnLoop
		case <-rampTicker.C:
			spawned++
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				c, err := dialOne(servers, cfg, reg, logger)
				if err != nil {
					atomic.AddInt64(&st.failedConnections, 1)
					logger.Error().Err(err).Int("conn_id", id).Msg("connection failed")
					return
				}
				atomic.AddInt64(&st.totalCreated, 1)
				atomic.AddInt64(&st.activeConnections, 1)
				connsMu.Lock()
				conns = append(conns, c)
				connsMu.Unlock()

				runPublisher(done, c, cfg, payload, st)
				atomic.AddInt64(&st.activeConnections, -1)
			}(spawned)
		}
	}

	reportTicker := time.NewTicker(cfg.ReportInterval)
	defer reportTicker.Stop()
	durationTimer := time.NewTimer(cfg.Duration)
	defer durationTimer.Stop()

reportLoop:
	for {
		select {
		case <-reportTicker.C:
			logReport(logger, st)
		case <-durationTimer.C:
			logger.Info().Msg("test duration elapsed, shutting down")
			break reportLoop
		case <-stop:
			logger.Info().Msg("interrupt received, shutting down")
			break reportLoop
		}
	}

	close(done)
	wg.Wait()

	connsMu.Lock()
	for _, c := range conns {
		c.Close()
	}
	connsMu.Unlock()

	logReport(logger, st)
	logger.Info().Dur("elapsed", time.Since(st.startTime)).Msg("load test complete")
}

func dialOne(servers []string, cfg *config.Config, reg prometheus.Registerer, logger zerolog.Logger) (*nimbus.Conn, error) {
	opts := []nimbus.Option{
		nimbus.Servers(servers...),
		nimbus.Timeout(cfg.ConnectTimeout),
		nimbus.PingInterval(cfg.PingInterval),
		nimbus.MaxReconnects(cfg.MaxReconnect),
		nimbus.WithLogger(logger),
		nimbus.WithTelemetry(reg),
	}
	if cfg.User != "" {
		opts = append(opts, nimbus.UserInfo(cfg.User, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, nimbus.Token(cfg.Token))
	}
	return nimbus.Connect(opts...)
}

func runPublisher(done <-chan struct{}, c *nimbus.Conn, cfg *config.Config, payload []byte, st *state) {
	if cfg.PublishRate <= 0 {
		<-done
		return
	}
	ticker := time.NewTicker(time.Second / time.Duration(cfg.PublishRate))
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.Publish(cfg.Subject, payload); err != nil {
				atomic.AddInt64(&st.publishErrors, 1)
				continue
			}
			atomic.AddInt64(&st.messagesPublished, 1)
		}
	}
}

func logReport(logger zerolog.Logger, st *state) {
	active, created, failed, published, pubErrs, received := st.snapshot()
	elapsed := time.Since(st.startTime).Seconds()
	rate := float64(0)
	if elapsed > 0 {
		rate = float64(published) / elapsed
	}
	logger.Info().
		Int64("active_connections", active).
		Int64("total_created", created).
		Int64("failed_connections", failed).
		Int64("messages_published", published).
		Int64("publish_errors", pubErrs).
		Int64("messages_received", received).
		Str("avg_publish_rate", fmt.Sprintf("%.1f/s", rate)).
		Msg("report")
}
