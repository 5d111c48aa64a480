package firehose

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var (
	wsConnectionAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "circlefeed_jetstream_connection_attempts_total",
		Help: "The total number of connection attempts to the Jetstream websocket",
	})

	wsConnectionErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "circlefeed_jetstream_connection_errors_total",
		Help: "The total number of connection errors encountered",
	})

	wsCurrentConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "circlefeed_jetstream_current_connections",
		Help: "The current number of active Jetstream websocket connections",
	})

	wsHostSwitches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "circlefeed_jetstream_host_switches_total",
		Help: "Number of times the connection switched to a different host",
	}, []string{"from_host", "to_host"})
)

const (
	wsReadBufferSize  = 1024 * 1024 // 1MB
	wsWriteBufferSize = 1024        // 1KB
	wsReadTimeout     = 60 * time.Second
	wsWriteTimeout    = 10 * time.Second
	wsPingInterval    = 30 * time.Second
)

// JetstreamConfig holds configuration for the Jetstream connection
type JetstreamConfig struct {
	// Hosts is a list of Jetstream endpoints to try in order
	// e.g. ["wss://jetstream1.us-east.bsky.network", "wss://jetstream2.us-east.bsky.network"]
	Hosts             []string
	WantedCollections []string
	WantedDids        []string
	Cursor            int64
	Compress          bool
	UserAgent         string
}

// SubscribeJetstream establishes a websocket connection to the Jetstream
// service, failing over between hosts with exponential backoff until a
// connection succeeds or the context is cancelled.
func SubscribeJetstream(ctx context.Context, config JetstreamConfig) (*websocket.Conn, error) {
	log.WithFields(log.Fields{
		"hosts":  config.Hosts,
		"cursor": config.Cursor,
	}).Info("Subscribing to Jetstream")

	if len(config.Hosts) == 0 {
		return nil, fmt.Errorf("no hosts provided in config")
	}

	currentHostIdx := 0

	dialer := websocket.Dialer{
		ReadBufferSize:   wsReadBufferSize,
		WriteBufferSize:  wsWriteBufferSize,
		HandshakeTimeout: 45 * time.Second,
		NetDialContext: (&net.Dialer{
			Timeout:   45 * time.Second,
			KeepAlive: 45 * time.Second,
		}).DialContext,
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 100 * time.Millisecond
	retry.MaxInterval = 30 * time.Second
	retry.Multiplier = 1.5
	retry.MaxElapsedTime = 0 // Never stop retrying

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			currentHost := config.Hosts[currentHostIdx]

			u, err := url.Parse(fmt.Sprintf("%s/subscribe", currentHost))
			if err != nil {
				return nil, fmt.Errorf("failed to parse URL: %w", err)
			}

			q := u.Query()
			for _, collection := range config.WantedCollections {
				q.Add("wantedCollections", collection)
			}
			for _, did := range config.WantedDids {
				q.Add("wantedDids", did)
			}
			if config.Cursor != 0 {
				q.Set("cursor", fmt.Sprintf("%d", config.Cursor))
			}
			if config.Compress {
				q.Set("compress", "true")
			}
			u.RawQuery = q.Encode()

			headers := http.Header{}
			if config.UserAgent != "" {
				headers.Set("User-Agent", config.UserAgent)
			}
			if config.Compress {
				headers.Set("Accept-Encoding", "zstd")
			}

			wsConnectionAttempts.Inc()

			conn, _, dialErr := dialer.Dial(u.String(), headers)
			if dialErr != nil {
				wsConnectionErrors.Inc()
				log.Errorf("Error connecting to Jetstream host %s: %s", currentHost, dialErr)

				// Try next host before backing off
				nextHostIdx := (currentHostIdx + 1) % len(config.Hosts)
				if nextHostIdx != currentHostIdx {
					wsHostSwitches.WithLabelValues(currentHost, config.Hosts[nextHostIdx]).Inc()
					log.Infof("Switching from host %s to %s", currentHost, config.Hosts[nextHostIdx])
					currentHostIdx = nextHostIdx
					retry.Reset()
					continue
				}

				time.Sleep(retry.NextBackOff())
				continue
			}

			retry.Reset()
			wsCurrentConnections.Inc()

			go func() {
				<-ctx.Done()
				wsCurrentConnections.Dec()
			}()

			setupConnectionHandlers(conn)
			go managePingPong(ctx, conn)

			return conn, nil
		}
	}
}

// setupConnectionHandlers configures the websocket connection handlers
func setupConnectionHandlers(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))

	conn.SetCloseHandler(func(code int, text string) error {
		log.Infof("WebSocket connection closed with code %d: %s", code, text)
		return nil
	})

	conn.SetPingHandler(func(appData string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	conn.SetPongHandler(func(appData string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})
}

// managePingPong handles the ping/pong keepalive for the websocket connection
func managePingPong(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(wsWriteTimeout)); err != nil {
				log.Warn("Ping failed, closing connection for restart: ", err)
				wsConnectionErrors.Inc()
				conn.Close()
				return
			}

			if err := conn.SetReadDeadline(time.Now().Add(wsReadTimeout)); err != nil {
				log.Warn("Failed to set read deadline, closing connection: ", err)
				wsConnectionErrors.Inc()
				conn.Close()
				return
			}
		}
	}
}
