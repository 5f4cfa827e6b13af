// Package realtime keeps a websocket connection to the backend and turns pushed
// auth frames into auth events.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/jarvis-dash/jarvis-core/internal/auth"
	"github.com/jarvis-dash/jarvis-core/internal/health"
	"github.com/jarvis-dash/jarvis-core/internal/services"
	"github.com/rs/zerolog"
)

const (
	Name = "realtime"

	frameTypeAuth    = "auth"
	defaultPing      = 20 * time.Second
	writeWait        = 5 * time.Second
	handshakeTimeout = 10 * time.Second
	maxFrameBytes    = 64 * 1024
)

// Publisher receives auth events decoded from the connection.
type Publisher interface {
	Publish(ev auth.Event)
}

type frame struct {
	Type          string `json:"type"`
	Authenticated bool   `json:"authenticated"`
}

// Service owns one websocket connection and reconnects it with backoff until stopped.
type Service struct {
	logger       zerolog.Logger
	url          string
	tokens       auth.TokenSource
	events       Publisher
	health       services.HealthSink
	dialer       *websocket.Dialer
	pingInterval time.Duration
	retryInitial time.Duration
	retryMax     time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option customizes the realtime service.
type Option func(*Service)

// WithPingInterval sets the heartbeat interval. The read deadline is twice this value.
func WithPingInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.pingInterval = d
		}
	}
}

// WithReconnectBackoff overrides the reconnect backoff bounds.
func WithReconnectBackoff(initial, maxInterval time.Duration) Option {
	return func(s *Service) {
		s.retryInitial = initial
		s.retryMax = maxInterval
	}
}

// WithTokens attaches a bearer token from the secure store to the handshake.
func WithTokens(tokens auth.TokenSource) Option {
	return func(s *Service) {
		s.tokens = tokens
	}
}

// New builds the service. An empty url disables the connection; Start then succeeds
// without dialing.
func New(logger zerolog.Logger, url string, events Publisher, sink services.HealthSink, opts ...Option) *Service {
	if sink == nil {
		sink = services.NopHealth{}
	}
	s := &Service{
		logger:       logger.With().Str("service", Name).Logger(),
		url:          url,
		events:       events,
		health:       sink,
		dialer:       &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: handshakeTimeout},
		pingInterval: defaultPing,
		retryInitial: 500 * time.Millisecond,
		retryMax:     30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start dials once. A failed dial fails the start; later losses reconnect in the background.
func (s *Service) Start(ctx context.Context) error {
	if s.url == "" {
		s.logger.Info().Msg("realtime url not configured; connection disabled")
		return nil
	}

	s.mu.Lock()
	running := s.cancel != nil
	s.mu.Unlock()
	if running {
		return nil
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("connect realtime: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go s.loop(runCtx, conn, done)
	s.logger.Info().Str("url", s.url).Msg("realtime connected")
	return nil
}

// Stop closes the connection and waits for the reader to exit.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if s.tokens != nil {
		token, found, err := s.tokens.GetSecret(ctx, auth.TokenSecret)
		if err != nil {
			s.logger.Warn().Err(err).Msg("auth token unavailable; connecting anonymously")
		} else if found && token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	conn, _, err := s.dialer.DialContext(ctx, s.url, header)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxFrameBytes)
	return conn, nil
}

func (s *Service) loop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		err := s.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn().Err(err).Msg("realtime connection lost")
		s.health.Update(Name, health.StatusDegraded, "connection lost", err)

		conn, err = s.reconnect(ctx)
		if err != nil {
			return
		}
		s.logger.Info().Msg("realtime reconnected")
		s.health.Update(Name, health.StatusHealthy, "reconnected", nil)
	}
}

func (s *Service) reconnect(ctx context.Context) (*websocket.Conn, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.retryInitial
	policy.MaxInterval = s.retryMax
	policy.MaxElapsedTime = 0
	policy.Reset()

	notify := func(err error, wait time.Duration) {
		s.logger.Debug().Err(err).Dur("retry_in", wait).Msg("realtime reconnect failed")
	}
	return backoff.RetryNotifyWithData(func() (*websocket.Conn, error) {
		return s.dial(ctx)
	}, backoff.WithContext(policy, ctx), notify)
}

// serve reads frames until the connection fails or ctx is canceled.
func (s *Service) serve(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	defer conn.Close()

	go func() {
		select {
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			_ = conn.Close()
		case <-stop:
		}
	}()
	go s.heartbeat(conn, stop)

	pongWait := 2 * s.pingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if kind != websocket.TextMessage {
			continue
		}
		s.handle(data)
	}
}

func (s *Service) heartbeat(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					s.logger.Debug().Err(err).Msg("realtime ping failed")
				}
				return
			}
		}
	}
}

func (s *Service) handle(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		s.logger.Warn().Err(err).Msg("malformed realtime frame")
		return
	}
	if f.Type != frameTypeAuth || s.events == nil {
		return
	}
	s.events.Publish(auth.Event{Authenticated: f.Authenticated, Source: Name, At: time.Now()})
}
