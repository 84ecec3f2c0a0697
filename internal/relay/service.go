// Package relay forwards sealed records to external HTTP endpoints.
package relay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/chainchat/internal/peers"
	"go.uber.org/zap"
)

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// Subscriber is implemented by *peers.Registry.
type Subscriber interface {
	Subscribe(h peers.Handler) (unsubscribe func())
}

// Options configures a Service.
type Options struct {
	URLs    []string
	Secret  string
	Timeout time.Duration
	// Delays between attempts; len(Delays)+1 attempts are made per target.
	Delays []time.Duration
}

// DefaultDelays is the retry schedule used when Options.Delays is nil.
var DefaultDelays = []time.Duration{1 * time.Second, 5 * time.Second}

// Service POSTs every broadcast record to each configured URL, signed with
// HMAC-SHA256. Delivery is fire-and-forget: failures are logged and counted,
// never reported back to the appender.
type Service struct {
	urls       []string
	secret     string
	delays     []time.Duration
	httpClient *http.Client
	onMetrics  MetricsRecorder
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a new relay Service.
func NewService(opts Options, logger *zap.Logger) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Delays == nil {
		opts.Delays = DefaultDelays
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		urls:       opts.URLs,
		secret:     opts.Secret,
		delays:     opts.Delays,
		httpClient: &http.Client{Timeout: opts.Timeout},
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (s *Service) SetMetricsRecorder(fn MetricsRecorder) {
	s.onMetrics = fn
}

// Attach subscribes the relay to registry broadcasts.
func (s *Service) Attach(sub Subscriber) (detach func()) {
	return sub.Subscribe(s.handle)
}

// Wait blocks until every dispatched delivery has succeeded or exhausted
// its retries.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Close abandons pending retries and waits for in-flight deliveries.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Service) handle(ev peers.Event) {
	if ev.Type != peers.EventRecordBroadcast || ev.Record == nil || len(s.urls) == 0 {
		return
	}
	s.Dispatch(Event{
		ID:        uuid.New(),
		Type:      EventRecordSealed,
		Timestamp: ev.At,
		PeerCount: ev.PeerCount,
		Record:    *ev.Record,
	})
}

// Dispatch fans out an event to all targets.
func (s *Service) Dispatch(event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("relay: marshal event", zap.Error(err))
		return
	}
	signature := SignPayload(body, s.secret)

	for _, url := range s.urls {
		s.wg.Add(1)
		go func(url string) {
			defer s.wg.Done()
			s.deliver(url, event.ID, body, signature)
		}(url)
	}
}

// deliver sends the event to a single target with retries.
func (s *Service) deliver(url string, eventID uuid.UUID, body []byte, signature string) {
	attempts := len(s.delays) + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(s.delays[attempt-2]):
			case <-s.ctx.Done():
				return
			}
		}

		d := s.doDelivery(url, eventID, body, signature)
		d.Attempt = attempt

		if s.onMetrics != nil {
			s.onMetrics(d.Success)
		}
		if d.Success {
			s.logger.Debug("relay: delivered", zap.String("url", url), zap.String("event", eventID.String()))
			return
		}

		s.logger.Warn("relay: delivery failed",
			zap.String("url", url),
			zap.Int("attempt", d.Attempt),
			zap.Int("status", d.StatusCode),
			zap.String("error", d.Error),
		)
	}
}

// doDelivery performs a single HTTP POST delivery.
func (s *Service) doDelivery(url string, eventID uuid.UUID, body []byte, signature string) Delivery {
	d := Delivery{EventID: eventID, URL: url}

	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		d.Error = err.Error()
		return d
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, signature)
	req.Header.Set(HeaderDelivery, eventID.String())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		d.Error = err.Error()
		return d
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	d.StatusCode = resp.StatusCode
	d.Success = resp.StatusCode >= 200 && resp.StatusCode < 300
	if !d.Success {
		d.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return d
}

// SignPayload computes an HMAC-SHA256 signature.
func SignPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches body under secret.
func VerifySignature(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(SignPayload(body, secret)), []byte(signature))
}
