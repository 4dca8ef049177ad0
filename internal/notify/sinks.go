package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mbd888/bazaar/internal/realtime"
)

// LogSink writes each notification as a structured log line.
type LogSink struct {
	Logger *slog.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Send(ctx context.Context, n Notification) error {
	s.Logger.InfoContext(ctx, "notification",
		"id", n.ID, "kind", n.Kind, "subject", n.Subject, "recipients", n.Recipients)
	return nil
}

// Signature headers set by HTTPSink.
const (
	HeaderSignature = "X-Bazaar-Signature"
	HeaderTimestamp = "X-Bazaar-Timestamp"
	HeaderKind      = "X-Bazaar-Event"
)

// HTTPSink POSTs the JSON notification to the notification service. The
// body is signed with HMAC-SHA256 over "timestamp.body".
type HTTPSink struct {
	url    string
	secret []byte
	client *http.Client
}

// NewHTTPSink creates a signed-webhook sink.
func NewHTTPSink(url, secret string, timeout time.Duration) *HTTPSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSink{url: url, secret: []byte(secret), client: &http.Client{Timeout: timeout}}
}

func (*HTTPSink) Name() string { return "http" }

func (s *HTTPSink) Send(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderKind, string(n.Kind))
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, Sign(s.secret, ts, payload))

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification service returned %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of "timestamp.payload".
func Sign(secret []byte, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign.
func Verify(secret []byte, timestamp string, payload []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, timestamp, payload)), []byte(signature))
}

// messageWriter is the subset of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes notifications to a topic, keyed by subject so events
// about one entity stay ordered within a partition.
type KafkaSink struct {
	w messageWriter
}

// NewKafkaSink creates a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
	}}
}

func (*KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Send(ctx context.Context, n Notification) error {
	value, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return s.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.Subject),
		Value: value,
		Time:  n.At,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(n.Kind)},
			{Key: "event-id", Value: []byte(n.ID)},
		},
	})
}

func (s *KafkaSink) Close() error {
	return s.w.Close()
}

// HubSink forwards notifications to the admin console WebSocket feed.
type HubSink struct {
	Hub *realtime.Hub
}

func (HubSink) Name() string { return "hub" }

func (s HubSink) Send(_ context.Context, n Notification) error {
	ok := s.Hub.Broadcast(&realtime.Event{
		Type:       string(n.Kind),
		Subject:    n.Subject,
		Recipients: n.Recipients,
		Timestamp:  n.At,
		Data:       n.Data,
	})
	if !ok {
		return fmt.Errorf("realtime feed queue full")
	}
	return nil
}
