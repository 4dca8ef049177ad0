package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bazaar/internal/metrics"
	"github.com/mbd888/bazaar/internal/realtime"
)

type recordingSink struct {
	mu   sync.Mutex
	name string
	got  []Notification
	err  error
}

func (r *recordingSink) Name() string { return r.name }

func (r *recordingSink) Send(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return r.err
}

func (r *recordingSink) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.got...)
}

type panicSink struct{}

func (panicSink) Name() string                              { return "panicky" }
func (panicSink) Send(context.Context, Notification) error { panic("boom") }

func TestEmitter_FansOutAndFillsDefaults(t *testing.T) {
	a := &recordingSink{name: "a"}
	b := &recordingSink{name: "b"}
	e := NewEmitter(slog.Default(), a, b)

	e.Emit(context.Background(), Notification{Kind: KindHoldReleased, Subject: "hold-1"})
	e.Wait()

	require.Len(t, a.all(), 1)
	require.Len(t, b.all(), 1)
	n := a.all()[0]
	assert.NotEmpty(t, n.ID)
	assert.False(t, n.At.IsZero())
	assert.Equal(t, n.ID, b.all()[0].ID)
}

func TestEmitter_SinkErrorsAreSwallowedAndCounted(t *testing.T) {
	failing := &recordingSink{name: "failing-test", err: errors.New("down")}
	e := NewEmitter(slog.Default(), failing, panicSink{})

	before := testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("failing-test", "error"))
	e.Emit(context.Background(), Notification{Kind: KindRefundFailed, Subject: "r-1"})
	e.Wait()

	after := testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("failing-test", "error"))
	assert.Equal(t, before+1, after)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("panicky", "panic")))
}

func TestEmitter_CanceledCallerContextStillDelivers(t *testing.T) {
	s := &recordingSink{name: "ctx"}
	e := NewEmitter(nil, s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.Emit(ctx, Notification{Kind: KindOrderStatusChanged, Subject: "o-1"})
	e.Wait()
	assert.Len(t, s.all(), 1)
}

func TestHTTPSink_SignsPayload(t *testing.T) {
	secret := "whsec_test"
	var gotBody []byte
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink := NewHTTPSink(srv.URL, secret, time.Second)
	err := sink.Send(context.Background(), Notification{
		ID: "n-1", Kind: KindRefundCompleted, Subject: "refund-1", At: time.Now().UTC(),
	})
	require.NoError(t, err)

	assert.Equal(t, "refund.completed", gotHeaders.Get(HeaderKind))
	assert.True(t, Verify([]byte(secret), gotHeaders.Get(HeaderTimestamp), gotBody, gotHeaders.Get(HeaderSignature)))
	assert.False(t, Verify([]byte("wrong"), gotHeaders.Get(HeaderTimestamp), gotBody, gotHeaders.Get(HeaderSignature)))

	var n Notification
	require.NoError(t, json.Unmarshal(gotBody, &n))
	assert.Equal(t, "refund-1", n.Subject)
}

func TestHTTPSink_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewHTTPSink(srv.URL, "s", time.Second).Send(context.Background(), Notification{Kind: KindHoldRefunded})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaSink_KeysBySubject(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{w: w}

	err := sink.Send(context.Background(), Notification{ID: "n-9", Kind: KindDisputeEscalated, Subject: "disp-1"})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "disp-1", string(w.msgs[0].Key))
	assert.True(t, bytes.Contains(w.msgs[0].Value, []byte(`"kind":"dispute.escalated"`)))
	assert.Equal(t, "event-type", w.msgs[0].Headers[0].Key)

	e := NewEmitter(nil, sink)
	require.NoError(t, e.Close())
	assert.True(t, w.closed)
}

func TestHubSink_Broadcasts(t *testing.T) {
	hub := realtime.NewHub(slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	err := HubSink{Hub: hub}.Send(context.Background(), Notification{Kind: KindHoldReleased, Subject: "h-1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Stats().Published == 1 }, time.Second, 10*time.Millisecond)
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := LogSink{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	require.NoError(t, sink.Send(context.Background(), Notification{Kind: KindHoldRefunded, Subject: "h-2"}))
	assert.True(t, strings.Contains(buf.String(), `"kind":"hold.refunded"`))
}
