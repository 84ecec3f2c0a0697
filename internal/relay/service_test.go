package relay_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmerrifield20/chainchat/internal/ledger"
	"github.com/jmerrifield20/chainchat/internal/peers"
	"github.com/jmerrifield20/chainchat/internal/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const secret = "relay-secret"

type received struct {
	mu     sync.Mutex
	events []relay.Event
	valid  []bool
}

func (r *received) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func target(t *testing.T, failFirst int32) (*httptest.Server, *received, *atomic.Int32) {
	t.Helper()
	got := &received{}
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n <= failFirst {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var ev relay.Event
		if err := json.Unmarshal(body, &ev); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		got.mu.Lock()
		got.events = append(got.events, ev)
		got.valid = append(got.valid, relay.VerifySignature(body, secret, r.Header.Get(relay.HeaderSignature)))
		got.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return srv, got, &calls
}

func TestRelay_deliversSignedBroadcasts(t *testing.T) {
	srv, got, _ := target(t, 0)
	reg := peers.New(8, zap.NewNop())
	defer reg.Close()

	var outcomes atomic.Int32
	svc := relay.NewService(relay.Options{URLs: []string{srv.URL}, Secret: secret}, zap.NewNop())
	svc.SetMetricsRecorder(func(success bool) {
		if success {
			outcomes.Add(1)
		}
	})
	detach := svc.Attach(reg)
	defer detach()
	defer svc.Close()

	reg.AddPeer("ignored")
	reg.Broadcast(ledger.SealedRecord{Index: 3, Hash: "00abc", PreviousHash: "00def"})

	require.Eventually(t, func() bool { return got.count() == 1 }, 5*time.Second, 10*time.Millisecond)
	got.mu.Lock()
	defer got.mu.Unlock()
	assert.Equal(t, relay.EventRecordSealed, got.events[0].Type)
	assert.Equal(t, 3, got.events[0].Record.Index)
	assert.Equal(t, "00abc", got.events[0].Record.Hash)
	assert.True(t, got.valid[0])
	assert.Equal(t, int32(1), outcomes.Load())
}

func TestRelay_retriesFailedDeliveries(t *testing.T) {
	srv, got, calls := target(t, 2)
	svc := relay.NewService(relay.Options{
		URLs:   []string{srv.URL},
		Secret: secret,
		Delays: []time.Duration{time.Millisecond, time.Millisecond},
	}, zap.NewNop())

	defer svc.Close()

	svc.Dispatch(relay.Event{Type: relay.EventRecordSealed, Record: ledger.SealedRecord{Index: 1}})
	svc.Wait()

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 1, got.count())
}

func TestRelay_givesUpAfterSchedule(t *testing.T) {
	srv, got, calls := target(t, 100)
	svc := relay.NewService(relay.Options{
		URLs:   []string{srv.URL},
		Delays: []time.Duration{time.Millisecond},
	}, zap.NewNop())

	defer svc.Close()

	svc.Dispatch(relay.Event{Type: relay.EventRecordSealed})
	svc.Wait()

	assert.Equal(t, int32(2), calls.Load())
	assert.Zero(t, got.count())
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"a":1}`)
	sig := relay.SignPayload(body, "k")
	assert.True(t, relay.VerifySignature(body, "k", sig))
	assert.False(t, relay.VerifySignature(body, "other", sig))
	assert.False(t, relay.VerifySignature([]byte(`{"a":2}`), "k", sig))
}
