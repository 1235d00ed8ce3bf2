package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNATS struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
	drained  bool
}

func (f *fakeNATS) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return f.err
}

func (f *fakeNATS) Drain() error {
	f.drained = true
	return nil
}

func TestNATSPublisher(t *testing.T) {
	conn := &fakeNATS{}
	p := &NATSPublisher{conn: conn}

	p.Publish(context.Background(), SimulationEvent{Type: EventSimulationUpdated, SimulationID: "sim_1", Turn: 2})

	require.Len(t, conn.subjects, 1)
	assert.Equal(t, "crisissim.simulation.sim_1.updated", conn.subjects[0])
	var decoded SimulationEvent
	require.NoError(t, json.Unmarshal(conn.payloads[0], &decoded))
	assert.Equal(t, 2, decoded.Turn)

	conn.err = errors.New("disconnected")
	p.Publish(context.Background(), SimulationEvent{SimulationID: "sim_1"})

	require.NoError(t, p.Close())
	assert.True(t, conn.drained)
}

func TestWebhookPublisher(t *testing.T) {
	var (
		mu       sync.Mutex
		received []videoReadyPayload
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p videoReadyPayload
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		mu.Lock()
		received = append(received, p)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := NewWebhookPublisher(srv.URL, "/media/fallback/video.mp4")
	ctx, cancel := context.WithCancel(context.Background())
	p.Publish(ctx, SimulationEvent{Type: EventSimulationUpdated, SimulationID: "sim_1", Turn: 2, VideoURL: "https://cdn/v.mp4"})
	cancel()
	p.Publish(context.Background(), SimulationEvent{Type: EventSimulationUpdated, SimulationID: "sim_1", Turn: 3, VideoURL: "/media/fallback/video.mp4"})
	p.Publish(context.Background(), SimulationEvent{Type: EventSimulationUpdated, SimulationID: "sim_1", Turn: 4})
	require.NoError(t, p.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, videoReadyPayload{SimulationID: "sim_1", Turn: 2, VideoURL: "https://cdn/v.mp4"}, received[0])
}

func TestMultiPublisher(t *testing.T) {
	var got []string
	multi := MultiPublisher{
		PublisherFunc(func(_ context.Context, e SimulationEvent) { got = append(got, "a:"+e.Type) }),
		nil,
		PublisherFunc(func(_ context.Context, e SimulationEvent) { got = append(got, "b:"+e.Type) }),
	}

	multi.Publish(context.Background(), SimulationEvent{Type: EventSimulationCreated, Timestamp: time.Now()})

	assert.Equal(t, []string{"a:simulation_created", "b:simulation_created"}, got)
}

func TestLockManager_SerializesPerID(t *testing.T) {
	lm := NewLockManagerWithTTL(time.Minute, time.Hour)
	defer lm.Stop()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = lm.ExecuteWithLock("sim_1", func() error {
				mu.Lock()
				active++
				if active > maxSeen {
					maxSeen = active
				}
				mu.Unlock()
				time.Sleep(2 * time.Millisecond)
				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
}

func TestLockManager_CleanupSkipsHeldLocks(t *testing.T) {
	lm := NewLockManagerWithTTL(time.Millisecond, time.Hour)
	defer lm.Stop()

	require.NoError(t, lm.ExecuteWithLock("idle", func() error { return nil }))

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = lm.ExecuteWithLock("busy", func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	removed := lm.cleanupUnused(time.Now().Add(time.Minute))
	close(release)

	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, lm.Len())

	err := lm.ExecuteWithLock("x", func() error { return errors.New("inner") })
	assert.EqualError(t, err, "inner")
}
