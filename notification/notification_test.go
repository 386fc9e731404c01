package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"clinic-chat/backend/pkg/cache"
	"clinic-chat/backend/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (r *recordingNotifier) Notify(_ context.Context, userID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, userID+":"+text)
	return r.err
}

func TestDispatcherNotifyOnceDeduplicates(t *testing.T) {
	rec := &recordingNotifier{}
	d := NewDispatcher(rec, NewCacheDeduper(cache.NewCache(time.Hour, 100)), DispatcherConfig{}, logger.Discard())

	d.NotifyOnce("chat-available:s-1:patient-1", "patient-1", "Chat is available")
	d.Wait()
	d.NotifyOnce("chat-available:s-1:patient-1", "patient-1", "Chat is available")
	d.Wait()

	assert.Equal(t, []string{"patient-1:Chat is available"}, rec.sent)
}

func TestDispatcherSwallowsFailures(t *testing.T) {
	rec := &recordingNotifier{err: errors.New("down")}
	d := NewDispatcher(rec, nil, DispatcherConfig{Timeout: time.Second}, logger.Discard())

	d.Notify("doctor-1", "New message")
	d.Wait()

	assert.Len(t, rec.sent, 1)
}

func TestDispatcherDropsNoticesAfterClose(t *testing.T) {
	rec := &recordingNotifier{}
	d := NewDispatcher(rec, nil, DispatcherConfig{}, logger.Discard())

	d.Notify("patient-1", "before close")
	d.Close()
	d.Notify("patient-1", "after close")
	d.NotifyOnce("k", "patient-1", "after close")
	d.Wait()

	assert.Equal(t, []string{"patient-1:before close"}, rec.sent)
}

func TestDispatcherCloseWhileNotifying(t *testing.T) {
	rec := &recordingNotifier{}
	d := NewDispatcher(rec, nil, DispatcherConfig{}, logger.Discard())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				d.Notify("doctor-1", "New message")
			}
		}()
	}
	d.Close()
	wg.Wait()
	d.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.LessOrEqual(t, len(rec.sent), 16*50)
}

func TestHTTPNotifierPostsJSON(t *testing.T) {
	var got notifyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(srv.URL, time.Second, logger.Discard())
	require.NoError(t, n.Notify(context.Background(), "patient-1", "hello"))

	assert.Equal(t, "patient-1", got.UserID)
	assert.Equal(t, "hello", got.Text)
	assert.Equal(t, "chat", got.Source)
}

func TestHTTPNotifierReportsClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(srv.URL, time.Second, logger.Discard())
	assert.Error(t, n.Notify(context.Background(), "patient-1", "hello"))
}
