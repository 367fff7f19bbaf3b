package reconcile

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ryandielhenn/couchpeer/pkg/couch"
)

// adminServer records the peers it was asked to add and answers from script,
// repeating the last status.
type adminServer struct {
	mu     sync.Mutex
	script []int
	calls  int
	added  []string
}

func (a *adminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	status := a.script[min(a.calls, len(a.script)-1)]
	a.calls++
	if r.Method != http.MethodPut || !strings.HasPrefix(r.URL.Path, "/_nodes/couchdb@") {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	a.added = append(a.added, strings.TrimPrefix(r.URL.Path, "/_nodes/couchdb@"))
	w.WriteHeader(status)
}

func newTestReconciler(t *testing.T, url string) (*Reconciler, *[]time.Duration, *observer.ObservedLogs) {
	t.Helper()
	c, err := couch.NewClient(url, url, couch.WithCredentials(couch.BasicAuth("admin", "pw")))
	require.NoError(t, err)
	core, logs := observer.New(zapcore.InfoLevel)
	r := New(c, zap.New(core))
	var delays []time.Duration
	r.Sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return r, &delays, logs
}

func TestReconcileJoinsInOrder(t *testing.T) {
	admin := &adminServer{script: []int{http.StatusCreated}}
	srv := httptest.NewServer(admin)
	defer srv.Close()
	r, delays, logs := newTestReconciler(t, srv.URL)

	peers := []string{"db-0.db", "db-1.db", "db-2.db"}
	require.NoError(t, r.Reconcile(context.Background(), peers))
	assert.Equal(t, peers, admin.added)
	assert.Empty(t, *delays)
	assert.Equal(t, 3, logs.FilterMessage("adding cluster member").Len())
	assert.Equal(t, 1, logs.FilterMessage("cluster membership populated").Len())
}

func TestReconcileIsIdempotent(t *testing.T) {
	// CouchDB answers 409 once the node document exists
	admin := &adminServer{script: []int{http.StatusCreated, http.StatusCreated, http.StatusConflict}}
	srv := httptest.NewServer(admin)
	defer srv.Close()
	r, _, logs := newTestReconciler(t, srv.URL)

	peers := []string{"a", "b"}
	require.NoError(t, r.Reconcile(context.Background(), peers))
	require.NoError(t, r.Reconcile(context.Background(), peers))
	assert.Equal(t, []string{"a", "b", "a", "b"}, admin.added)

	statuses := []int64{}
	for _, e := range logs.FilterMessage("adding cluster member").All() {
		statuses = append(statuses, e.ContextMap()["status"].(int64))
	}
	assert.Equal(t, []int64{201, 201, 409, 409}, statuses)
}

func TestReconcileWaitsOutNotFound(t *testing.T) {
	admin := &adminServer{script: []int{http.StatusNotFound, http.StatusNotFound, http.StatusOK}}
	srv := httptest.NewServer(admin)
	defer srv.Close()
	r, delays, logs := newTestReconciler(t, srv.URL)

	require.NoError(t, r.Reconcile(context.Background(), []string{"db-0.db"}))
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, *delays)
	assert.Equal(t, 3, admin.calls)
	assert.Equal(t, 2, logs.FilterMessage("waiting for _nodes DB to be created").Len())

	added := logs.FilterMessage("adding cluster member").All()
	require.Len(t, added, 1)
	assert.Equal(t, int64(http.StatusOK), added[0].ContextMap()["status"])
}

func TestReconcileNotFoundHasNoCeiling(t *testing.T) {
	script := make([]int, 40)
	for i := range script {
		script[i] = http.StatusNotFound
	}
	script = append(script, http.StatusCreated)
	admin := &adminServer{script: script}
	srv := httptest.NewServer(admin)
	defer srv.Close()
	r, delays, _ := newTestReconciler(t, srv.URL)

	require.NoError(t, r.Reconcile(context.Background(), []string{"db-0.db"}))
	assert.Len(t, *delays, 40)
}

func TestReconcileTransportExhausted(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	r, delays, _ := newTestReconciler(t, url)

	err := r.Reconcile(context.Background(), []string{"db-0.db", "db-1.db"})
	require.ErrorIs(t, err, ErrJoinExhausted)
	assert.ErrorIs(t, err, couch.ErrTransportUnavailable)
	assert.Contains(t, err.Error(), "db-0.db")
	assert.Len(t, *delays, DefaultTransportAttempts-1)
}

// flakyJoiner fails the first n calls at the transport level.
type flakyJoiner struct {
	n     int
	calls int
}

func (f *flakyJoiner) AddNode(context.Context, string) (int, error) {
	f.calls++
	if f.calls <= f.n {
		return 0, couch.ErrTransportUnavailable
	}
	return http.StatusCreated, nil
}

func TestReconcileTransportRecovers(t *testing.T) {
	j := &flakyJoiner{n: 3}
	r := New(j, zap.NewNop())
	var delays []time.Duration
	r.Sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	require.NoError(t, r.Reconcile(context.Background(), []string{"a", "b"}))
	assert.Equal(t, 5, j.calls)
	assert.Len(t, delays, 3)
}

func TestReconcileEmptyPeers(t *testing.T) {
	r := New(&flakyJoiner{}, zap.NewNop())
	require.NoError(t, r.Reconcile(context.Background(), nil))
}

func TestReconcileStopsOnCancel(t *testing.T) {
	admin := &adminServer{script: []int{http.StatusNotFound}}
	srv := httptest.NewServer(admin)
	defer srv.Close()
	c, err := couch.NewClient(srv.URL, srv.URL)
	require.NoError(t, err)
	r := New(c, zap.NewNop())
	r.NotReadyDelay = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = r.Reconcile(ctx, []string{"db-0.db"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrJoinExhausted)
}
