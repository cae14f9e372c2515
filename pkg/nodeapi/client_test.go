package nodeapi

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newAuthedTestMachinesServer(t *testing.T, token string, fail *int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /machines", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "token "+token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if fail != nil && atomic.LoadInt32(fail) != 0 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"name":"cape1","platform":"windows","os_version":"10","tags":["office"],"state":"poweroff"}]`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientListByTagsFiltersEligibleMachines(t *testing.T) {
	srv := newAuthedTestMachinesServer(t, "tok", nil)
	c := NewClient("node-a", srv.URL, "tok", nil, nil, 5*time.Second)

	candidates := c.ListByTags("windows", "10", []string{"office"})
	require.Len(t, candidates, 1)
	require.Equal(t, "node-a", candidates[0].NodeName)
	require.Equal(t, "cape1", candidates[0].MachineName)

	none := c.ListByTags("linux", "22.04", nil)
	require.Empty(t, none)
}

func TestNodeWatcherFiresAfterTwoConsecutiveFailures(t *testing.T) {
	var fail int32
	srv := newAuthedTestMachinesServer(t, "tok", &fail)
	c := NewClient("node-a", srv.URL, "tok", nil, nil, 2*time.Second)

	disconnected := make(chan string, 1)
	w := NewNodeWatcher(c, 30*time.Millisecond, func(name string) { disconnected <- name }, nil)

	atomic.StoreInt32(&fail, 1)
	w.Start()
	defer w.Stop()

	select {
	case name := <-disconnected:
		require.Equal(t, "node-a", name)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never reported disconnection")
	}
}

func TestNodeWatcherReportsReconnection(t *testing.T) {
	var fail int32
	srv := newAuthedTestMachinesServer(t, "tok", &fail)
	c := NewClient("node-a", srv.URL, "tok", nil, nil, 2*time.Second)

	disconnected := make(chan string, 1)
	reconnected := make(chan string, 1)
	w := NewNodeWatcher(c, 30*time.Millisecond,
		func(name string) { disconnected <- name },
		func(name string) { reconnected <- name },
	)

	atomic.StoreInt32(&fail, 1)
	w.Start()
	defer w.Stop()

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never reported disconnection")
	}

	atomic.StoreInt32(&fail, 0)

	select {
	case name := <-reconnected:
		require.Equal(t, "node-a", name)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never reported reconnection")
	}
}

func TestNodesAggregatesAcrossClients(t *testing.T) {
	srvA := newAuthedTestMachinesServer(t, "tok", nil)
	srvB := newAuthedTestMachinesServer(t, "tok", nil)
	a := NewClient("node-a", srvA.URL, "tok", nil, nil, 5*time.Second)
	b := NewClient("node-b", srvB.URL, "tok", nil, nil, 5*time.Second)

	nodes := NewNodes(a, b)
	candidates := nodes.ListByTags("windows", "10", []string{"office"})
	require.Len(t, candidates, 2)

	nodes.Remove("node-b")
	candidates = nodes.ListByTags("windows", "10", []string{"office"})
	require.Len(t, candidates, 1)
	require.Equal(t, "node-a", candidates[0].NodeName)
}
