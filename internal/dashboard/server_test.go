package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/flagyard/internal/models"
	"github.com/zulandar/flagyard/internal/output"
	"github.com/zulandar/flagyard/internal/relay"
	"github.com/zulandar/flagyard/internal/store"
)

var testRegexp = regexp.MustCompile(`[a-zA-Z0-9]{31}=`)

type fakeCoordinator struct {
	mu        sync.Mutex
	submitted []string
}

func (c *fakeCoordinator) ProcessNewFlags(values []string, sender models.Replier) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitted = append(c.submitted, values...)
	return nil
}

func (c *fakeCoordinator) ChannelStatus() output.Status { return output.StatusReady }

func (c *fakeCoordinator) Statistics() (*store.Statistics, error) {
	return &store.Statistics{Total: 3, Unsent: 1, Answered: 2, Accepted: 2}, nil
}

func (c *fakeCoordinator) Recent(n int) ([]*models.Flag, error) {
	flags := []*models.Flag{
		{Value: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb=", Status: models.StatusUnsent},
		{Value: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa=", Status: models.StatusAnswered, Answer: "Accepted"},
	}
	if n < len(flags) {
		flags = flags[:n]
	}
	return flags, nil
}

func newTestRouter(coord Coordinator, hub *Hub) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	registerRoutes(router, StartOpts{Coordinator: coord, Hub: hub, FlagRegexp: testRegexp})
	return router
}

func doRequest(t *testing.T, router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	return w
}

func TestStatsEndpoint(t *testing.T) {
	router := newTestRouter(&fakeCoordinator{}, nil)
	w := doRequest(t, router, http.MethodGet, "/api/stats", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		OutputStatus string           `json:"output_status"`
		Flags        store.Statistics `json:"flags"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.OutputStatus != string(output.StatusReady) {
		t.Errorf("output_status = %q", resp.OutputStatus)
	}
	if resp.Flags.Total != 3 || resp.Flags.Accepted != 2 {
		t.Errorf("flags = %+v", resp.Flags)
	}
}

func TestRecentEndpoint(t *testing.T) {
	router := newTestRouter(&fakeCoordinator{}, nil)
	w := doRequest(t, router, http.MethodGet, "/api/recent?count=1", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var flags []models.Flag
	if err := json.Unmarshal(w.Body.Bytes(), &flags); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(flags) != 1 {
		t.Fatalf("flags = %d, want 1", len(flags))
	}
}

func TestRecentEndpoint_BadCount(t *testing.T) {
	router := newTestRouter(&fakeCoordinator{}, nil)
	for _, q := range []string{"count=zero", "count=-3", "count=0"} {
		w := doRequest(t, router, http.MethodGet, "/api/recent?"+q, "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, w.Code)
		}
	}
}

func TestSubmitEndpoint(t *testing.T) {
	coord := &fakeCoordinator{}
	router := newTestRouter(coord, nil)

	body := "noise aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa= more bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb="
	w := doRequest(t, router, http.MethodPost, "/api/flags", body)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Submitted int `json:"submitted"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Submitted != 2 {
		t.Errorf("submitted = %d, want 2", resp.Submitted)
	}
	coord.mu.Lock()
	defer coord.mu.Unlock()
	if len(coord.submitted) != 2 {
		t.Errorf("coordinator saw %v", coord.submitted)
	}
}

func TestSubmitEndpoint_NoFlags(t *testing.T) {
	router := newTestRouter(&fakeCoordinator{}, nil)
	w := doRequest(t, router, http.MethodPost, "/api/flags", "nothing to see here")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestSSEConnectedEvent(t *testing.T) {
	router := newTestRouter(&fakeCoordinator{}, nil)
	w := doRequest(t, router, http.MethodGet, "/api/events", "")

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(w.Body.String(), "event: connected") {
		t.Errorf("body = %q, want connected event", w.Body.String())
	}
}

func TestHubFanOut(t *testing.T) {
	hub := NewHub()
	ch1, cancel1 := hub.Subscribe()
	ch2, cancel2 := hub.Subscribe()
	defer cancel2()

	hub.Publish(relay.Update{Event: "status", Status: "READY"})
	for i, ch := range []<-chan relay.Update{ch1, ch2} {
		select {
		case u := <-ch:
			if u.Event != "status" || u.Status != "READY" {
				t.Errorf("subscriber %d got %+v", i, u)
			}
		default:
			t.Errorf("subscriber %d got nothing", i)
		}
	}

	// A cancelled subscriber stops receiving.
	cancel1()
	hub.Publish(relay.Update{Event: "status", Status: "DISCONNECTED"})
	select {
	case u := <-ch1:
		t.Errorf("cancelled subscriber got %+v", u)
	default:
	}
}

func TestHubSlowSubscriberDropsUpdates(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe()
	defer cancel()

	// Overflow the buffer; Publish must never block.
	for i := 0; i < subscriberBuffer+10; i++ {
		hub.Publish(relay.Update{Event: "sent"})
	}
	if n := len(ch); n != subscriberBuffer {
		t.Errorf("buffered = %d, want %d", n, subscriberBuffer)
	}
}

func TestWriteSSE(t *testing.T) {
	var b strings.Builder
	writeSSE(&b, "update", map[string]string{"k": "v"})
	want := "event: update\ndata: {\"k\":\"v\"}\n\n"
	if b.String() != want {
		t.Errorf("writeSSE = %q, want %q", b.String(), want)
	}
}
