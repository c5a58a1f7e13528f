package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/caseflow/internal/projector"
	"github.com/pitabwire/caseflow/model"
)

// CaseService is an HTTP test server standing in for the system that owns
// case status. It receives projector webhooks, checks their signature, and
// records the status each case would be written with.
type CaseService struct {
	t      *testing.T
	server *httptest.Server
	secret []byte

	mu       sync.Mutex
	received []projector.Notification
	statuses map[string]model.CaseStatus
	failNext int
	failCode int
	rejected int
	delay    time.Duration
}

func newCaseService(t *testing.T, secret string) *CaseService {
	t.Helper()

	cs := &CaseService{
		t:        t,
		secret:   []byte(secret),
		statuses: make(map[string]model.CaseStatus),
		failCode: http.StatusServiceUnavailable,
	}
	cs.server = httptest.NewServer(http.HandlerFunc(cs.handle))
	t.Cleanup(cs.server.Close)
	return cs
}

func (cs *CaseService) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	cs.mu.Lock()
	delay := cs.delay
	if len(cs.secret) > 0 && !projector.VerifySignature(cs.secret, body, r.Header.Get(projector.HeaderSignature)) {
		cs.rejected++
		cs.mu.Unlock()
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if cs.failNext > 0 {
		cs.failNext--
		code := cs.failCode
		cs.mu.Unlock()
		w.WriteHeader(code)
		return
	}
	cs.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	var n projector.Notification
	if err := json.Unmarshal(body, &n); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	cs.mu.Lock()
	cs.received = append(cs.received, n)
	cs.statuses[n.CaseID] = n.CaseStatus
	cs.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// URL returns the webhook endpoint.
func (cs *CaseService) URL() string {
	return cs.server.URL + "/cases/status"
}

// FailNext makes the next n deliveries answer with status.
func (cs *CaseService) FailNext(n, status int) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.failNext = n
	cs.failCode = status
}

// SetDelay slows every accepted delivery down by d.
func (cs *CaseService) SetDelay(d time.Duration) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.delay = d
}

// Received returns a copy of every accepted notification.
func (cs *CaseService) Received() []projector.Notification {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]projector.Notification, len(cs.received))
	copy(out, cs.received)
	return out
}

// Rejected returns how many deliveries failed signature verification.
func (cs *CaseService) Rejected() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.rejected
}

// Status returns the status recorded for caseID.
func (cs *CaseService) Status(caseID string) (model.CaseStatus, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	s, ok := cs.statuses[caseID]
	return s, ok
}

// WaitForStatus polls until caseID has a recorded status or timeout
// elapses, failing the test in the latter case.
func (cs *CaseService) WaitForStatus(t *testing.T, caseID string, timeout time.Duration) model.CaseStatus {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s, ok := cs.Status(caseID); ok {
			return s
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("case %s: no status projected within %v", caseID, timeout)
	return ""
}

// AssertNoStatus checks that nothing was projected for caseID within wait.
func (cs *CaseService) AssertNoStatus(t *testing.T, caseID string, wait time.Duration) {
	t.Helper()
	time.Sleep(wait)
	if s, ok := cs.Status(caseID); ok {
		t.Errorf("case %s: unexpected projected status %q", caseID, s)
	}
}
