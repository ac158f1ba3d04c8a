//go:build !integration

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/skiptrace-cli/internal/budget"
	"github.com/sells-group/skiptrace-cli/internal/cost"
	"github.com/sells-group/skiptrace-cli/internal/engine"
	"github.com/sells-group/skiptrace-cli/internal/model"
	"github.com/sells-group/skiptrace-cli/internal/resilience"
	"github.com/sells-group/skiptrace-cli/internal/store"
	"github.com/sells-group/skiptrace-cli/pkg/trestle"
)

// stubProvider returns one fixed phone for every lookup.
type stubProvider struct {
	mu    sync.Mutex
	calls int
}

func (s *stubProvider) ReverseAddress(ctx context.Context, req trestle.ReverseAddressRequest) (*trestle.ReverseAddressResponse, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	resp := &trestle.ReverseAddressResponse{
		ID: "Location.test",
		Residents: []trestle.Resident{{
			Name:   "Jane Doe",
			Phones: []trestle.Phone{{Number: "+15125550100", LineType: "Mobile"}},
		}},
		StatusCode: 200,
	}
	resp.Raw, _ = json.Marshal(resp)
	return resp, nil
}

// newTestServer wires a Server onto SQLite with synchronous background
// processing so tests observe completed runs deterministically.
func newTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()

	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	guard := budget.New(s, "trestle", 10000, 0, 0)
	calc := cost.NewCalculator(cost.DefaultRates(), 7)
	orch := engine.NewOrchestrator(engine.OrchestratorConfig{
		Store:  s,
		Client: &stubProvider{},
		Guard:  guard,
		Calc:   calc,
		Retry:  resilience.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond},
	})
	coord := engine.NewCoordinator(engine.CoordinatorConfig{
		Store:        s,
		Orchestrator: orch,
		Concurrency:  2,
		PollInterval: 5 * time.Millisecond,
	})

	srv := NewServer(s, coord, orch)
	srv.background = func(fn func()) { fn() }
	return srv, s
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Routes(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestLookup(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Routes()

	rec := doJSON(t, handler, http.MethodPost, "/lookup", map[string]any{
		"subject": model.Subject{ID: "s1", Address: "123 Main St", Owner: "Jane Doe"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var result engine.LookupResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.False(t, result.FromCache)
	require.Len(t, result.Contacts.Phones, 1)

	// Same subject again: served from cache.
	rec = doJSON(t, handler, http.MethodPost, "/lookup", map[string]any{
		"subject": model.Subject{ID: "s1", Address: "123 Main St", Owner: "Jane Doe"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.FromCache)
}

func TestLookup_ValidationError(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Routes(), http.MethodPost, "/lookup", map[string]any{
		"subject": model.Subject{ID: "s1"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateRun_ProcessesToCompletion(t *testing.T) {
	srv, st := newTestServer(t)
	handler := srv.Routes()

	subjects := make([]model.Subject, 5)
	for i := range subjects {
		subjects[i] = model.Subject{
			ID:      fmt.Sprintf("s%d", i),
			Address: fmt.Sprintf("%d Main St", 100+i),
			Owner:   "Owner",
		}
	}

	rec := doJSON(t, handler, http.MethodPost, "/runs", map[string]any{
		"source_label": "api-test",
		"subjects":     subjects,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var run model.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	require.NotEmpty(t, run.ID)

	// background is synchronous in tests: the run is already drained.
	got, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Done)
	assert.NotNil(t, got.FinishedAt)

	// GET /runs/{id} reflects the same state.
	rec = doJSON(t, handler, http.MethodGet, "/runs/"+run.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, 5, run.Done)
}

func TestCreateRun_RequiresSubjects(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Routes(), http.MethodPost, "/runs", map[string]any{
		"source_label": "empty",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPauseResume(t *testing.T) {
	srv, st := newTestServer(t)
	handler := srv.Routes()

	// Seed a run directly, paused before any processing.
	run, err := st.CreateRun(context.Background(), "seed", []model.RunItemSeed{
		{SubjectID: "s1", IdempotencyKey: "k1", NormalizedAddress: "123 MAIN ST"},
	})
	require.NoError(t, err)

	rec := doJSON(t, handler, http.MethodPost, "/runs/"+run.ID+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.True(t, got.SoftPaused)

	rec = doJSON(t, handler, http.MethodPost, "/runs/"+run.ID+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err = st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.False(t, got.SoftPaused)
	assert.Equal(t, 1, got.Done)
}

func TestPause_UnknownRun(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Routes(), http.MethodPost, "/runs/nope/pause", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunReport(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Routes()

	rec := doJSON(t, handler, http.MethodPost, "/runs", map[string]any{
		"subjects": []model.Subject{{ID: "s1", Address: "123 Main St", Owner: "Jane"}},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var run model.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))

	rec = doJSON(t, handler, http.MethodGet, "/runs/"+run.ID+"/report", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"spend_cents"`)
}

func TestListRuns(t *testing.T) {
	srv, st := newTestServer(t)
	_, err := st.CreateRun(context.Background(), "seed", []model.RunItemSeed{
		{SubjectID: "s1", IdempotencyKey: "k1"},
	})
	require.NoError(t, err)

	rec := doJSON(t, srv.Routes(), http.MethodGet, "/runs?unfinished=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"seed"`)
}

func TestRetryItem_NotFailed(t *testing.T) {
	srv, st := newTestServer(t)
	run, err := st.CreateRun(context.Background(), "seed", []model.RunItemSeed{
		{SubjectID: "s1", IdempotencyKey: "k1"},
	})
	require.NoError(t, err)
	items, err := st.ListRunItems(context.Background(), run.ID, "")
	require.NoError(t, err)

	rec := doJSON(t, srv.Routes(), http.MethodPost, "/items/"+items[0].ID+"/retry", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}
