package server

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"econos/internal/capability"
	econoserrors "econos/internal/errors"
	"econos/internal/lifecycle"
	"econos/internal/orchestrator"
	"econos/internal/planner"
	"econos/internal/task"
)

type fakeExecutor struct {
	err    error
	gotOpt orchestrator.ExecuteOptions
	plan   *planner.ExecutionPlan
}

func (f *fakeExecutor) Execute(_ context.Context, plan *planner.ExecutionPlan, opts orchestrator.ExecuteOptions) (*orchestrator.PipelineResult, error) {
	f.plan = plan
	f.gotOpt = opts
	if f.err != nil {
		return nil, f.err
	}
	return &orchestrator.PipelineResult{
		PlanID:      plan.ID,
		Request:     plan.Request,
		FinalOutput: map[string]any{"ok": true},
		TotalWei:    big.NewInt(500),
	}, nil
}

type fakeMarket struct {
	workers []capability.WorkerView
}

func (f *fakeMarket) Discover(context.Context) *capability.Summary {
	return &capability.Summary{GeneratedAt: time.Now(), Workers: len(f.workers), Services: map[string]*capability.ServiceStats{}}
}

func (f *fakeMarket) Workers() []capability.WorkerView { return f.workers }

type fakeEvents struct{ ch chan lifecycle.Event }

func (f *fakeEvents) Subscribe() (<-chan lifecycle.Event, func()) { return f.ch, func() {} }

func newTestServer(t *testing.T, executor Executor, events EventSource) (*Server, *task.Manager) {
	t.Helper()
	manager := task.NewManager(task.NewInMemoryStore(), nil, nil)
	market := &fakeMarket{workers: []capability.WorkerView{{Address: "0xabc", Endpoint: "http://w:1"}}}
	s := New(Config{}, manager, executor, nil, market, events, nil, nil)
	return s, manager
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, &fakeExecutor{}, nil)
	rec := doJSON(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestHireExecutesSingleStepPlan(t *testing.T) {
	executor := &fakeExecutor{}
	s, _ := newTestServer(t, executor, nil)

	rec := doJSON(t, s, http.MethodPost, "/hire", HireRequest{
		TaskType:    string(task.TypeSummaryGeneration),
		Params:      map[string]any{"text": "shorten"},
		BudgetEther: "0.001",
		Strategy:    "cheapest",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.NotNil(t, executor.plan)
	require.Len(t, executor.plan.Steps, 1)
	assert.Equal(t, string(task.TypeSummaryGeneration), executor.plan.Steps[0].ServiceType)
	assert.Equal(t, big.NewInt(1_000_000_000_000_000), executor.gotOpt.StepBudgetWei)
	assert.Equal(t, "cheapest", string(executor.gotOpt.Strategy))

	// The plan is queryable afterwards.
	planRec := doJSON(t, s, http.MethodGet, "/api/plans/"+executor.plan.ID, nil)
	assert.Equal(t, http.StatusOK, planRec.Code)
}

func TestHireRejectsUnknownTaskType(t *testing.T) {
	s, _ := newTestServer(t, &fakeExecutor{}, nil)
	rec := doJSON(t, s, http.MethodPost, "/hire", HireRequest{TaskType: "mining"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHireRejectsMalformedBudget(t *testing.T) {
	s, _ := newTestServer(t, &fakeExecutor{}, nil)
	rec := doJSON(t, s, http.MethodPost, "/hire", HireRequest{
		TaskType:    string(task.TypeWriter),
		BudgetEther: "lots",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHireMapsNoWorkerToServiceUnavailable(t *testing.T) {
	executor := &fakeExecutor{err: &econoserrors.NoEligibleWorkerError{TaskType: string(task.TypeWriter)}}
	s, _ := newTestServer(t, executor, nil)
	rec := doJSON(t, s, http.MethodPost, "/hire", HireRequest{TaskType: string(task.TypeWriter)})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "resource")
}

func TestChatWithoutPlannerIsUnavailable(t *testing.T) {
	s, _ := newTestServer(t, &fakeExecutor{}, nil)
	rec := doJSON(t, s, http.MethodPost, "/chat", ChatRequest{Message: "do things"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetTask(t *testing.T) {
	s, manager := newTestServer(t, &fakeExecutor{}, nil)
	created, err := manager.Create(context.Background(), task.CreateRequest{
		Type:            task.TypeWriter,
		InputParameters: map[string]any{"draft": "words"},
		DurationSeconds: 3600,
		Budget:          big.NewInt(1),
	})
	require.NoError(t, err)

	rec := doJSON(t, s, http.MethodGet, "/api/tasks/"+created.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), created.ID.String())

	missing := doJSON(t, s, http.MethodGet, "/api/tasks/"+task.NewTaskID().String(), nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)

	malformed := doJSON(t, s, http.MethodGet, "/api/tasks/banana", nil)
	assert.Equal(t, http.StatusBadRequest, malformed.Code)
}

func TestListTasksByStatus(t *testing.T) {
	s, manager := newTestServer(t, &fakeExecutor{}, nil)
	for i := 0; i < 3; i++ {
		_, err := manager.Create(context.Background(), task.CreateRequest{
			Type:            task.TypeResearcher,
			InputParameters: map[string]any{"topic": "x"},
			DurationSeconds: 3600,
			Budget:          big.NewInt(1),
		})
		require.NoError(t, err)
	}

	rec := doJSON(t, s, http.MethodGet, "/api/tasks?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Count)

	bad := doJSON(t, s, http.MethodGet, "/api/tasks?status=melting", nil)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestWorkersAndCapabilities(t *testing.T) {
	s, _ := newTestServer(t, &fakeExecutor{}, nil)
	rec := doJSON(t, s, http.MethodGet, "/api/workers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "0xabc")

	caps := doJSON(t, s, http.MethodGet, "/api/capabilities", nil)
	assert.Equal(t, http.StatusOK, caps.Code)
}

func TestEventStreamRelaysLifecycleEvents(t *testing.T) {
	events := &fakeEvents{ch: make(chan lifecycle.Event, 1)}
	s, _ := newTestServer(t, &fakeExecutor{}, events)

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	events.ch <- lifecycle.Event{TaskID: "0xdeadbeef", Status: task.StatusCompleted}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got lifecycle.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "0xdeadbeef", got.TaskID)
	assert.Equal(t, task.StatusCompleted, got.Status)
}

func TestEtherToWei(t *testing.T) {
	wei, err := EtherToWei("1")
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000", wei.String())

	wei, err = EtherToWei("0.000000001")
	require.NoError(t, err)
	assert.Equal(t, "1000000000", wei.String())

	wei, err = EtherToWei("")
	require.NoError(t, err)
	assert.Nil(t, wei)

	_, err = EtherToWei("-3")
	require.Error(t, err)

	_, err = EtherToWei("0.0000000000000000001") // below one wei
	require.Error(t, err)

	_, err = EtherToWei("much")
	require.Error(t, err)
}
