package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"corkboard/api/internal/activity"
)

type testAPI struct {
	server    *httptest.Server
	scheduler *activity.Scheduler
	token     string
}

// newTestAPI runs the full HTTP stack over the in-memory store, with a real
// scheduler persisting activities back into the same store.
func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	fake := newFakeStore()
	scheduler := activity.NewScheduler(activity.SchedulerConfig{
		BatchInterval: 10 * time.Millisecond,
		RetryDelay:    time.Millisecond,
	}, fake, nil, testLogger())
	service := New(testConfig(), fake, scheduler, testLogger())
	server := httptest.NewServer(NewHTTPServer(service, "*", testLogger()).Handler())
	t.Cleanup(func() {
		server.Close()
		scheduler.Stop()
	})

	api := &testAPI{server: server, scheduler: scheduler}
	response := api.do(t, http.MethodPost, "/api/session/login", map[string]any{"name": "Avery"}, http.StatusOK)
	api.token, _ = response["token"].(string)
	if api.token == "" {
		t.Fatalf("login returned no token: %v", response)
	}
	return api
}

func (a *testAPI) do(t *testing.T, method, path string, body any, wantStatus int) map[string]any {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	request, err := http.NewRequest(method, a.server.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if a.token != "" {
		request.Header.Set("Authorization", "Bearer "+a.token)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer response.Body.Close()
	if response.StatusCode != wantStatus {
		var raw map[string]any
		_ = json.NewDecoder(response.Body).Decode(&raw)
		t.Fatalf("%s %s: status %d, want %d (body %v)", method, path, response.StatusCode, wantStatus, raw)
	}
	var decoded map[string]any
	_ = json.NewDecoder(response.Body).Decode(&decoded)
	return decoded
}

func TestHealthEndpoint(t *testing.T) {
	api := newTestAPI(t)
	response := api.do(t, http.MethodGet, "/api/health", nil, http.StatusOK)
	if response["ok"] != true {
		t.Fatalf("unexpected body %v", response)
	}
}

func TestRequestsWithoutTokenAreRejected(t *testing.T) {
	api := newTestAPI(t)
	api.token = ""
	response := api.do(t, http.MethodGet, "/api/boards", nil, http.StatusUnauthorized)
	if response["code"] != "UNAUTHORIZED" {
		t.Fatalf("unexpected body %v", response)
	}
}

func TestBoardLifecycleOverHTTP(t *testing.T) {
	api := newTestAPI(t)

	board := api.do(t, http.MethodPost, "/api/boards", map[string]any{"title": "Sprint 12"}, http.StatusCreated)
	boardID := board["id"].(string)

	todo := api.do(t, http.MethodPost, "/api/boards/"+boardID+"/columns", map[string]any{"title": "Todo"}, http.StatusCreated)
	doing := api.do(t, http.MethodPost, "/api/boards/"+boardID+"/columns", map[string]any{"title": "Doing"}, http.StatusCreated)
	todoID := todo["id"].(string)
	doingID := doing["id"].(string)

	first := api.do(t, http.MethodPost, "/api/columns/"+todoID+"/cards", map[string]any{"title": "write tests"}, http.StatusCreated)
	second := api.do(t, http.MethodPost, "/api/columns/"+todoID+"/cards", map[string]any{"title": "review"}, http.StatusCreated)
	firstID := first["id"].(string)
	secondID := second["id"].(string)

	// Move the first card to the head of Doing.
	moved := api.do(t, http.MethodPatch, "/api/cards/"+firstID, map[string]any{
		"columnId": doingID,
		"position": 0,
	}, http.StatusOK)
	if moved["columnId"] != doingID || moved["position"] != float64(0) {
		t.Fatalf("unexpected card %v", moved)
	}

	view := api.do(t, http.MethodGet, "/api/boards/"+boardID, nil, http.StatusOK)
	columns := view["columns"].([]any)
	if len(columns) != 2 {
		t.Fatalf("expected 2 columns, got %d", len(columns))
	}
	todoView := columns[0].(map[string]any)
	cards := todoView["cards"].([]any)
	if len(cards) != 1 || cards[0].(map[string]any)["id"] != secondID {
		t.Fatalf("source column not compacted: %v", cards)
	}

	api.do(t, http.MethodDelete, "/api/cards/"+secondID, nil, http.StatusOK)
	api.do(t, http.MethodDelete, "/api/boards/"+boardID, nil, http.StatusOK)
}

func TestInvalidPositionReturns400(t *testing.T) {
	api := newTestAPI(t)
	board := api.do(t, http.MethodPost, "/api/boards", map[string]any{"title": "Sprint"}, http.StatusCreated)
	boardID := board["id"].(string)
	column := api.do(t, http.MethodPost, "/api/boards/"+boardID+"/columns", map[string]any{"title": "Todo"}, http.StatusCreated)
	card := api.do(t, http.MethodPost, "/api/columns/"+column["id"].(string)+"/cards", map[string]any{"title": "only"}, http.StatusCreated)

	response := api.do(t, http.MethodPatch, "/api/cards/"+card["id"].(string), map[string]any{"position": 7}, http.StatusBadRequest)
	if response["code"] != "INVALID_POSITION" {
		t.Fatalf("unexpected body %v", response)
	}
}

func TestUnknownBoardReturns404(t *testing.T) {
	api := newTestAPI(t)
	response := api.do(t, http.MethodGet, "/api/boards/brd_missing", nil, http.StatusNotFound)
	if response["code"] != "NOT_FOUND" {
		t.Fatalf("unexpected body %v", response)
	}
}

func TestAssigneeEndpoint(t *testing.T) {
	api := newTestAPI(t)
	board := api.do(t, http.MethodPost, "/api/boards", map[string]any{"title": "Sprint"}, http.StatusCreated)
	boardID := board["id"].(string)
	column := api.do(t, http.MethodPost, "/api/boards/"+boardID+"/columns", map[string]any{"title": "Todo"}, http.StatusCreated)
	card := api.do(t, http.MethodPost, "/api/columns/"+column["id"].(string)+"/cards", map[string]any{"title": "task"}, http.StatusCreated)
	cardID := card["id"].(string)

	login := api.do(t, http.MethodPost, "/api/session/login", map[string]any{"name": "Priya"}, http.StatusOK)
	assigneeID := login["userId"].(string)

	assigned := api.do(t, http.MethodPut, "/api/cards/"+cardID+"/assignee", map[string]any{"assigneeId": assigneeID}, http.StatusOK)
	if assigned["assigneeId"] != assigneeID {
		t.Fatalf("unexpected card %v", assigned)
	}

	cleared := api.do(t, http.MethodPut, "/api/cards/"+cardID+"/assignee", map[string]any{"assigneeId": nil}, http.StatusOK)
	if cleared["assigneeId"] != nil {
		t.Fatalf("unexpected card %v", cleared)
	}
}

func TestBoardActivitiesEndpoint(t *testing.T) {
	api := newTestAPI(t)
	board := api.do(t, http.MethodPost, "/api/boards", map[string]any{"title": "Sprint"}, http.StatusCreated)
	boardID := board["id"].(string)
	api.do(t, http.MethodPost, "/api/boards/"+boardID+"/columns", map[string]any{"title": "Todo"}, http.StatusCreated)

	// Board and column creation are HIGH priority, persisted before the
	// create responses returned.
	response := api.do(t, http.MethodGet, fmt.Sprintf("/api/boards/%s/activities?limit=10", boardID), nil, http.StatusOK)
	records := response["activities"].([]any)
	if len(records) != 2 {
		t.Fatalf("expected 2 activity records, got %d", len(records))
	}
	newest := records[0].(map[string]any)
	if newest["entityType"] != "COLUMN" || newest["action"] != "CREATE" {
		t.Fatalf("unexpected record %v", newest)
	}
	if newest["userName"] != "Avery" {
		t.Fatalf("expected attributed user, got %v", newest["userName"])
	}
}
