package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/go-tick/courier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, opts Options) (*httptest.Server, *courier.Courier) {
	t.Helper()

	c, err := courier.NewInMemory(courier.DefaultCourierConfig(), courier.Dependencies{})
	require.NoError(t, err)
	require.NoError(t, c.Tasks.Register("noop", courier.TaskFunc(func(context.Context, *courier.TaskContext) (*courier.TaskResult, error) {
		return &courier.TaskResult{Status: courier.TaskSuccess, Message: "done"}, nil
	})))

	srv := httptest.NewServer(NewRouter(&Handler{Jobs: c.Jobs, Scheduler: c.Scheduler, Queue: c.Queue}, opts))
	t.Cleanup(srv.Close)

	return srv, c
}

func do(t *testing.T, method, url, body string, headers ...string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

const jobBody = `{"name":"nightly","template_type":"noop","schedule":{"kind":"interval","interval_seconds":60}}`

func TestJobLifecycle(t *testing.T) {
	srv, _ := newTestServer(t, Options{})

	resp := do(t, http.MethodPost, srv.URL+"/jobs", jobBody)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	job := decode[courier.Job](t, resp)
	assert.Equal(t, "nightly", job.Name)
	assert.True(t, job.Enabled)

	resp = do(t, http.MethodPost, srv.URL+"/jobs", jobBody)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/jobs/"+job.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, job.ID, decode[courier.Job](t, resp).ID)

	resp = do(t, http.MethodPost, srv.URL+"/jobs/"+job.ID+"/disable", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/jobs/"+job.ID+"/trigger", "", "X-Actor", "alice")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	exec := decode[courier.JobExecution](t, resp)
	assert.Equal(t, "manual:alice", exec.TriggeredBy)
	assert.Equal(t, courier.ExecutionSuccess, exec.Status)

	resp = do(t, http.MethodGet, srv.URL+"/jobs/"+job.ID+"/executions?limit=10", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[courier.ExecutionPage](t, resp)
	assert.Equal(t, 1, page.Total)

	resp = do(t, http.MethodPut, srv.URL+"/jobs/"+job.ID,
		`{"name":"nightly","template_type":"noop","schedule":{"kind":"cron","expression":"0 3 * * *","timezone":"Europe/Paris"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decode[courier.Job](t, resp)
	assert.Equal(t, courier.CronSchedule("0 3 * * *", "Europe/Paris"), updated.Schedule)
	assert.False(t, updated.Enabled)

	resp = do(t, http.MethodGet, srv.URL+"/jobs", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[struct {
		Items []courier.Job `json:"items"`
	}](t, resp)
	assert.Len(t, list.Items, 1)

	resp = do(t, http.MethodDelete, srv.URL+"/jobs/"+job.ID, "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/jobs/"+job.ID, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJobErrors(t *testing.T) {
	srv, _ := newTestServer(t, Options{})

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"bad json", http.MethodPost, "/jobs", `{`, http.StatusBadRequest},
		{"bad cron", http.MethodPost, "/jobs", `{"name":"x","template_type":"noop","schedule":{"kind":"cron","expression":"nope"}}`, http.StatusBadRequest},
		{"unknown template", http.MethodPost, "/jobs", `{"name":"x","template_type":"nope","schedule":{"kind":"interval","interval_seconds":5}}`, http.StatusBadRequest},
		{"missing job", http.MethodGet, "/jobs/missing", "", http.StatusNotFound},
		{"trigger missing job", http.MethodPost, "/jobs/missing/trigger", "", http.StatusNotFound},
		{"executions of missing job", http.MethodGet, "/jobs/missing/executions", "", http.StatusNotFound},
		{"enable missing job", http.MethodPost, "/jobs/missing/enable", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, tt.method, srv.URL+tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestNotificationEndpoints(t *testing.T) {
	srv, c := newTestServer(t, Options{})

	resp := do(t, http.MethodPost, srv.URL+"/notifications", `{"recipient":"alice","trigger":"new_message","channels":[]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/notifications",
		`{"recipient":"alice","trigger":"new_message","channels":["push","email"],"priority":"high","template_data":{"body":"hi"}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := decode[map[string]string](t, resp)["id"]
	require.NotEmpty(t, id)

	resp = do(t, http.MethodGet, srv.URL+"/notifications/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[struct {
		Notification courier.NotificationRequest `json:"notification"`
		DeliveryLog  []courier.DeliveryLogEntry  `json:"delivery_log"`
	}](t, resp)
	assert.Equal(t, courier.StatusPending, got.Notification.Status)
	assert.Equal(t, courier.PriorityHigh, got.Notification.Priority)
	assert.Empty(t, got.DeliveryLog)

	resp = do(t, http.MethodPost, srv.URL+"/notifications/"+id+"/cancel", `{"reason":"user muted"}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/notifications/"+id+"/cancel", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/notifications/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	n, err := c.Queue.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, courier.StatusCancelled, n.Status)

	resp = do(t, http.MethodGet, srv.URL+"/queue/stats", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[courier.QueueStats](t, resp)
	assert.EqualValues(t, 1, stats.Total)
	assert.EqualValues(t, 1, stats.Counts[courier.StatusCancelled])
}

func TestHealth(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv, _ := newTestServer(t, Options{Ping: func(context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("down")
	}})

	resp := do(t, http.MethodGet, srv.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	healthy.Store(false)
	resp = do(t, http.MethodGet, srv.URL+"/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestCORS(t *testing.T) {
	srv, _ := newTestServer(t, Options{AllowedOrigins: []string{"https://ops.example.com"}})

	resp := do(t, http.MethodOptions, srv.URL+"/jobs", "",
		"Origin", "https://ops.example.com",
		"Access-Control-Request-Method", "POST",
		"Access-Control-Request-Headers", "X-Actor")
	assert.Equal(t, "https://ops.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	resp = do(t, http.MethodGet, srv.URL+"/jobs", "", "Origin", "https://evil.example.com")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}
