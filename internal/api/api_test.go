package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SirClappington/enrichq/internal/domain"
	"github.com/SirClappington/enrichq/internal/enrich"
	"github.com/SirClappington/enrichq/internal/outbox"
	"github.com/SirClappington/enrichq/internal/queue"
	"github.com/SirClappington/enrichq/internal/storage"
	"github.com/SirClappington/enrichq/internal/webhook"
	"github.com/SirClappington/enrichq/internal/worker"
)

const (
	tokenA     = "token-a"
	tokenB     = "token-b"
	cronSecret = "cron-secret"
	hookSecret = "generic-secret"
)

type okEnricher struct{}

func (okEnricher) Enrich(context.Context, domain.Job) (enrich.Outcome, error) {
	return enrich.Outcome{Result: json.RawMessage(`{"enriched":true}`)}, nil
}

type testAPI struct {
	jobs *queue.Manager
	srv  *httptest.Server
}

func newTestAPI(t *testing.T, cron string) testAPI {
	t.Helper()
	return newTestAPIWithStore(t, cron, storage.NewMemoryStore())
}

func newTestAPIWithStore(t *testing.T, cron string, store storage.Store) testAPI {
	t.Helper()
	log := zap.NewNop()
	m := queue.NewManager(store, queue.WithLogger(log))
	secrets := func(p string) string {
		if p == webhook.Generic {
			return hookSecret
		}
		return ""
	}
	s := NewServer(Deps{
		Jobs:       m,
		Processor:  worker.NewProcessor(m, okEnricher{}, log),
		Sweeper:    worker.NewSweeper(m, 0, log),
		Receiver:   webhook.NewReceiver(m, secrets, nil, log),
		Log:        log,
		Tokens:     map[string]string{tokenA: "ws-a", tokenB: "ws-b"},
		CronSecret: cron,
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return testAPI{jobs: m, srv: srv}
}

func (a testAPI) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	out := map[string]any{}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return res.StatusCode, out
}

func (a testAPI) create(t *testing.T, token string, payload string) string {
	t.Helper()
	code, out := a.do(t, http.MethodPost, "/jobs", token, map[string]any{
		"type":    domain.SingleLeadEnrichment,
		"payload": json.RawMessage(payload),
	})
	require.Equal(t, http.StatusCreated, code, out)
	return out["jobId"].(string)
}

func TestCreateAndGetRoundTrip(t *testing.T) {
	a := newTestAPI(t, cronSecret)

	code, out := a.do(t, http.MethodPost, "/jobs", tokenA, map[string]any{
		"type":    "single_lead_enrichment",
		"payload": json.RawMessage(`{"leadId":"L1"}`),
		"tags":    []string{"crm"},
	})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, true, out["success"])
	id := out["jobId"].(string)
	job := out["job"].(map[string]any)
	assert.Equal(t, id, job["id"])
	assert.Equal(t, "pending", job["status"])
	assert.EqualValues(t, 3, job["priority"])

	code, out = a.do(t, http.MethodGet, "/jobs/"+id, tokenA, nil)
	require.Equal(t, http.StatusOK, code)
	got := out["job"].(map[string]any)
	payload, err := json.Marshal(got["payload"])
	require.NoError(t, err)
	assert.JSONEq(t, `{"leadId":"L1"}`, string(payload))
	assert.Equal(t, "ws-a", got["workspaceId"])
	assert.Equal(t, []any{"crm"}, got["tags"])
	ms, ok := got["processingTimeMs"]
	assert.True(t, ok, "processingTimeMs is always present")
	assert.Nil(t, ms)
}

func TestUntaggedJobListsEmptyTags(t *testing.T) {
	a := newTestAPI(t, cronSecret)
	id := a.create(t, tokenA, `{"leadId":"L1"}`)

	code, out := a.do(t, http.MethodGet, "/jobs/"+id, tokenA, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{}, out["job"].(map[string]any)["tags"])
}

func TestCreateValidation(t *testing.T) {
	a := newTestAPI(t, cronSecret)

	cases := map[string]any{
		"unknown type":    map[string]any{"type": "nope", "payload": map[string]any{"leadId": "L1"}},
		"missing payload": map[string]any{"type": "single_lead_enrichment"},
		"zero priority":   map[string]any{"type": "single_lead_enrichment", "payload": map[string]any{"leadId": "L1"}, "priority": 0},
		"high priority":   map[string]any{"type": "single_lead_enrichment", "payload": map[string]any{"leadId": "L1"}, "priority": 9},
		"bad webhook":     map[string]any{"type": "single_lead_enrichment", "payload": map[string]any{"leadId": "L1"}, "webhookUrl": "ftp://x"},
		"bad json":        "{",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			code, out := a.do(t, http.MethodPost, "/jobs", tokenA, body)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Equal(t, false, out["success"])
		})
	}

	_, out := a.do(t, http.MethodPost, "/jobs", tokenA, cases["high priority"])
	details := out["details"].([]any)
	require.Len(t, details, 1)
	assert.Equal(t, "priority", details[0].(map[string]any)["field"])
}

func TestRequiresWorkspaceToken(t *testing.T) {
	a := newTestAPI(t, cronSecret)
	code, _ := a.do(t, http.MethodGet, "/jobs", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = a.do(t, http.MethodGet, "/jobs", "unknown", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestWorkspaceIsolation(t *testing.T) {
	a := newTestAPI(t, cronSecret)
	id := a.create(t, tokenA, `{"leadId":"L1"}`)

	requests := []struct{ method, path string }{
		{http.MethodGet, "/jobs/" + id},
		{http.MethodPut, "/jobs/" + id},
		{http.MethodDelete, "/jobs/" + id},
		{http.MethodPost, "/jobs/" + id + "/retry"},
	}
	for _, rq := range requests {
		code, out := a.do(t, rq.method, rq.path, tokenB, map[string]any{"priority": 1})
		assert.Equal(t, http.StatusNotFound, code, rq.method)
		assert.Equal(t, "Job not found", out["error"])
	}

	_, out := a.do(t, http.MethodGet, "/jobs", tokenB, nil)
	assert.Empty(t, out["jobs"])

	code, out := a.do(t, http.MethodGet, "/jobs/"+id, tokenA, nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 3, out["job"].(map[string]any)["priority"], "workspace B's update must not apply")
}

func TestCancelTwice(t *testing.T) {
	a := newTestAPI(t, cronSecret)
	id := a.create(t, tokenA, `{"leadId":"L1"}`)

	code, out := a.do(t, http.MethodDelete, "/jobs/"+id, tokenA, nil)
	require.Equal(t, http.StatusOK, code)
	job := out["job"].(map[string]any)
	assert.Equal(t, "failed", job["status"])
	assert.Equal(t, domain.CodeUserCancelled, job["error"].(map[string]any)["code"])

	code, out = a.do(t, http.MethodDelete, "/jobs/"+id, tokenA, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Job is failed", out["error"])
	assert.Equal(t, "failed", out["currentStatus"])
}

func TestRetryEndpoint(t *testing.T) {
	a := newTestAPI(t, cronSecret)
	id := a.create(t, tokenA, `{"leadId":"L1"}`)

	code, out := a.do(t, http.MethodPost, "/jobs/"+id+"/retry", tokenA, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "pending", out["currentStatus"])

	a.do(t, http.MethodDelete, "/jobs/"+id, tokenA, nil)
	code, out = a.do(t, http.MethodPost, "/jobs/"+id+"/retry", tokenA, nil)
	require.Equal(t, http.StatusOK, code)
	job := out["job"].(map[string]any)
	assert.Equal(t, "pending", job["status"])
	assert.Nil(t, job["error"])
	assert.EqualValues(t, 0, job["retryCount"])
}

func TestUpdateJob(t *testing.T) {
	a := newTestAPI(t, cronSecret)
	id := a.create(t, tokenA, `{"leadId":"L1"}`)

	code, out := a.do(t, http.MethodPut, "/jobs/"+id, tokenA, map[string]any{
		"priority": 1,
		"status":   "queued",
		"tags":     []string{"vip", "vip"},
	})
	require.Equal(t, http.StatusOK, code, out)
	job := out["job"].(map[string]any)
	assert.EqualValues(t, 1, job["priority"])
	assert.Equal(t, "queued", job["status"])
	assert.Equal(t, []any{"vip"}, job["tags"])

	code, _ = a.do(t, http.MethodPut, "/jobs/"+id, tokenA, map[string]any{"status": "completed"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestListPagination(t *testing.T) {
	a := newTestAPI(t, cronSecret)
	for _, lead := range []string{"L1", "L2", "L3"} {
		a.create(t, tokenA, `{"leadId":"`+lead+`"}`)
	}

	code, out := a.do(t, http.MethodGet, "/jobs?limit=2", tokenA, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, out["jobs"], 2)
	page := out["pagination"].(map[string]any)
	assert.EqualValues(t, 2, page["limit"])
	assert.EqualValues(t, 3, page["total"])
	assert.Equal(t, true, page["hasMore"])

	_, out = a.do(t, http.MethodGet, "/jobs?limit=2&offset=2&sortBy=priority&sortOrder=asc", tokenA, nil)
	assert.Len(t, out["jobs"], 1)
	assert.Equal(t, false, out["pagination"].(map[string]any)["hasMore"])

	_, out = a.do(t, http.MethodGet, "/jobs?status=pending&type=single_lead_enrichment", tokenA, nil)
	assert.Len(t, out["jobs"], 3)
	assert.EqualValues(t, 50, out["pagination"].(map[string]any)["limit"])

	code, out = a.do(t, http.MethodGet, "/jobs?limit=101&sortBy=payload&status=bogus", tokenA, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Len(t, out["details"], 3)
}

func TestBulkCancel(t *testing.T) {
	a := newTestAPI(t, cronSecret)
	a1 := a.create(t, tokenA, `{"leadId":"L1"}`)
	a2 := a.create(t, tokenA, `{"leadId":"L2"}`)
	b1 := a.create(t, tokenB, `{"leadId":"L3"}`)
	a.do(t, http.MethodDelete, "/jobs/"+a2, tokenA, nil)

	code, out := a.do(t, http.MethodPost, "/jobs/bulk", tokenA, map[string]any{"jobIds": []string{a1, a2, b1}})
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, out["updated"])
	assert.EqualValues(t, 2, out["failed"])
	results := out["results"].([]any)
	require.Len(t, results, 3)
	assert.Equal(t, true, results[0].(map[string]any)["success"])
	assert.Equal(t, "Job is failed", results[1].(map[string]any)["error"])
	assert.Equal(t, "Job not found", results[2].(map[string]any)["error"])

	code, _ = a.do(t, http.MethodPost, "/jobs/bulk", tokenA, map[string]any{"jobIds": []string{}})
	assert.Equal(t, http.StatusBadRequest, code)
}

// failingSwapStore rejects writes to one job with a store error.
type failingSwapStore struct {
	*storage.MemoryStore
	failID string
}

func (s *failingSwapStore) Swap(ctx context.Context, j domain.Job, expected domain.Status) (bool, error) {
	if j.ID == s.failID {
		return false, errors.New("connection reset")
	}
	return s.MemoryStore.Swap(ctx, j, expected)
}

func TestBulkContinuesPastStoreError(t *testing.T) {
	store := &failingSwapStore{MemoryStore: storage.NewMemoryStore()}
	a := newTestAPIWithStore(t, cronSecret, store)
	ids := []string{
		a.create(t, tokenA, `{"leadId":"L1"}`),
		a.create(t, tokenA, `{"leadId":"L2"}`),
		a.create(t, tokenA, `{"leadId":"L3"}`),
	}
	store.failID = ids[1]

	code, out := a.do(t, http.MethodPost, "/jobs/bulk", tokenA, map[string]any{"jobIds": ids})
	require.Equal(t, http.StatusOK, code, out)
	assert.EqualValues(t, 2, out["updated"])
	assert.EqualValues(t, 1, out["failed"])
	results := out["results"].([]any)
	require.Len(t, results, 3)
	failed := results[1].(map[string]any)
	assert.Equal(t, false, failed["success"])
	assert.Equal(t, "Internal server error", failed["error"])

	for i, id := range ids {
		j, err := a.jobs.GetJobStatus(context.Background(), id)
		require.NoError(t, err)
		if i == 1 {
			assert.Equal(t, domain.Pending, j.Status)
			continue
		}
		assert.Equal(t, domain.Failed, j.Status)
	}
}

func TestBulkStatus(t *testing.T) {
	a := newTestAPI(t, cronSecret)
	id := a.create(t, tokenA, `{"leadId":"L1"}`)

	code, out := a.do(t, http.MethodPost, "/jobs/bulk", tokenA, map[string]any{"jobIds": []string{id}, "status": "queued"})
	require.Equal(t, http.StatusOK, code)
	r := out["results"].([]any)[0].(map[string]any)
	assert.Equal(t, true, r["success"])
	assert.Equal(t, "queued", r["status"])
}

func TestJobMetrics(t *testing.T) {
	a := newTestAPI(t, cronSecret)
	a.create(t, tokenA, `{"leadId":"L1"}`)
	a.create(t, tokenA, `{"leadId":"L2"}`)
	a.create(t, tokenB, `{"leadId":"L3"}`)

	code, out := a.do(t, http.MethodGet, "/jobs/metrics", tokenA, nil)
	require.Equal(t, http.StatusOK, code)
	m := out["metrics"].(map[string]any)
	ws := m["workspace"].(map[string]any)
	assert.EqualValues(t, 2, ws["total"])
	assert.EqualValues(t, 2, ws["byStatus"].(map[string]any)["pending"])
	assert.EqualValues(t, 2, ws["byType"].(map[string]any)["single_lead_enrichment"])
	assert.EqualValues(t, 3, m["queue"].(map[string]any)["total"])
}

func TestProcessRequiresCronSecret(t *testing.T) {
	a := newTestAPI(t, cronSecret)
	code, _ := a.do(t, http.MethodPost, "/jobs/process", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = a.do(t, http.MethodPost, "/jobs/process", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = a.do(t, http.MethodPost, "/jobs/process", tokenA, nil)
	assert.Equal(t, http.StatusUnauthorized, code, "workspace tokens are not cron credentials")

	open := newTestAPI(t, "")
	code, _ = open.do(t, http.MethodPost, "/jobs/process", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code, "no configured secret admits nobody")
}

func TestProcessRunsDueJobs(t *testing.T) {
	a := newTestAPI(t, cronSecret)
	ids := []string{
		a.create(t, tokenA, `{"leadId":"L1"}`),
		a.create(t, tokenA, `{"leadId":"L2"}`),
		a.create(t, tokenB, `{"leadId":"L3"}`),
	}

	code, out := a.do(t, http.MethodPost, "/jobs/process", cronSecret, map[string]any{"maxJobs": 2, "timeout": 5000})
	require.Equal(t, http.StatusOK, code, out)
	assert.EqualValues(t, 2, out["processedJobs"])
	assert.EqualValues(t, 0, out["reclaimedJobs"])
	assert.NotEmpty(t, out["timestamp"])

	_, out = a.do(t, http.MethodPost, "/jobs/process", cronSecret, nil)
	assert.EqualValues(t, 1, out["processedJobs"])

	for _, id := range ids {
		j, err := a.jobs.GetJobStatus(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, domain.Completed, j.Status)
		assert.JSONEq(t, `{"enriched":true}`, string(j.Result))
	}

	code, out = a.do(t, http.MethodPost, "/jobs/process", cronSecret, map[string]any{"maxJobs": 101, "timeout": 10})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Len(t, out["details"], 2)
}

func TestHealthEndpoints(t *testing.T) {
	a := newTestAPI(t, cronSecret)
	for _, path := range []string{"/jobs/process", "/webhook?provider=clearbit"} {
		code, out := a.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "healthy", out["status"])
	}
	code, out := a.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", out["status"])
}

func (a testAPI) hook(t *testing.T, provider, body, sig string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, a.srv.URL+"/webhook?provider="+provider, bytes.NewBufferString(body))
	require.NoError(t, err)
	if sig != "" {
		req.Header.Set("X-Hub-Signature-256", sig)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	out := map[string]any{}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return res.StatusCode, out
}

func TestWebhookEndpoint(t *testing.T) {
	a := newTestAPI(t, cronSecret)
	ctx := context.Background()
	j, err := a.jobs.Enqueue(ctx, domain.EmailValidation, "ws-a", json.RawMessage(`{"email":"a@b.io"}`), queue.EnqueueOptions{})
	require.NoError(t, err)
	_, ok, err := a.jobs.Claim(ctx, j)
	require.NoError(t, err)
	require.True(t, ok)

	body := `{"event":"job.completed","jobId":"` + j.ID + `","result":{"valid":true}}`
	sign := func(b string) string { return "sha256=" + outbox.Sign(hookSecret, []byte(b)) }

	code, out := a.hook(t, webhook.Generic, body, sign(body))
	require.Equal(t, http.StatusOK, code, out)
	assert.Equal(t, true, out["matched"])
	assert.Equal(t, true, out["applied"])
	assert.Equal(t, "completed", out["status"])

	code, out = a.hook(t, webhook.Generic, body, sign(body))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, out["applied"], "duplicate delivery is a no-op")

	code, _ = a.hook(t, webhook.Generic, body, sign("tampered"))
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = a.hook(t, "acme", body, "")
	assert.Equal(t, http.StatusBadRequest, code)

	missing := `{"event":"job.completed","jobId":"missing"}`
	code, _ = a.hook(t, webhook.Generic, missing, sign(missing))
	assert.Equal(t, http.StatusNotFound, code)

	code, out = a.hook(t, "clearbit", `{"id":"unknown-ref","status":200,"type":"person","body":{"person":{"given_name":"Ada"}}}`, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, out["matched"])
}
