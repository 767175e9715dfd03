package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"candlepipe/internal/market"
	"candlepipe/internal/pipeline"
)

// gridSource 按网格生成假数据。
type gridSource struct{}

func (gridSource) Name() string { return "grid" }

func (gridSource) Fetch(_ context.Context, req pipeline.FetchRequest) (market.Candles, error) {
	step := int64(req.Granularity)
	var out market.Candles
	for ts := req.Start; ts <= req.End; ts += step {
		out = append(out, market.Candle{
			BarTime: ts,
			Product: req.Product,
			Low:     1, High: 3, Open: 2, Close: 2, Volume: 0.5,
		})
	}
	return out, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store, err := pipeline.NewStore(filepath.Join(t.TempDir(), "candles.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	svc, err := pipeline.NewService(pipeline.ServiceConfig{
		Store:          store,
		Source:         gridSource{},
		Granularity:    pipeline.Granularity{Seconds: 60},
		MaxPoints:      300,
		RequestsPerSec: 10_000,
	})
	require.NoError(t, err)
	srv, err := New(Config{
		Addr:        ":0",
		Svc:         svc,
		Store:       store,
		Products:    []string{"BTC-USD"},
		ChartWidth:  800,
		ChartHeight: 400,
	})
	require.NoError(t, err)
	return srv
}

func doRequest(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func TestFetchEndpointLifecycle(t *testing.T) {
	srv := newTestServer(t)

	w := doRequest(srv, http.MethodPost, "/api/fetch",
		`{"product":"BTC-USD","start_ts":60,"end_ts":7200}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	jobID := gjson.Get(w.Body.String(), "job.id").String()
	require.NotEmpty(t, jobID)

	assert.Eventually(t, func() bool {
		res := doRequest(srv, http.MethodGet, "/api/fetch/"+jobID, "")
		return gjson.Get(res.Body.String(), "job.status").String() == pipeline.JobStatusDone
	}, 5*time.Second, 10*time.Millisecond)

	// K 线区间查询（[60,7200] 共 120 根）
	w = doRequest(srv, http.MethodGet, "/api/candles?product=BTC-USD&start=60&end=7200", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(120), gjson.Get(w.Body.String(), "count").Int())

	// 小时聚合
	w = doRequest(srv, http.MethodGet, "/api/hourly?product=BTC-USD", "")
	require.Equal(t, http.StatusOK, w.Code)
	series := gjson.Get(w.Body.String(), "series")
	require.Equal(t, int64(1), int64(len(series.Array())))
	points := series.Get("0.points").Array()
	assert.Equal(t, 3, len(points)) // 0h 59 根、1h 60 根、2h 整点 1 根
	assert.InDelta(t, 2, series.Get("0.points.0.avg_close").Float(), 1e-9)
	assert.InDelta(t, 29.5, series.Get("0.points.0.volume").Float(), 1e-9)

	// manifest
	w = doRequest(srv, http.MethodGet, "/api/manifest", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(120), gjson.Get(w.Body.String(), "manifests.0.rows").Int())

	// jobs 列表
	w = doRequest(srv, http.MethodGet, "/api/jobs", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, len(gjson.Get(w.Body.String(), "jobs").Array()))
}

func TestFetchEndpointValidation(t *testing.T) {
	srv := newTestServer(t)

	w := doRequest(srv, http.MethodPost, "/api/fetch", `{"product":"BTC-USD"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(srv, http.MethodGet, "/api/fetch/no-such-job", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(srv, http.MethodGet, "/api/candles?product=BTC-USD", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(srv, http.MethodGet, "/api/candles", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChartEndpoint(t *testing.T) {
	srv := newTestServer(t)

	// 库空时 404
	w := doRequest(srv, http.MethodGet, "/chart", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	// 填数据后返回 HTML 页面
	w = doRequest(srv, http.MethodPost, "/api/fetch",
		`{"product":"BTC-USD","start_ts":60,"end_ts":3600}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	jobID := gjson.Get(w.Body.String(), "job.id").String()
	assert.Eventually(t, func() bool {
		res := doRequest(srv, http.MethodGet, fmt.Sprintf("/api/fetch/%s", jobID), "")
		return gjson.Get(res.Body.String(), "job.status").String() == pipeline.JobStatusDone
	}, 5*time.Second, 10*time.Millisecond)

	w = doRequest(srv, http.MethodGet, "/chart", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "BTC-USD")
}

func TestRunsEndpointDisabled(t *testing.T) {
	srv := newTestServer(t)
	w := doRequest(srv, http.MethodGet, "/api/runs", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
