package main

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally/v4"

	"deptmatch/config"
	"deptmatch/store"
)

const (
	testStudents    = "id;p1;p2;p3\nA;G1;G2;G3\nB;G1;G2;G3\nC;G1;G2\n"
	testDepartments = "id;label;capacity\nG1;Physics;1\nG2;Chemistry;1\nG3;Biology;0\n"
)

func newTestServer(t *testing.T) (*httptest.Server, tally.TestScope) {
	t.Helper()
	t.Setenv("CLIENT_SECRET", "test-secret")
	t.Setenv("ADMINS", "admin@example.com, other@example.com")

	st, err := store.Open("sqlite", filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	cfg := config.Default()
	cfg.Matcher.Trials = 50
	scope := tally.NewTestScope("", map[string]string{})
	srv := httptest.NewServer(newMux(st, cfg, newMetrics(scope)))
	t.Cleanup(srv.Close)
	return srv, scope
}

func counterValue(scope tally.TestScope, name string, tags map[string]string) int64 {
	for _, c := range scope.Snapshot().Counters() {
		if c.Name() != name {
			continue
		}
		match := true
		for k, v := range tags {
			if c.Tags()[k] != v {
				match = false
			}
		}
		if match {
			return c.Value()
		}
	}
	return 0
}

func request(t *testing.T, method, url, email string, body *bytes.Buffer, contentType string) *http.Response {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	if email != "" {
		req.Header.Set("Authorization", "Bearer "+signEmail(email))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func uploadForm(t *testing.T, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range map[string]string{"students": testStudents, "departments": testDepartments} {
		fw, err := mw.CreateFormFile(name, name+".csv")
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestAuthorize(t *testing.T) {
	t.Setenv("CLIENT_SECRET", "test-secret")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signEmail("someone@example.com"))
	email, ok := authorize(req)
	assert.True(t, ok)
	assert.Equal(t, "someone@example.com", email)

	req.Header.Set("Authorization", "Bearer "+signEmail("someone@example.com")+"x")
	_, ok = authorize(req)
	assert.False(t, ok)

	req.Header.Del("Authorization")
	_, ok = authorize(req)
	assert.False(t, ok)
}

func TestAdminCheck(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := request(t, http.MethodGet, srv.URL+"/api/admin/check", "other@example.com", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body["admin"])

	resp = request(t, http.MethodGet, srv.URL+"/api/admin/check", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRunLifecycle(t *testing.T) {
	srv, scope := newTestServer(t)

	body, ct := uploadForm(t, map[string]string{"trials": "30", "seed": "99"})
	resp := request(t, http.MethodPost, srv.URL+"/api/runs", "admin@example.com", body, ct)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		ID         string   `json:"id"`
		Seed       int64    `json:"seed"`
		Trials     int      `json:"trials"`
		WorstRank  int      `json:"worst_rank"`
		WorstCount int      `json:"worst_count"`
		Invalid    []string `json:"invalid"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.ID)
	assert.Equal(t, int64(99), created.Seed)
	assert.Equal(t, 30, created.Trials)
	assert.Equal(t, 1, created.WorstRank)
	assert.Equal(t, 1, created.WorstCount)
	assert.Equal(t, []string{"C"}, created.Invalid)

	resp = request(t, http.MethodGet, srv.URL+"/api/runs", "admin@example.com", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var runs []store.Run
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&runs))
	require.Len(t, runs, 1)
	assert.Equal(t, created.ID, runs[0].ID)

	resp = request(t, http.MethodGet, srv.URL+"/api/runs/"+created.ID, "admin@example.com", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var run store.Run
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
	assert.Len(t, run.Assignments, 3)

	resp = request(t, http.MethodGet, srv.URL+"/api/runs/"+created.ID+"/table", "admin@example.com", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
	var csv bytes.Buffer
	_, err := csv.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(csv.String(), "unassigned;unassigned;G1;Physics;G2;Chemistry;G3;Biology"))

	resp = request(t, http.MethodDelete, srv.URL+"/api/runs/"+created.ID, "admin@example.com", nil, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = request(t, http.MethodGet, srv.URL+"/api/runs/"+created.ID, "admin@example.com", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	assert.Equal(t, int64(1), counterValue(scope, "runs.create", map[string]string{"result": "created"}))
	assert.Equal(t, int64(1), counterValue(scope, "runs.delete", nil))
	var worst float64 = -1
	for _, g := range scope.Snapshot().Gauges() {
		if g.Name() == "runs.worst_rank" {
			worst = g.Value()
		}
	}
	assert.Equal(t, float64(1), worst)
}

func TestCreateRunRejects(t *testing.T) {
	srv, scope := newTestServer(t)

	body, ct := uploadForm(t, nil)
	resp := request(t, http.MethodPost, srv.URL+"/api/runs", "student@example.com", body, ct)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	body, ct = uploadForm(t, map[string]string{"trials": "zero"})
	resp = request(t, http.MethodPost, srv.URL+"/api/runs", "admin@example.com", body, ct)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("students", "students.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte("id;p1;p2;p3\nA;G1;G2;G9\n"))
	require.NoError(t, err)
	fw, err = mw.CreateFormFile("departments", "departments.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte(testDepartments))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	resp = request(t, http.MethodPost, srv.URL+"/api/runs", "admin@example.com", &buf, mw.FormDataContentType())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, int64(1), counterValue(scope, "runs.create", map[string]string{"result": "rejected"}))
}

func TestInitMetricScope(t *testing.T) {
	scope, closer, handler := initMetricScope(false, time.Second)
	require.NotNil(t, scope)
	assert.Nil(t, handler)
	require.NoError(t, closer.Close())
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := request(t, http.MethodGet, srv.URL+"/healthz", "", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
