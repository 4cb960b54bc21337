package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"linkline/internal/config"
	"linkline/internal/db"
	"linkline/internal/engine"
	"linkline/internal/matcher"
	"linkline/internal/migrate"
	"linkline/internal/scheduler"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	cfg.Scheduler.PollIntervalMS = 20
	cfg.Scheduler.ReapIntervalMS = 20
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	sched := scheduler.New(e, matcher.DiceMatcher{})
	sched.Start(context.Background())
	handler, err := New(Config{Engine: e, Scheduler: sched, BasePath: "/api/v1"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String() + "/api/v1",
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			sched.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func createProject(t *testing.T, srv *testServer, body map[string]any) NewProjectResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/projects", body, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project status %d: %s", res.StatusCode, string(data))
	}
	var created NewProjectResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return created
}

// clks builds base64 encodings; equal ids produce identical 16-byte rows.
func clks(ids ...byte) []string {
	res := make([]string, 0, len(ids))
	for _, id := range ids {
		row := make([]byte, 16)
		for j := range row {
			row[j] = id + byte(j)*3
		}
		res = append(res, base64.StdEncoding.EncodeToString(row))
	}
	return res
}

func uploadCLKs(t *testing.T, srv *testServer, projectID, token string, ids ...byte) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/projects/"+projectID+"/clks",
		map[string]any{"clks": clks(ids...)}, map[string]string{"Authorization": token})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("upload status %d: %s", res.StatusCode, string(data))
	}
	var out UploadResponse
	if err := json.Unmarshal(data, &out); err != nil || out.ReceiptToken == "" {
		t.Fatalf("expected receipt token: %v %s", err, string(data))
	}
}

func TestCreateAndDescribeProject(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	created := createProject(t, srv, map[string]any{
		"result_type": "mapping",
		"schema":      map[string]any{"version": 3},
	})
	if created.ProjectID == "" || created.ResultToken == "" {
		t.Fatalf("missing ids in %+v", created)
	}
	if len(created.UpdateTokens) != 2 {
		t.Fatalf("expected 2 update tokens, got %d", len(created.UpdateTokens))
	}

	// No Authorization header at all is a bad request.
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/projects/"+created.ProjectID, nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without auth, got %d: %s", res.StatusCode, string(data))
	}
	// A present but wrong token is forbidden.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/projects/"+created.ProjectID, nil,
		map[string]string{"Authorization": "invalid"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 with bad token, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/projects/"+created.ProjectID, nil,
		map[string]string{"Authorization": created.ResultToken})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("describe status %d: %s", res.StatusCode, string(data))
	}
	var desc map[string]any
	if err := json.Unmarshal(data, &desc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if desc["number_parties"].(float64) != 2 {
		t.Fatalf("expected 2 parties: %v", desc)
	}
	if desc["parties_contributed"].(float64) != 0 {
		t.Fatalf("expected 0 contributed: %v", desc)
	}
	if _, ok := desc["result_token"]; ok {
		t.Fatalf("description leaked token material: %v", desc)
	}
}

func TestNonexistentProjectReadsForbidden(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/projects/does-not-exist", nil,
		map[string]string{"Authorization": "some-token"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for unknown project, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/projects/does-not-exist/runs", nil,
		map[string]string{"Authorization": "some-token"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 listing runs of unknown project, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/projects/does-not-exist", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown project without auth, got %d: %s", res.StatusCode, string(data))
	}
}

func TestDeleteProject(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	created := createProject(t, srv, map[string]any{"result_type": "mapping"})

	res, data := doJSON(t, client, http.MethodDelete, srv.URL+"/projects/"+created.ProjectID, nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without auth, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/projects/"+created.ProjectID, nil,
		map[string]string{"Authorization": "invalid"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 with bad token, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/projects/"+created.ProjectID, nil,
		map[string]string{"Authorization": created.ResultToken})
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", res.StatusCode, string(data))
	}
	// Deletion already invalidated the token, so a repeat is forbidden.
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/projects/"+created.ProjectID, nil,
		map[string]string{"Authorization": created.ResultToken})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 on second delete, got %d: %s", res.StatusCode, string(data))
	}
}

func TestUploadBothParties(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	created := createProject(t, srv, map[string]any{"result_type": "mapping"})

	uploadCLKs(t, srv, created.ProjectID, created.UpdateTokens[0], 10, 20, 30)
	uploadCLKs(t, srv, created.ProjectID, created.UpdateTokens[1], 20, 30, 40)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/projects/"+created.ProjectID, nil,
		map[string]string{"Authorization": created.ResultToken})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("describe status %d: %s", res.StatusCode, string(data))
	}
	var desc map[string]any
	_ = json.Unmarshal(data, &desc)
	if desc["parties_contributed"].(float64) != 2 {
		t.Fatalf("expected 2 contributed: %v", desc)
	}
}

func TestBinaryUpload(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	created := createProject(t, srv, map[string]any{"result_type": "mapping"})

	raw := make([]byte, 3*16)
	for i := range raw {
		raw[i] = byte(i % 11)
	}
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/projects/"+created.ProjectID+"/clks", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Authorization", created.UpdateTokens[0])
	req.Header.Set("Hash-Count", "3")
	req.Header.Set("Hash-Size", "16")
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(res.Body)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("binary upload status %d: %s", res.StatusCode, string(data))
	}

	// Missing Hash-Count on a binary body is a bad request.
	req, _ = http.NewRequest(http.MethodPost, srv.URL+"/projects/"+created.ProjectID+"/clks", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Authorization", created.UpdateTokens[0])
	res, err = srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without count headers, got %d", res.StatusCode)
	}
}

func TestRunLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	created := createProject(t, srv, map[string]any{"result_type": "mapping"})
	auth := map[string]string{"Authorization": created.ResultToken}

	uploadCLKs(t, srv, created.ProjectID, created.UpdateTokens[0], 10, 20, 30, 40)
	uploadCLKs(t, srv, created.ProjectID, created.UpdateTokens[1], 20, 30, 40, 99)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/projects/"+created.ProjectID+"/runs",
		map[string]any{"threshold": 0.95}, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create run status %d: %s", res.StatusCode, string(data))
	}
	var newRun NewRunResponse
	_ = json.Unmarshal(data, &newRun)
	if newRun.RunID == "" {
		t.Fatalf("missing run id: %s", string(data))
	}

	runURL := srv.URL + "/projects/" + created.ProjectID + "/runs/" + newRun.RunID
	deadline := time.Now().Add(10 * time.Second)
	var status map[string]any
	for {
		res, data = doJSON(t, client, http.MethodGet, runURL+"/status", nil, auth)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("status %d: %s", res.StatusCode, string(data))
		}
		_ = json.Unmarshal(data, &status)
		if status["state"] == "completed" {
			break
		}
		if status["state"] == "error" {
			t.Fatalf("run errored: %v", status)
		}
		if time.Now().After(deadline) {
			t.Fatalf("run never completed: %v", status)
		}
		time.Sleep(20 * time.Millisecond)
	}
	stage := status["current_stage"].(map[string]any)
	if int(stage["number"].(float64)) != 2 {
		t.Fatalf("expected final stage, got %v", stage)
	}

	res, data = doJSON(t, client, http.MethodGet, runURL+"/result", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("result status %d: %s", res.StatusCode, string(data))
	}
	var result map[string]any
	_ = json.Unmarshal(data, &result)
	mapping, ok := result["mapping"].(map[string]any)
	if !ok {
		t.Fatalf("expected mapping in result: %s", string(data))
	}
	if len(mapping) != 3 {
		t.Fatalf("expected 3 mapped rows, got %v", mapping)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/projects/"+created.ProjectID+"/runs", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list runs status %d: %s", res.StatusCode, string(data))
	}
	var runs []RunSummary
	_ = json.Unmarshal(data, &runs)
	if len(runs) != 1 || runs[0].RunID != newRun.RunID {
		t.Fatalf("unexpected run list: %v", runs)
	}
}

func TestRunStaysQueuedWithoutData(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	created := createProject(t, srv, map[string]any{"result_type": "mapping"})
	auth := map[string]string{"Authorization": created.ResultToken}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/projects/"+created.ProjectID+"/runs",
		map[string]any{"threshold": 0.9}, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create run status %d: %s", res.StatusCode, string(data))
	}
	var newRun NewRunResponse
	_ = json.Unmarshal(data, &newRun)

	time.Sleep(200 * time.Millisecond)
	res, data = doJSON(t, client, http.MethodGet,
		srv.URL+"/projects/"+created.ProjectID+"/runs/"+newRun.RunID+"/status", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var status map[string]any
	_ = json.Unmarshal(data, &status)
	// Not ready is not an error; the run waits.
	if status["state"] != "queued" {
		t.Fatalf("expected queued, got %v", status)
	}

	res, data = doJSON(t, client, http.MethodGet,
		srv.URL+"/projects/"+created.ProjectID+"/runs/"+newRun.RunID+"/result", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("result status %d: %s", res.StatusCode, string(data))
	}
	var result map[string]any
	_ = json.Unmarshal(data, &result)
	if result["state"] != "queued" || result["message"] != "run is not complete" {
		t.Fatalf("unexpected early result body: %v", result)
	}
}

func TestRunAuthTaxonomy(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	created := createProject(t, srv, map[string]any{"result_type": "mapping"})

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/projects/"+created.ProjectID+"/runs",
		map[string]any{"threshold": 0.9}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without auth, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/projects/"+created.ProjectID+"/runs",
		map[string]any{"threshold": 0.9}, map[string]string{"Authorization": created.UpdateTokens[0]})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 with update token, got %d: %s", res.StatusCode, string(data))
	}
	// Unknown run id under a valid token still reads forbidden.
	res, data = doJSON(t, client, http.MethodGet,
		srv.URL+"/projects/"+created.ProjectID+"/runs/no-such-run", nil,
		map[string]string{"Authorization": created.ResultToken})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for unknown run, got %d: %s", res.StatusCode, string(data))
	}
	// Threshold outside [0,1] is rejected.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/projects/"+created.ProjectID+"/runs",
		map[string]any{"threshold": 1.5}, map[string]string{"Authorization": created.ResultToken})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad threshold, got %d: %s", res.StatusCode, string(data))
	}
}
