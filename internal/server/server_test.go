package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"chronotrial/internal/config"
	"chronotrial/internal/db"
	"chronotrial/internal/engine"
	"chronotrial/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: auth})
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
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

// seedRunningTrial creates a started trial with two registered plates and
// returns its id.
func seedRunningTrial(t *testing.T, srv *testServer) int64 {
	t.Helper()
	ctx := context.Background()
	tr, err := srv.Engine.CreateTrial(ctx, "City Sprint", time.Now().Add(time.Hour).Format(time.RFC3339))
	if err != nil {
		t.Fatalf("create trial: %v", err)
	}
	for i, name := range []string{"Jane Doe", "John Roe"} {
		_, err := srv.Engine.Register(ctx, engine.RegisterOptions{
			TrialID:      tr.ID,
			AthleteName:  name,
			PlateCode:    fmt.Sprintf("10%d", i+1),
			CategoryName: "Senior",
			ModalityName: "Road",
		})
		if err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	if _, err := srv.Engine.StartTrial(ctx, tr.ID, false); err != nil {
		t.Fatalf("start trial: %v", err)
	}
	return tr.ID
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

func TestTrialEndpoints(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	trialID := seedRunningTrial(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/trials", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list trials: %d %s", res.StatusCode, string(data))
	}
	var trials []TrialResponse
	if err := json.Unmarshal(data, &trials); err != nil {
		t.Fatalf("unmarshal trials: %v", err)
	}
	if len(trials) != 1 || trials[0].Status != "running" {
		t.Fatalf("trials: %+v", trials)
	}

	res, data = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v0/trials/%d", srv.URL, trialID), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get trial: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/trials/running", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("running trial: %d %s", res.StatusCode, string(data))
	}
	var running TrialResponse
	_ = json.Unmarshal(data, &running)
	if running.ID != trialID {
		t.Fatalf("running trial id %d, want %d", running.ID, trialID)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/trials/9999", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing trial: %d %s", res.StatusCode, string(data))
	}
	var apiErr apiError
	if err := json.Unmarshal(data, &apiErr); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if apiErr.Body.Code != "not_found" {
		t.Fatalf("error code %q", apiErr.Body.Code)
	}

	res, data = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v0/trials/%d/participants", srv.URL, trialID), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("participants: %d %s", res.StatusCode, string(data))
	}
	var regs []RegistrationResponse
	if err := json.Unmarshal(data, &regs); err != nil {
		t.Fatalf("unmarshal participants: %v", err)
	}
	if len(regs) != 2 {
		t.Fatalf("participants: %+v", regs)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK || len(data) == 0 {
		t.Fatalf("openapi: %d %s", res.StatusCode, string(data))
	}
}

func TestRecordFinishAndRankings(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	trialID := seedRunningTrial(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/trials/%d/finish", srv.URL, trialID), map[string]any{
		"plates":   "101, 102, 999",
		"end_time": time.Now().Add(90 * time.Second).Format(time.RFC3339),
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("finish: %d %s", res.StatusCode, string(data))
	}
	var batch FinishBatchResponse
	if err := json.Unmarshal(data, &batch); err != nil {
		t.Fatalf("unmarshal finish: %v", err)
	}
	if len(batch.Outcomes) != 3 {
		t.Fatalf("outcomes: %+v", batch.Outcomes)
	}
	if batch.Outcomes[2].Error == "" {
		t.Fatalf("expected unknown plate to fail: %+v", batch.Outcomes[2])
	}

	res, data = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v0/trials/%d/rankings?policy=best", srv.URL, trialID), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("rankings: %d %s", res.StatusCode, string(data))
	}
	var entries []RankingEntryResponse
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("unmarshal rankings: %v", err)
	}
	if len(entries) != 2 || entries[0].Position != 1 {
		t.Fatalf("rankings: %+v", entries)
	}

	res, data = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v0/trials/%d/rankings?policy=fastest", srv.URL, trialID), nil, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("bad policy: %d %s", res.StatusCode, string(data))
	}
	var policyErr apiError
	if err := json.Unmarshal(data, &policyErr); err != nil {
		t.Fatalf("unmarshal policy error: %v", err)
	}
	if policyErr.Body.Code != "validation_failed" {
		t.Fatalf("policy error code %q: %s", policyErr.Body.Code, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/stats", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stats: %d %s", res.StatusCode, string(data))
	}
	var stats StatisticsResponse
	if err := json.Unmarshal(data, &stats); err != nil {
		t.Fatalf("unmarshal stats: %v", err)
	}
	if stats.Results != 2 || len(stats.TopAthletes) == 0 || stats.TopAthletes[0].Name == "" {
		t.Fatalf("stats: %+v", stats)
	}

	// finish against a stopped trial conflicts
	if _, err := srv.Engine.StopTrial(context.Background(), trialID); err != nil {
		t.Fatalf("stop trial: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/trials/%d/finish", srv.URL, trialID), map[string]any{
		"plates": "101",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("finish after stop: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v0/trials/%d/summary", srv.URL, trialID), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("summary: %d %s", res.StatusCode, string(data))
	}
	var summary SummaryResponse
	_ = json.Unmarshal(data, &summary)
	if summary.Finishers != 2 || summary.Pending != 0 {
		t.Fatalf("summary: %+v", summary)
	}
}

func TestAuthOptional(t *testing.T) {
	open := newTestServer(t, AuthConfig{})
	res, data := doJSON(t, open.Client(), http.MethodGet, open.URL+"/v0/trials", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("open server: %d %s", res.StatusCode, string(data))
	}

	const secret = "test-secret"
	locked := newTestServer(t, AuthConfig{JWTSecret: secret})
	client := locked.Client()

	res, data = doJSON(t, client, http.MethodGet, locked.URL+"/v0/trials", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: %d %s", res.StatusCode, string(data))
	}

	// health stays open even with a secret configured
	res, data = doJSON(t, client, http.MethodGet, locked.URL+"/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health with secret: %d %s", res.StatusCode, string(data))
	}

	token, err := SignToken(secret, "timekeeper", []string{"operator"})
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, locked.URL+"/v0/trials", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("with token: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, locked.URL+"/v0/trials", nil, map[string]string{
		"Authorization": "Bearer not-a-jwt",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: %d %s", res.StatusCode, string(data))
	}
}
