package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"kept/internal/config"
	"kept/internal/db"
	"kept/internal/domain"
	"kept/internal/engine"
	"kept/internal/migrate"
)

const testSecret = "test-secret"

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
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}})
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
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func signToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
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

func authHeaders(t *testing.T) map[string]string {
	return map[string]string{"Authorization": "Bearer " + signToken(t, "tester")}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/commitments", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should not require auth, got %d", res.StatusCode)
	}
}

func TestAtRiskRecoverFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := authHeaders(t)

	createRes, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/commitments", map[string]any{
		"deliverable": "migration runbook",
		"stakeholder": "alex",
		"due_date":    time.Now().UTC().AddDate(0, 0, 10).Format("2006-01-02"),
	}, headers)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", createRes.StatusCode, string(data))
	}
	var created domain.Commitment
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal commitment: %v", err)
	}

	riskRes, riskBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/commitments/"+created.ID+"/at-risk", map[string]any{
		"reason": "dependency slipped",
	}, headers)
	if riskRes.StatusCode != http.StatusOK {
		t.Fatalf("at-risk status %d: %s", riskRes.StatusCode, string(riskBody))
	}
	var riskResult engine.AtRiskResult
	if err := json.Unmarshal(riskBody, &riskResult); err != nil {
		t.Fatalf("unmarshal at-risk result: %v", err)
	}
	if riskResult.Commitment.Status != domain.CommitmentAtRisk {
		t.Fatalf("expected at_risk, got %s", riskResult.Commitment.Status)
	}
	if riskResult.NotificationTask.ID == "" || riskResult.CleanupPlan.ID == "" {
		t.Fatalf("expected notification task and cleanup plan in result")
	}

	recRes, recBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/commitments/"+created.ID+"/recover", map[string]any{
		"notification_resolved": true,
	}, headers)
	if recRes.StatusCode != http.StatusOK {
		t.Fatalf("recover status %d: %s", recRes.StatusCode, string(recBody))
	}
	var recovery engine.RecoveryResult
	if err := json.Unmarshal(recBody, &recovery); err != nil {
		t.Fatalf("unmarshal recovery: %v", err)
	}
	if recovery.Commitment.Status != domain.CommitmentInProgress {
		t.Fatalf("expected in_progress after recovery, got %s", recovery.Commitment.Status)
	}
	if recovery.NotificationStillNeeded {
		t.Fatalf("resolved recovery should not leave the notification pending")
	}
}

func TestAtRiskRequiresReason(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := authHeaders(t)

	createRes, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/commitments", map[string]any{
		"deliverable": "thing",
		"stakeholder": "alex",
		"due_date":    "2030-01-01",
	}, headers)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", createRes.StatusCode, string(data))
	}
	var created domain.Commitment
	_ = json.Unmarshal(data, &created)

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/commitments/"+created.ID+"/at-risk", map[string]any{}, headers)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without a reason, got %d: %s", res.StatusCode, string(body))
	}
}

func TestRecoverConflictWhenNotAtRisk(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := authHeaders(t)

	createRes, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/commitments", map[string]any{
		"deliverable": "steady",
		"stakeholder": "alex",
		"due_date":    "2030-01-01",
	}, headers)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", createRes.StatusCode, string(data))
	}
	var created domain.Commitment
	_ = json.Unmarshal(data, &created)

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/commitments/"+created.ID+"/recover", map[string]any{}, headers)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 recovering a pending commitment, got %d: %s", res.StatusCode, string(body))
	}
}

func TestIntegrityEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := authHeaders(t)

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/integrity", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("integrity status %d: %s", res.StatusCode, string(body))
	}
	var resp struct {
		Metrics struct {
			CompositeScore float64 `json:"composite_score"`
			LetterGrade    string  `json:"letter_grade"`
		} `json:"metrics"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Metrics.CompositeScore != 95.0 || resp.Metrics.LetterGrade != "A" {
		t.Fatalf("fresh workspace should score 95/A, got %v/%s", resp.Metrics.CompositeScore, resp.Metrics.LetterGrade)
	}
}

func TestCommitmentNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/commitments/nope", nil, authHeaders(t))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(body))
	}
}
