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

	"skirmish/internal/config"
	"skirmish/internal/db"
	"skirmish/internal/domain"
	"skirmish/internal/engine"
	"skirmish/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	e.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	e.Roll = func() float64 { return 0.5 }
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
	})
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
	t.Cleanup(testSrv.Close)
	return testSrv
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, actor string) (*http.Response, []byte) {
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
	if actor != "" {
		req.Header.Set("X-Actor-Id", actor)
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

func seedAssetHTTP(t *testing.T, srv *testServer, assetID string, army int, class, spec string) {
	t.Helper()
	res, body := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/assets/"+assetID, map[string]any{
		"army": army, "class": class, "specialization": spec,
	}, "admin")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("seed asset: %d %s", res.StatusCode, string(body))
	}
}

func createSquadronHTTP(t *testing.T, srv *testServer, owner, name string, assets ...string) domain.Squadron {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/squadrons", map[string]any{"name": name}, owner)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create squadron: %d %s", res.StatusCode, string(data))
	}
	var s domain.Squadron
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("unmarshal squadron: %v", err)
	}
	for _, assetID := range assets {
		res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/squadrons/"+s.ID+"/members", map[string]any{
			"asset_id": assetID,
		}, owner)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("add member: %d %s", res.StatusCode, string(body))
		}
	}
	return s
}

func TestBattleFlowOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	seedAssetHTTP(t, srv, "a1", 60, "warrior", "army")
	seedAssetHTTP(t, srv, "b1", 40, "scholar", "civilization")
	a := createSquadronHTTP(t, srv, "alice", "alpha", "a1")
	b := createSquadronHTTP(t, srv, "bob", "bravo", "b1")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/battles", map[string]any{
		"squadron_id": a.ID,
		"combat_type": "military",
	}, "alice")
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create battle: %d %s", res.StatusCode, string(data))
	}
	var battle domain.Battle
	_ = json.Unmarshal(data, &battle)
	if battle.Status != domain.BattleOpen {
		t.Fatalf("status = %s", battle.Status)
	}

	// Creator squadron is locked; roster mutation conflicts.
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/squadrons/"+a.ID+"/members", map[string]any{
		"asset_id": "b1",
	}, "alice")
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("locked add member: %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != string(domain.KindSquadronLocked) {
		t.Fatalf("error code = %q", envelope.Error.Code)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/battles/"+battle.ID+"/join", map[string]any{
		"squadron_id": b.ID,
	}, "bob")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("join: %d %s", res.StatusCode, string(data))
	}
	var joined domain.Battle
	_ = json.Unmarshal(data, &joined)
	if joined.Status != domain.BattleInProgress {
		t.Fatalf("status = %s", joined.Status)
	}

	for _, actor := range []string{"alice", "bob"} {
		res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/battles/"+battle.ID+"/moves", map[string]any{
			"action":    "advance",
			"risk_tier": "low",
		}, actor)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("%s move: %d %s", actor, res.StatusCode, string(data))
		}
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/battles/"+battle.ID+"/moves", nil, "alice")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list moves: %d %s", res.StatusCode, string(data))
	}
	var movesBody struct {
		Moves []domain.BattleMove `json:"moves"`
	}
	_ = json.Unmarshal(data, &movesBody)
	if len(movesBody.Moves) != 2 {
		t.Fatalf("moves = %d", len(movesBody.Moves))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/battles/"+battle.ID+"/finalize", nil, "alice")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("finalize: %d %s", res.StatusCode, string(data))
	}
	var final domain.Battle
	_ = json.Unmarshal(data, &final)
	if final.Status != domain.BattleCompleted || final.WinnerSquadronID == nil || *final.WinnerSquadronID != a.ID {
		t.Fatalf("final = %s winner=%v", final.Status, final.WinnerSquadronID)
	}
}

func TestUnauthorizedWithoutCredentials(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/squadrons", map[string]any{"name": "x"}, "")
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d %s", res.StatusCode, string(data))
	}

	// Health stays open.
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health = %d", res.StatusCode)
	}
}

func TestSelfJoinRejectedOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	seedAssetHTTP(t, srv, "a1", 60, "warrior", "army")
	a := createSquadronHTTP(t, srv, "alice", "alpha", "a1")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/battles", map[string]any{
		"squadron_id": a.ID,
		"combat_type": "military",
	}, "alice")
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create battle: %d %s", res.StatusCode, string(data))
	}
	var battle domain.Battle
	_ = json.Unmarshal(data, &battle)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/battles/"+battle.ID+"/join", map[string]any{
		"squadron_id": a.ID,
	}, "alice")
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("self join: %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != string(domain.KindSelfJoin) {
		t.Fatalf("error code = %q", envelope.Error.Code)
	}
}
