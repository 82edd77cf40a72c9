package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"codepair/internal/api"
	"codepair/internal/app"
	"codepair/internal/config"
	"codepair/internal/provision"
	"codepair/pkg/types"
)

// testEnv is a running application on a loopback port with the in-memory provider
type testEnv struct {
	t        *testing.T
	app      *app.Application
	baseURL  string
	provider *provision.Memory
	client   *http.Client
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Database.Path = filepath.Join(t.TempDir(), "codepair.db")
	cfg.Auth.Secret = "integration-secret"
	cfg.Auth.Issuer = "codepair-test"
	cfg.Provider.Mode = config.ProviderMemory
	cfg.RateLimit.Requests = 0
	cfg.Telemetry.Enabled = false

	application, err := app.NewApplication(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Failed to create application: %v", err)
	}
	if err := application.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start application: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := application.Stop(ctx); err != nil {
			t.Logf("Stop returned: %v", err)
		}
	})

	memory, ok := application.Provisioner().(*provision.Memory)
	if !ok {
		t.Fatalf("Expected in-memory provider, got %T", application.Provisioner())
	}

	return &testEnv{
		t:        t,
		app:      application,
		baseURL:  "http://" + application.GetAddr(),
		provider: memory,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// addUser stores a user and returns a bearer token for it
func (e *testEnv) addUser(externalID, name string) (*types.User, string) {
	e.t.Helper()
	user := &types.User{ExternalID: externalID, Name: name, Email: externalID + "@example.com"}
	if err := e.app.Users().UpsertUser(context.Background(), user); err != nil {
		e.t.Fatalf("Failed to store user %s: %v", externalID, err)
	}
	token, err := e.app.Resolver().IssueAccessToken(user, time.Hour)
	if err != nil {
		e.t.Fatalf("Failed to issue token for %s: %v", externalID, err)
	}
	return user, token
}

// call performs a request and decodes the JSON body into out when non-nil
func (e *testEnv) call(method, path, token string, body interface{}, out interface{}) int {
	e.t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			e.t.Fatalf("Failed to encode request: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, e.baseURL+path, reader)
	if err != nil {
		e.t.Fatalf("Failed to build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		e.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			e.t.Fatalf("Failed to decode %s %s response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (e *testEnv) createSession(token, problem, difficulty string) *types.Session {
	e.t.Helper()
	var resp api.SessionResponse
	code := e.call(http.MethodPost, "/api/sessions", token, api.CreateSessionRequest{Problem: problem, Difficulty: difficulty}, &resp)
	if code != http.StatusCreated {
		e.t.Fatalf("Create expected 201, got %d", code)
	}
	return resp.Session
}

// watch opens the session's event stream and consumes the history replay
func (e *testEnv) watch(sessionID, token string) *websocket.Conn {
	e.t.Helper()
	u := url.URL{
		Scheme:   "ws",
		Host:     e.app.GetAddr(),
		Path:     "/ws",
		RawQuery: url.Values{"session_id": {sessionID}, "token": {token}}.Encode(),
	}
	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		e.t.Fatalf("Failed to open watch stream (status %d): %v", status, err)
	}
	e.t.Cleanup(func() { conn.Close() })
	return conn
}

// frame is the union of event and system message shapes on the watch stream
type frame struct {
	ID      string                 `json:"id"`
	Type    string                 `json:"type"`
	ActorID string                 `json:"actor_id"`
	Content map[string]interface{} `json:"content"`
}

// readUntil returns every frame up to and including the first of type want
func readUntil(t *testing.T, conn *websocket.Conn, want string) []frame {
	t.Helper()
	var frames []frame
	deadline := time.Now().Add(5 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("Did not receive %q (got %v): %v", want, frameTypes(frames), err)
		}
		frames = append(frames, f)
		if f.Type == want {
			return frames
		}
	}
}

func frameTypes(frames []frame) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		if f.Type == "system" {
			out = append(out, fmt.Sprintf("system:%v", f.Content["event"]))
			continue
		}
		out = append(out, f.Type)
	}
	return out
}

// eventually polls cond until it holds or the deadline passes
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func (e *testEnv) eventTypes(sessionID, token string) []string {
	e.t.Helper()
	var resp api.EventsResponse
	if code := e.call(http.MethodGet, "/api/sessions/"+sessionID+"/events", token, nil, &resp); code != http.StatusOK {
		e.t.Fatalf("Events expected 200, got %d", code)
	}
	seen := make([]string, 0, len(resp.Events))
	for _, event := range resp.Events {
		seen = append(seen, event.Type)
	}
	return seen
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Functional Validation Tests

func TestLifecycle_TwoSumSession(t *testing.T) {
	env := newTestEnv(t)
	alice, aliceToken := env.addUser("clerk_alice", "Alice")
	bob, bobToken := env.addUser("clerk_bob", "Bob")

	// Host creates the session; call and channel exist with the host as member
	created := env.createSession(aliceToken, "Two Sum", "easy")
	if created.Status != types.StatusActive || created.HostID != alice.ID || created.HasParticipant() {
		t.Fatalf("Unexpected created session: %+v", created)
	}
	if !env.provider.HasCall(created.CallID) {
		t.Error("Call should be provisioned under the session's callId")
	}
	channel, ok := env.provider.GetChannel(created.CallID)
	if !ok || !equalStrings(channel.Members, []string{"clerk_alice"}) {
		t.Errorf("Channel should exist with the host as only member, got %+v", channel)
	}
	if channel.Name != "Two Sum Session" {
		t.Errorf("Unexpected channel name %q", channel.Name)
	}

	// The session is discoverable with its host attached
	var active api.ListSessionsResponse
	if code := env.call(http.MethodGet, "/api/sessions/active", bobToken, nil, &active); code != http.StatusOK {
		t.Fatalf("Active expected 200, got %d", code)
	}
	if len(active.Sessions) != 1 || active.Sessions[0].Host == nil || active.Sessions[0].Host.Name != "Alice" {
		t.Fatalf("Unexpected active list: %+v", active.Sessions)
	}

	// A watcher sees history then live events
	conn := env.watch(created.ID, bobToken)
	history := readUntil(t, conn, "system")
	if history[len(history)-1].Content["event"] != "history_complete" {
		t.Errorf("Expected history_complete, got %v", frameTypes(history))
	}

	// Participant joins
	var joined api.MutationResponse
	if code := env.call(http.MethodPost, "/api/sessions/"+created.ID+"/join", bobToken, nil, &joined); code != http.StatusOK {
		t.Fatalf("Join expected 200, got %d", code)
	}
	if joined.Session.ParticipantID == nil || *joined.Session.ParticipantID != bob.ID {
		t.Errorf("Expected bob as participant, got %+v", joined.Session)
	}
	channel, _ = env.provider.GetChannel(created.CallID)
	if !equalStrings(channel.Members, []string{"clerk_alice", "clerk_bob"}) {
		t.Errorf("Expected both members in channel, got %v", channel.Members)
	}
	readUntil(t, conn, types.EventParticipantJoined)

	// Host ends; external resources are torn down
	var ended api.MutationResponse
	if code := env.call(http.MethodPost, "/api/sessions/"+created.ID+"/end", aliceToken, nil, &ended); code != http.StatusOK {
		t.Fatalf("End expected 200, got %d", code)
	}
	if ended.Session.Status != types.StatusCompleted || ended.Session.EndedAt == nil {
		t.Errorf("Expected completed session with ended_at, got %+v", ended.Session)
	}
	if env.provider.HasCall(created.CallID) {
		t.Error("Call should be deleted after end")
	}
	if _, ok := env.provider.GetChannel(created.CallID); ok {
		t.Error("Channel should be deleted after end")
	}
	readUntil(t, conn, types.EventSessionEnded)

	// Read side reflects the completed session
	var view api.SessionViewResponse
	if code := env.call(http.MethodGet, "/api/sessions/"+created.ID, bobToken, nil, &view); code != http.StatusOK {
		t.Fatalf("Get expected 200, got %d", code)
	}
	if view.Session.Participant == nil || view.Session.Participant.Name != "Bob" {
		t.Errorf("Expected participant summary, got %+v", view.Session.Participant)
	}

	var recent api.ListSessionsResponse
	env.call(http.MethodGet, "/api/sessions/my-recent", bobToken, nil, &recent)
	if len(recent.Sessions) != 1 || recent.Sessions[0].ID != created.ID {
		t.Errorf("Participant's recent sessions should include the ended session, got %+v", recent.Sessions)
	}

	active = api.ListSessionsResponse{}
	env.call(http.MethodGet, "/api/sessions/active", bobToken, nil, &active)
	if len(active.Sessions) != 0 {
		t.Errorf("Ended session should not be active, got %d", len(active.Sessions))
	}

	want := []string{types.EventSessionCreated, types.EventParticipantJoined, types.EventSessionEnded}
	eventually(t, "all lifecycle events persisted", func() bool {
		return equalStrings(env.eventTypes(created.ID, aliceToken), want)
	})

	// Terminal state rejects further mutations
	if code := env.call(http.MethodPost, "/api/sessions/"+created.ID+"/end", aliceToken, nil, nil); code != http.StatusConflict {
		t.Errorf("Second end expected 409, got %d", code)
	}
	_, carolToken := env.addUser("clerk_carol", "Carol")
	if code := env.call(http.MethodPost, "/api/sessions/"+created.ID+"/join", carolToken, nil, nil); code != http.StatusConflict {
		t.Errorf("Join after end expected 409, got %d", code)
	}
}

func TestLifecycle_RuleViolations(t *testing.T) {
	env := newTestEnv(t)
	_, aliceToken := env.addUser("clerk_alice", "Alice")
	_, bobToken := env.addUser("clerk_bob", "Bob")
	_, carolToken := env.addUser("clerk_carol", "Carol")

	if code := env.call(http.MethodPost, "/api/sessions", aliceToken, api.CreateSessionRequest{Problem: "", Difficulty: "easy"}, nil); code != http.StatusBadRequest {
		t.Errorf("Empty problem expected 400, got %d", code)
	}
	if code := env.call(http.MethodPost, "/api/sessions", aliceToken, api.CreateSessionRequest{Problem: "Two Sum", Difficulty: "   "}, nil); code != http.StatusBadRequest {
		t.Errorf("Blank difficulty expected 400, got %d", code)
	}

	created := env.createSession(aliceToken, "Valid Parentheses", "medium")

	if code := env.call(http.MethodPost, "/api/sessions/"+created.ID+"/join", aliceToken, nil, nil); code != http.StatusConflict {
		t.Errorf("Host joining own session expected 409, got %d", code)
	}
	if code := env.call(http.MethodPost, "/api/sessions/"+created.ID+"/end", bobToken, nil, nil); code != http.StatusForbidden {
		t.Errorf("Non-host end expected 403, got %d", code)
	}
	if code := env.call(http.MethodPost, "/api/sessions/"+created.ID+"/join", bobToken, nil, nil); code != http.StatusOK {
		t.Fatalf("Join expected 200, got %d", code)
	}
	if code := env.call(http.MethodPost, "/api/sessions/"+created.ID+"/join", carolToken, nil, nil); code != http.StatusConflict {
		t.Errorf("Join on full session expected 409, got %d", code)
	}
	if code := env.call(http.MethodPost, "/api/sessions/does-not-exist/join", carolToken, nil, nil); code != http.StatusNotFound {
		t.Errorf("Join on unknown session expected 404, got %d", code)
	}
}

func TestLifecycle_Authentication(t *testing.T) {
	env := newTestEnv(t)

	if code := env.call(http.MethodGet, "/api/sessions/active", "", nil, nil); code != http.StatusUnauthorized {
		t.Errorf("Missing token expected 401, got %d", code)
	}
	if code := env.call(http.MethodGet, "/api/sessions/active", "not-a-jwt", nil, nil); code != http.StatusUnauthorized {
		t.Errorf("Garbage token expected 401, got %d", code)
	}

	ghost := &types.User{ExternalID: "clerk_ghost", Name: "Ghost"}
	token, err := env.app.Resolver().IssueAccessToken(ghost, time.Hour)
	if err != nil {
		t.Fatalf("IssueAccessToken failed: %v", err)
	}
	if code := env.call(http.MethodGet, "/api/sessions/active", token, nil, nil); code != http.StatusNotFound {
		t.Errorf("Unknown user expected 404, got %d", code)
	}

	var health api.HealthResponse
	if code := env.call(http.MethodGet, "/health", "", nil, &health); code != http.StatusOK || health.Status != "healthy" {
		t.Errorf("Health expected 200 healthy, got %d %+v", code, health)
	}
}

func TestLifecycle_ChatToken(t *testing.T) {
	env := newTestEnv(t)
	_, aliceToken := env.addUser("clerk_alice", "Alice")

	var resp api.ChatTokenResponse
	if code := env.call(http.MethodGet, "/api/chat/token", aliceToken, nil, &resp); code != http.StatusOK {
		t.Fatalf("Chat token expected 200, got %d", code)
	}
	if resp.Token == "" || resp.UserID != "clerk_alice" || resp.UserName != "Alice" {
		t.Errorf("Unexpected chat token response: %+v", resp)
	}
}

func TestLifecycle_ProvisioningFailureKeepsSession(t *testing.T) {
	env := newTestEnv(t)
	_, aliceToken := env.addUser("clerk_alice", "Alice")
	env.provider.FailOn(provision.OpCreateCall, errors.New("video backend unavailable"))

	var failure api.ErrorResponse
	code := env.call(http.MethodPost, "/api/sessions", aliceToken, api.CreateSessionRequest{Problem: "LRU Cache", Difficulty: "hard"}, &failure)
	if code != http.StatusBadGateway {
		t.Fatalf("Expected 502, got %d", code)
	}
	if failure.SessionID == "" {
		t.Fatal("502 body should carry the persisted session id")
	}

	// The record stays active and readable; no compensation is attempted
	var view api.SessionViewResponse
	if code := env.call(http.MethodGet, "/api/sessions/"+failure.SessionID, aliceToken, nil, &view); code != http.StatusOK {
		t.Fatalf("Get expected 200, got %d", code)
	}
	if view.Session.Status != types.StatusActive {
		t.Errorf("Session should remain active, got %s", view.Session.Status)
	}

	eventually(t, "provisioning_failed event", func() bool {
		for _, eventType := range env.eventTypes(failure.SessionID, aliceToken) {
			if eventType == types.EventProvisioningFailed {
				return true
			}
		}
		return false
	})

	// Host can still end it; teardown of resources that were never created succeeds
	env.provider.FailOn(provision.OpCreateCall, nil)
	if code := env.call(http.MethodPost, "/api/sessions/"+failure.SessionID+"/end", aliceToken, nil, nil); code != http.StatusOK {
		t.Errorf("End after provisioning failure expected 200, got %d", code)
	}
}

// Technical Validation Tests

func TestLifecycle_ConcurrentJoinSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	_, hostToken := env.addUser("clerk_host", "Host")
	created := env.createSession(hostToken, "Merge Intervals", "medium")

	const joiners = 6
	tokens := make([]string, joiners)
	for i := range tokens {
		_, tokens[i] = env.addUser(fmt.Sprintf("clerk_joiner_%d", i), fmt.Sprintf("Joiner %d", i))
	}

	codes := make([]int, joiners)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			codes[i] = env.call(http.MethodPost, "/api/sessions/"+created.ID+"/join", tokens[i], nil, nil)
		}(i)
	}
	close(start)
	wg.Wait()

	winners := 0
	for _, code := range codes {
		switch code {
		case http.StatusOK:
			winners++
		case http.StatusConflict:
		default:
			t.Errorf("Unexpected join status %d", code)
		}
	}
	if winners != 1 {
		t.Fatalf("Expected exactly one successful join, got %d (%v)", winners, codes)
	}

	channel, _ := env.provider.GetChannel(created.CallID)
	if len(channel.Members) != 2 {
		t.Errorf("Channel should hold host plus one participant, got %v", channel.Members)
	}
}

func TestLifecycle_WatchRejections(t *testing.T) {
	env := newTestEnv(t)
	_, aliceToken := env.addUser("clerk_alice", "Alice")

	dial := func(query url.Values) int {
		u := url.URL{Scheme: "ws", Host: env.app.GetAddr(), Path: "/ws", RawQuery: query.Encode()}
		conn, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
		if err == nil {
			conn.Close()
			return http.StatusSwitchingProtocols
		}
		if resp == nil {
			t.Fatalf("Dial failed without response: %v", err)
		}
		return resp.StatusCode
	}

	if code := dial(url.Values{"token": {aliceToken}}); code != http.StatusBadRequest {
		t.Errorf("Missing session_id expected 400, got %d", code)
	}
	if code := dial(url.Values{"session_id": {"missing"}, "token": {aliceToken}}); code != http.StatusNotFound {
		t.Errorf("Unknown session expected 404, got %d", code)
	}
	created := env.createSession(aliceToken, "Two Sum", "easy")
	if code := dial(url.Values{"session_id": {created.ID}}); code != http.StatusUnauthorized {
		t.Errorf("Missing token expected 401, got %d", code)
	}
}
