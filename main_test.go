package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"taskgate/server/bus"
	"taskgate/server/gateway"
	"taskgate/server/talk"
	"taskgate/server/tasks"
	"taskgate/server/tg_log"
	"taskgate/server/who/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConf() *GlobalConfig {
	return &GlobalConfig{
		Talk:     talk.Conf{ServerName: "taskgate-test"},
		LogLevel: tg_log.Error,
		Gateway:  GatewayConf{Addr: "127.0.0.1:0"},
		Users:    UsersConf{Addr: "127.0.0.1:0", TokenTTL: 2 * time.Second},
		Tasks:    TasksConf{Addr: "127.0.0.1:0", NoSeed: true},
	}
}

func startTest(t *testing.T, conf *GlobalConfig) *system {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	l := tg_log.NewLoggerTo(AppName, tg_log.DefaultSubjects(), io.Discard)
	l.SetLevel(conf.LogLevel)
	sys, err := start(ctx, conf, l, io.Discard)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, sys.shutdown()) })

	select {
	case <-sys.keys.Ready():
	case <-time.After(5 * time.Second):
		t.Fatalf("gateway never got the public key (state %s)", sys.keys.State())
	}
	return sys
}

func call(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func login(t *testing.T, gw string) string {
	t.Helper()
	resp := call(t, http.MethodPost, gw+"/api/users/register", "", api.RegisterRequest{Name: "alice", Email: "a@x.com", Password: "secret1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = call(t, http.MethodPost, gw+"/api/users/login", "", api.LoginRequest{Email: "a@x.com", Password: "secret1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var lr api.LoginResponse
	decodeInto(t, resp, &lr)
	require.NotEmpty(t, lr.Token)
	return lr.Token
}

func TestGatewayEndToEnd(t *testing.T) {
	sys := startTest(t, testConf())
	gw := "http://" + sys.gatewayAddr
	token := login(t, gw)

	resp := call(t, http.MethodGet, gw+"/api/users/me", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var me api.User
	decodeInto(t, resp, &me)
	assert.Equal(t, "alice", me.Name)
	assert.Equal(t, "a@x.com", me.Email)

	resp = call(t, http.MethodPost, gw+"/api/tasks", token, tasks.NewTask{Title: "Ship it", TeamID: "team-1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created tasks.Task
	decodeInto(t, resp, &created)
	assert.Equal(t, me.ID, created.CreatedBy)

	resp = call(t, http.MethodGet, gw+"/api/tasks?teamId=team-1", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Tasks []tasks.Task `json:"tasks"`
	}
	decodeInto(t, resp, &list)
	require.Len(t, list.Tasks, 1)
	assert.Equal(t, created.ID, list.Tasks[0].ID)

	// no token, forged identity
	req, err := http.NewRequest(http.MethodGet, gw+"/api/users/me", nil)
	require.NoError(t, err)
	req.Header.Set(api.HeaderUserID, me.ID)
	forged, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer forged.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, forged.StatusCode)

	time.Sleep(3500 * time.Millisecond)
	resp = call(t, http.MethodGet, gw+"/api/users/me", token, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	var body gateway.ErrorBody
	decodeInto(t, resp, &body)
	assert.Equal(t, "Forbidden", body.Error.Type)
	assert.Equal(t, "token expired", body.Error.Message)
}

func TestWatchThroughGateway(t *testing.T) {
	conf := testConf()
	conf.Users.TokenTTL = time.Hour
	sys := startTest(t, conf)
	gw := "http://" + sys.gatewayAddr
	token := login(t, gw)

	mirror := bus.NewNatsMirror(sys.talk.Conn, "events")
	natsSub, err := sys.talk.Conn.SubscribeSync(mirror.Subject(tasks.TopicTaskAdded, "team-1"))
	require.NoError(t, err)
	require.NoError(t, sys.talk.Conn.Flush())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	w, err := tasks.Watch(ctx, "ws://"+sys.gatewayAddr+"/api/tasks/ws", h, tasks.TopicTaskAdded, "team-1")
	require.NoError(t, err)
	defer w.Close()
	require.Eventually(t, func() bool { return sys.bus.Len(tasks.TopicTaskAdded) == 1 }, 2*time.Second, 10*time.Millisecond)

	resp := call(t, http.MethodPost, gw+"/api/tasks", token, tasks.NewTask{Title: "Watch me", TeamID: "team-1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	select {
	case u, ok := <-w.Updates():
		require.True(t, ok, "watch ended: %v", w.Err())
		assert.Equal(t, tasks.TopicTaskAdded, u.Topic)
		assert.Equal(t, "Watch me", u.Task.Title)
	case <-time.After(2 * time.Second):
		t.Fatal("no update through the gateway")
	}

	msg, err := natsSub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	var ev bus.Event
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, tasks.TopicTaskAdded, ev.Topic)
	assert.Equal(t, "team-1", ev.Scope)
}

func TestWatchNeedsToken(t *testing.T) {
	sys := startTest(t, testConf())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := tasks.Watch(ctx, "ws://"+sys.gatewayAddr+"/api/tasks/ws", nil, tasks.TopicTaskAdded, "team-1")
	assert.Error(t, err)
	assert.Equal(t, 0, sys.bus.Len(tasks.TopicTaskAdded))
}

func TestHealth(t *testing.T) {
	sys := startTest(t, testConf())

	resp := call(t, http.MethodGet, "http://"+sys.gatewayAddr+"/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var h gateway.HealthResponse
	decodeInto(t, resp, &h)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, gateway.ServiceName, h.Service)
}

func TestLoadConf(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("BUS_OVERFLOW", "drop-oldest")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("RATE_WINDOW", "1m")

	conf, err := loadConf([]string{"--rate-limit", "5", "--log-level", "debug"})
	require.NoError(t, err)
	assert.Equal(t, ":8080", conf.Gateway.Addr)
	assert.Equal(t, bus.OverflowDropOldest, conf.Tasks.Overflow)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, conf.Gateway.Origins)
	assert.Equal(t, time.Minute, conf.Gateway.RateWindow)
	assert.Equal(t, 5, conf.Gateway.RateLimit)
	assert.Equal(t, tg_log.Debug, conf.LogLevel)
	assert.Equal(t, bus.DefaultBuffer, conf.Tasks.Buffer)

	_, err = loadConf([]string{"--bus-overflow", "block"})
	assert.ErrorContains(t, err, "unknown policy")
	_, err = loadConf([]string{"--log-level", "loud"})
	assert.Error(t, err)
}
