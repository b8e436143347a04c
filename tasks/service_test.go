package tasks

import (
	"encoding/json"
	"testing"
	"time"

	"taskgate/server/bus"
	"taskgate/server/talk"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/micro"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveNats(t *testing.T) (*Tasks, *bus.Bus, *nats.Conn) {
	t.Helper()
	tk, err := talk.New(talk.Conf{ServerName: "tasks-test"}, quiet())
	require.NoError(t, err)
	require.NoError(t, tk.Start())
	t.Cleanup(tk.Shutdown)

	ts, b := newTestTasks(t, true)
	svc, err := ts.Serve(tk.Conn)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Stop() })
	return ts, b, tk.Conn
}

func request(t *testing.T, nc *nats.Conn, endpoint string, body any) *nats.Msg {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	msg, err := nc.Request(SubjectPrefix+"."+endpoint, data, 2*time.Second)
	require.NoError(t, err)
	return msg
}

func TestServiceLifecycle(t *testing.T) {
	_, b, nc := serveNats(t)
	sub, err := b.Subscribe(TopicTaskUpdated, bus.ScopeEquals("team-1"))
	require.NoError(t, err)

	msg := request(t, nc, "create", map[string]string{"title": "From NATS", "teamId": "team-1", "createdBy": "u-9"})
	require.Empty(t, msg.Header.Get(micro.ErrorCodeHeader))
	var created Task
	require.NoError(t, json.Unmarshal(msg.Data, &created))
	assert.Equal(t, "u-9", created.CreatedBy)
	assert.Equal(t, created.ID, next(t, sub).Payload.(Task).ID)

	msg = request(t, nc, "status", map[string]string{"id": created.ID, "status": string(StatusDone)})
	require.Empty(t, msg.Header.Get(micro.ErrorCodeHeader))
	assert.Equal(t, StatusDone, next(t, sub).Payload.(Task).Status)

	msg = request(t, nc, "assign", map[string]string{"id": created.ID, "assigneeId": "u-2"})
	require.Empty(t, msg.Header.Get(micro.ErrorCodeHeader))
	assigned := next(t, sub).Payload.(Task)
	require.NotNil(t, assigned.AssigneeID)
	assert.Equal(t, "u-2", *assigned.AssigneeID)

	msg = request(t, nc, "get", map[string]string{"id": created.ID})
	var got Task
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, StatusDone, got.Status)

	msg = request(t, nc, "list", map[string]string{"teamId": "team-1"})
	var list struct {
		Tasks []Task `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(msg.Data, &list))
	require.Len(t, list.Tasks, 1)
}

func TestServiceErrors(t *testing.T) {
	_, _, nc := serveNats(t)

	cases := map[string]struct {
		endpoint string
		body     any
		code     string
	}{
		"unknown id":    {"get", map[string]string{"id": "nope"}, "NOT_FOUND"},
		"bad status":    {"status", map[string]string{"id": "nope", "status": "LATER"}, "INVALID_REQUEST"},
		"missing team":  {"list", map[string]string{}, "INVALID_REQUEST"},
		"missing title": {"create", map[string]string{"teamId": "team-1"}, "INVALID_REQUEST"},
		"not json":      {"get", "just a string", "INVALID_REQUEST"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			msg := request(t, nc, tc.endpoint, tc.body)
			assert.Equal(t, tc.code, msg.Header.Get(micro.ErrorCodeHeader))
			assert.NotEmpty(t, msg.Header.Get(micro.ErrorHeader))
		})
	}
}
