package listener_test

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/sink/pkg/entity"
	"github.com/cuemby/sink/pkg/listener"
	"github.com/cuemby/sink/pkg/notify"
	"github.com/cuemby/sink/pkg/pipeline"
	"github.com/cuemby/sink/pkg/query"
	"github.com/cuemby/sink/pkg/store"
	"github.com/cuemby/sink/pkg/value"
)

const noteType = "note.item"

func TestFrameRoundTrip(t *testing.T) {
	pr, pw := newPipe(t)
	want := listener.Frame{MessageID: 7, CommandID: listener.CmdPing, Payload: []byte("hello")}
	go func() {
		require.NoError(t, listener.WriteFrame(pw, want))
	}()
	got, err := listener.ReadFrame(pr)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestFrameRoundTripEmptyPayload(t *testing.T) {
	pr, pw := newPipe(t)
	want := listener.Frame{MessageID: 1, CommandID: listener.CmdHandshake}
	go func() {
		require.NoError(t, listener.WriteFrame(pw, want))
	}()
	got, err := listener.ReadFrame(pr)
	require.NoError(t, err)
	require.Equal(t, want.MessageID, got.MessageID)
	require.Equal(t, want.CommandID, got.CommandID)
	require.Empty(t, got.Payload)
}

func TestValueRoundTrip(t *testing.T) {
	cases := []value.Value{
		value.Null(),
		value.Bool(true),
		value.Int(-42),
		value.Float(3.25),
		value.Bytes([]byte{1, 2, 3}),
		value.String("hello"),
		value.List([]value.Value{value.Int(1), value.String("two")}),
	}
	for _, v := range cases {
		wv, err := listener.EncodeValue(v)
		require.NoError(t, err)
		back, err := listener.DecodeValue(wv)
		require.NoError(t, err)
		require.True(t, value.Equal(v, back))
	}
}

type testHarness struct {
	t        *testing.T
	server   *listener.Server
	entityDB *store.DB
	es       *entity.Store
	bus      *notify.Bus
	pipe     *pipeline.Pipeline
	sockPath string
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	entityDB, err := store.Open(filepath.Join(t.TempDir(), "entitystore.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = entityDB.Close() })

	schema := value.NewRegistry()
	schema.Register(&value.TypeSchema{
		Type: noteType,
		Properties: map[string]value.PropertySchema{
			"title": {Kind: value.KindString},
		},
	})
	caps := entity.NewCapabilityRegistry()
	caps.Register(noteType, entity.Capabilities{Adaptor: entity.JSONAdaptor{Type: noteType, Schema: schema}})
	es := entity.NewStore(entityDB, schema, caps)
	require.NoError(t, es.Bootstrap())

	bus := notify.NewBus()
	bus.Start()
	t.Cleanup(bus.Stop)

	pipe := pipeline.New(entityDB, es, bus)
	pipe.Start()
	t.Cleanup(pipe.Stop)

	engine := query.NewEngine(es)

	sockPath := filepath.Join(t.TempDir(), "sink.sock")
	srv, err := listener.New(listener.Config{
		SocketPath:  sockPath,
		IdleTimeout: 50 * time.Millisecond,
		EntityDB:    entityDB,
		Pipeline:    pipe,
		Caps:        caps,
		Bus:         bus,
		Query:       engine,
	})
	require.NoError(t, err)

	go func() { _ = srv.Serve() }()
	t.Cleanup(srv.Stop)

	return &testHarness{t: t, server: srv, entityDB: entityDB, es: es, bus: bus, pipe: pipe, sockPath: sockPath}
}

func (h *testHarness) dial() *testClient {
	h.t.Helper()
	nc, err := dialUnix(h.sockPath)
	require.NoError(h.t, err)
	c := &testClient{t: h.t, nc: nc}
	c.send(listener.CmdHandshake, listener.HandshakePayload{Name: "test-client"})
	reply := c.recvCompletion()
	require.True(h.t, reply.Success)
	return c
}

func TestHandshakeThenPingSucceeds(t *testing.T) {
	h := newHarness(t)
	c := h.dial()
	defer c.close()

	c.send(listener.CmdPing, nil)
	reply := c.recvCompletion()
	require.True(t, reply.Success)
}

func TestCreateThenModifyRoundTripsProperties(t *testing.T) {
	h := newHarness(t)
	c := h.dial()
	defer c.close()

	props, err := entity.JSONAdaptor{Type: noteType}.Encode(entity.Properties{"title": value.String("first")})
	require.NoError(t, err)

	c.send(listener.CmdCreateEntity, listener.CreateEntityPayload{Type: noteType, Props: props, ReplayToSource: false})
	reply := c.recvCompletion()
	require.True(t, reply.Success)
	var created listener.CreateEntityResult
	require.NoError(t, json.Unmarshal(reply.Result, &created))
	require.Equal(t, uint64(1), created.Revision)

	modProps, err := entity.JSONAdaptor{Type: noteType}.Encode(entity.Properties{"title": value.String("second")})
	require.NoError(t, err)
	c.send(listener.CmdModifyEntity, listener.ModifyEntityPayload{Type: noteType, ID: created.ID, Props: modProps})
	reply = c.recvCompletion()
	require.True(t, reply.Success)
	var modified listener.ModifyEntityResult
	require.NoError(t, json.Unmarshal(reply.Result, &modified))
	require.Equal(t, uint64(2), modified.Revision)
}

func TestDeleteUnknownEntityFails(t *testing.T) {
	h := newHarness(t)
	c := h.dial()
	defer c.close()

	c.send(listener.CmdDeleteEntity, listener.DeleteEntityPayload{Type: noteType, ID: sidNew()})
	reply := c.recvCompletion()
	require.False(t, reply.Success)
	require.Equal(t, listener.ErrNotFound, reply.ErrorKind)
}

func TestQueryReturnsCreatedEntity(t *testing.T) {
	h := newHarness(t)
	c := h.dial()
	defer c.close()

	props, err := entity.JSONAdaptor{Type: noteType}.Encode(entity.Properties{"title": value.String("findme")})
	require.NoError(t, err)
	c.send(listener.CmdCreateEntity, listener.CreateEntityPayload{Type: noteType, Props: props})
	createReply := c.recvCompletion()
	require.True(t, createReply.Success)

	c.send(listener.CmdQuery, listener.QueryPayload{Type: noteType})
	reply := c.recvCompletion()
	require.True(t, reply.Success)
	var result listener.QueryResult
	require.NoError(t, json.Unmarshal(reply.Result, &result))
	require.Len(t, result.Entities, 1)
}

func TestNotificationPushedOnCreate(t *testing.T) {
	h := newHarness(t)
	c := h.dial()
	defer c.close()

	props, err := entity.JSONAdaptor{Type: noteType}.Encode(entity.Properties{"title": value.String("pushed")})
	require.NoError(t, err)
	c.send(listener.CmdCreateEntity, listener.CreateEntityPayload{Type: noteType, Props: props})

	sawCompletion, sawNotification := false, false
	deadline := time.After(time.Second)
	for !sawCompletion || !sawNotification {
		select {
		case f := <-c.frames:
			switch f.CommandID {
			case listener.CmdCommandCompletion:
				sawCompletion = true
			case listener.CmdNotification:
				sawNotification = true
			}
		case <-deadline:
			t.Fatalf("timed out: completion=%v notification=%v", sawCompletion, sawNotification)
		}
	}
}
