package netproto

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssargent/reactivedb/pkg/datastore"
	"github.com/ssargent/reactivedb/pkg/expr"
	"github.com/ssargent/reactivedb/pkg/transform"
)

func startTestServer(t *testing.T) (net.Conn, *datastore.Datastore) {
	t.Helper()
	ds := datastore.New(t.TempDir(), 5)
	require.NoError(t, ds.AddSourceTable("S"))
	require.NoError(t, ds.AddDerivedTable("D", &transform.Filter{
		Expression: expr.ComparisonExpression{Op: expr.GT, Left: expr.FieldValue("age"), Right: expr.ScalarValue(float64(18))},
		Source:     "S", Destination: "D",
	}))

	srv := NewServer(ds)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)

	t.Cleanup(func() {
		srv.Close()
		ln.Close()
		ds.Close()
	})

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, ds
}

func roundTrip(t *testing.T, conn net.Conn, req Request) Response {
	t.Helper()
	require.NoError(t, writeFrame(conn, req))
	var resp Response
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, readFrame(conn, &resp))
	return resp
}

func TestServer_InsertThenFindOne(t *testing.T) {
	conn, _ := startTestServer(t)

	entry, err := json.Marshal(InsertEntry{Key: "a", Value: map[string]interface{}{"age": float64(30)}})
	require.NoError(t, err)
	resp := roundTrip(t, conn, Request{Method: "insert", Table: "S", Entry: entry})
	assert.True(t, resp.Success)

	// insert is queued and applied asynchronously by the background
	// worker; poll find_one until it lands.
	deadline := time.Now().Add(2 * time.Second)
	var found Response
	for time.Now().Before(deadline) {
		keyJSON, _ := json.Marshal("a")
		found = roundTrip(t, conn, Request{Method: "find_one", Table: "S", Key: keyJSON})
		if found.Data != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, found.Success)
	require.NotNil(t, found.Data)
	assert.Equal(t, map[string]interface{}{"age": float64(30)}, found.Data)
}

func TestServer_StartListenReceivesInsertEvents(t *testing.T) {
	conn, _ := startTestServer(t)

	resp := roundTrip(t, conn, Request{Method: "start_listen", Table: "S"})
	assert.True(t, resp.Success)

	entry, err := json.Marshal(InsertEntry{Key: "b", Value: map[string]interface{}{"age": float64(40)}})
	require.NoError(t, err)
	require.NoError(t, writeFrame(conn, Request{Method: "insert", Table: "S", Entry: entry}))

	// First frame back is the insert's own ack.
	var ack Response
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, readFrame(conn, &ack))
	assert.True(t, ack.Success)

	// Next frame(s) are Event pushes for "S", and potentially "D" too
	// since the filter transform cascades — read until we see "S".
	var ev Event
	deadline := time.Now().Add(2 * time.Second)
	found := false
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if err := readFrame(conn, &ev); err != nil {
			break
		}
		if ev.TableName == "S" {
			found = true
			break
		}
	}
	require.True(t, found, "expected an Insert event for table S")
	assert.Equal(t, "Insert", ev.EventType)
}

func TestServer_GetAllAndRangeSearches(t *testing.T) {
	conn, ds := startTestServer(t)

	require.NoError(t, ds.AddData("S", "a", map[string]interface{}{"age": float64(10)}))
	require.NoError(t, ds.AddData("S", "b", map[string]interface{}{"age": float64(20)}))
	require.NoError(t, ds.AddData("S", "c", map[string]interface{}{"age": float64(30)}))

	resp := roundTrip(t, conn, Request{Method: "get_all", Table: "S"})
	require.True(t, resp.Success)
	all, ok := resp.Data.([]interface{})
	require.True(t, ok)
	assert.Len(t, all, 3)

	keyJSON, _ := json.Marshal("a")
	resp = roundTrip(t, conn, Request{Method: "greater_than", Table: "S", Key: keyJSON})
	require.True(t, resp.Success)
	gt, ok := resp.Data.([]interface{})
	require.True(t, ok)
	assert.Len(t, gt, 2)

	resp = roundTrip(t, conn, Request{Method: "less_than", Table: "S", Key: keyJSON})
	require.True(t, resp.Success)
	lt, ok := resp.Data.([]interface{})
	require.True(t, ok)
	assert.Len(t, lt, 0)
}

func TestServer_UnknownMethod(t *testing.T) {
	conn, _ := startTestServer(t)
	resp := roundTrip(t, conn, Request{Method: "bogus", Table: "S"})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "unknown method")
}
