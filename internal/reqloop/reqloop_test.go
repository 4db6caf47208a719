package reqloop

import (
	"bytes"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFrameReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"request":"health","data":{}}`)
	require.NoError(t, writeFrame(&buf, payload))

	got, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

type fakeTicker struct {
	updates int
	stopped bool
}

func (f *fakeTicker) Update() { f.updates++ }
func (f *fakeTicker) Stop()   { f.stopped = true }

func TestRunDispatchesRegisteredHandlerOverTheWire(t *testing.T) {
	svc := &fakeTicker{}
	loop, err := New("127.0.0.1:0", svc)
	require.NoError(t, err)

	loop.Register("health", func(data map[string]interface{}) map[string]interface{} {
		return map[string]interface{}{"status": "OK"}
	})

	addr := loop.listener.Addr().String()
	runDone := make(chan struct{})
	go func() {
		loop.Run()
		close(runDone)
	}()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	req, err := json.Marshal(Request{Name: "health", Data: map[string]interface{}{}})
	require.NoError(t, err)
	require.NoError(t, writeFrame(conn, req))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	respBytes, err := readFrame(conn)
	require.NoError(t, err)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(respBytes, &resp))
	assert.Equal(t, "OK", resp["status"])

	loop.Stop()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after Stop")
	}
	assert.True(t, svc.stopped)
}

func TestUnknownRequestNameReturnsFailedStatus(t *testing.T) {
	svc := &fakeTicker{}
	loop, err := New("127.0.0.1:0", svc)
	require.NoError(t, err)
	defer func() {
		if loop.running {
			loop.Stop()
		}
	}()

	reply := loop.handle(Request{Name: "nope", Data: nil})
	assert.Equal(t, "Failed", reply["status"])
}

func TestHandlerPanicIsRecoveredAsFailedStatus(t *testing.T) {
	svc := &fakeTicker{}
	loop, err := New("127.0.0.1:0", svc)
	require.NoError(t, err)
	defer func() {
		if loop.running {
			loop.Stop()
		}
	}()

	loop.Register("boom", func(data map[string]interface{}) map[string]interface{} {
		panic("kaboom")
	})

	reply := loop.handle(Request{Name: "boom", Data: nil})
	assert.Equal(t, "Failed", reply["status"])
}
