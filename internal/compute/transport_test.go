package compute

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"typestatd/internal/ipc"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestDecodeRequest(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantID  string
		invalid bool
	}{
		{"valid", `{"type":"status","id":"a1"}`, "a1", false},
		{"with payload", `{"type":"calculate-stats","id":"a2","payload":{"keystrokes":1}}`, "a2", false},
		{"null payload", `{"type":"status","id":"a3","payload":null}`, "a3", false},
		{"missing id", `{"type":"status"}`, UnknownID, true},
		{"empty id", `{"type":"status","id":""}`, UnknownID, true},
		{"missing type keeps id", `{"id":"a4"}`, "a4", true},
		{"numeric id", `{"type":"status","id":5}`, UnknownID, true},
		{"payload not object", `{"type":"status","id":"a5","payload":[1]}`, "a5", true},
		{"not json", `{"type":`, UnknownID, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := decodeRequest([]byte(tt.data))
			assert.Equal(t, tt.wantID, req.ID)
			if tt.invalid {
				assert.ErrorIs(t, err, ErrInvalidMessage)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestDecodeResponse(t *testing.T) {
	resp, err := decodeResponse([]byte(`{"type":"error","id":"x","error":"unit-stopped"}`))
	require.NoError(t, err)
	assert.ErrorIs(t, ResponseError(resp), ErrUnitStopped)

	_, err = decodeResponse([]byte(`{"id":"x"}`))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

// roundTrip sends req and waits for its response.
func roundTrip(t *testing.T, c ClientTransport, req Request) Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Send(ctx, req))
	resp, err := c.Recv(ctx)
	require.NoError(t, err)
	return resp
}

func TestServePipe(t *testing.T) {
	u, _, _ := newTestUnit(t, Options{})
	client, server := Pipe()
	defer client.Close()

	errc := make(chan error, 1)
	go func() { errc <- Serve(context.Background(), u, server) }()

	req := mustRequest(t, KindCalculateStats, StatsInput{Keystrokes: 50, TimeMs: 60000, Correct: 45, Total: 50})
	resp := roundTrip(t, client, req)
	assert.Equal(t, req.ID, resp.ID)
	res := statsOf(t, resp)
	assert.Equal(t, 10, res.WPM)
	assert.Equal(t, 90, res.Accuracy)

	resp = roundTrip(t, client, Request{Type: "bogus", ID: "b1"})
	assert.Equal(t, "b1", resp.ID)
	assert.ErrorIs(t, ResponseError(resp), ErrUnknownMessageType)

	resp = roundTrip(t, client, Request{Type: TypeStatus, ID: "s1", Payload: json.RawMessage(`[1]`)})
	assert.Equal(t, "s1", resp.ID)
	assert.ErrorIs(t, ResponseError(resp), ErrInvalidMessage)

	resp = roundTrip(t, client, mustRequest(t, KindShutdown, nil))
	assert.Equal(t, TypeShutdownAcknowledged, resp.Type)

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after shutdown")
	}
}

func TestServeCancel(t *testing.T) {
	u, _, _ := newTestUnit(t, Options{})
	client, server := Pipe()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- Serve(ctx, u, server) }()

	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	err := client.Send(context.Background(), mustRequest(t, KindStatus, nil))
	assert.ErrorIs(t, err, ErrClosed, "Serve closes its transport")
}

func TestServeMonitor(t *testing.T) {
	u, heap, frees := newTestUnit(t, Options{
		MemoryCeiling:    10,
		MonitorInterval:  time.Millisecond,
		SustainedSamples: 3,
	})
	heap.v = 100
	client, server := Pipe()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- Serve(ctx, u, server) }()

	require.Eventually(t, u.NeedsCleanup, 5*time.Second, time.Millisecond)

	var st StatusResult
	require.NoError(t, roundTrip(t, client, mustRequest(t, KindStatus, nil)).Decode(&st))
	assert.True(t, st.NeedsCleanup)
	assert.Equal(t, 1, st.GCCount)

	cancel()
	<-errc
	assert.Equal(t, 1, *frees)
}

func TestServeStream(t *testing.T) {
	u, _, _ := newTestUnit(t, Options{})

	// client -> unit
	reqR, reqW := io.Pipe()
	// unit -> client
	respR, respW := io.Pipe()

	client := NewStreamClient(respR, reqW)
	server := NewStreamServer(reqR, respW)
	defer client.Close()

	errc := make(chan error, 1)
	go func() { errc <- Serve(context.Background(), u, server) }()

	req := mustRequest(t, KindCalculateStats, StatsInput{Keystrokes: 50, TimeMs: 60000, Correct: 45, Total: 50})
	res := statsOf(t, roundTrip(t, client, req))
	assert.Equal(t, 10, res.WPM)

	// A raw frame with a broken envelope gets an error response and the
	// stream stays in sync.
	require.NoError(t, ipc.NewMessage(ipc.MsgRequest, 99, []byte(`{"type":"status"}`)).Write(reqW))
	resp, err := client.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, UnknownID, resp.ID)
	assert.ErrorIs(t, ResponseError(resp), ErrInvalidMessage)

	var st StatusResult
	require.NoError(t, roundTrip(t, client, mustRequest(t, KindStatus, nil)).Decode(&st))
	assert.Equal(t, uint64(2), st.Handled)

	resp = roundTrip(t, client, mustRequest(t, KindShutdown, nil))
	assert.Equal(t, TypeShutdownAcknowledged, resp.Type)

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after shutdown")
	}

	_, err = client.Recv(context.Background())
	assert.ErrorIs(t, err, ErrClosed, "unit closed its end of the stream")
}

func TestServeStreamEOF(t *testing.T) {
	u, _, _ := newTestUnit(t, Options{})
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	defer respR.Close()

	errc := make(chan error, 1)
	go func() { errc <- Serve(context.Background(), u, NewStreamServer(reqR, respW)) }()

	require.NoError(t, reqW.Close())
	select {
	case err := <-errc:
		assert.NoError(t, err, "end of input is a clean stop")
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return at EOF")
	}
}
