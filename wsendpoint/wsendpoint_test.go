package wsendpoint

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectTLSSendReceiveRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		mt, data, err := conn.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(mt, append([]byte("echo:"), data...)))
	}))
	defer srv.Close()

	url := "ws" + srv.URL[len("http"):]
	ep, err := ConnectTLS(url, nil, Options{})
	require.NoError(t, err)
	defer ep.Close(1000, "done")

	require.NoError(t, ep.Send([]byte("hi"), true))
	data, ok, err := ep.Receive(-1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "echo:hi", string(data))
	assert.Equal(t, Open, ep.Status())
}

func TestReceiveZeroTimeoutReturnsImmediatelyWhenNothingPending(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	url := "ws" + srv.URL[len("http"):]
	ep, err := ConnectTLS(url, nil, Options{})
	require.NoError(t, err)
	defer ep.Close(1000, "done")

	_, ok, err := ep.Receive(0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCloseTransitionsToClosedAndCapsReason(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		conn.ReadMessage()
	}))
	defer srv.Close()

	url := "ws" + srv.URL[len("http"):]
	ep, err := ConnectTLS(url, nil, Options{})
	require.NoError(t, err)

	longReason := make([]byte, 200)
	for i := range longReason {
		longReason[i] = 'a'
	}
	err = ep.Close(1000, string(longReason))
	require.NoError(t, err)
	assert.Equal(t, Closed, ep.Status())
}
