package kvstore

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startEchoServer(t *testing.T) *Server {
	srv, err := NewServer("127.0.0.1", 0, func(ctx context.Context, req Request) Reply {
		return Reply{KeyVals: KeyValueMap{"echo": mkValue(1, req.Area, nil)}}
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	go srv.Serve(ctx)
	return srv
}

func serverPort(t *testing.T, srv *Server) uint16 {
	_, portStr, err := net.SplitHostPort(srv.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return uint16(port)
}

func TestLegacySocketRoundTrip(t *testing.T) {
	srv := startEchoServer(t)
	port := serverPort(t, srv)

	sock := NewLegacySocket("127.0.0.1", port)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reply, err := sock.Call(ctx, Request{Type: ReqKeyGet, Area: "area1"})
	require.NoError(t, err)
	assert.Equal(t, "area1", reply.KeyVals["echo"].OriginatorId)
}

func TestTypedClientRoundTripMultipleCalls(t *testing.T) {
	srv := startEchoServer(t)
	port := serverPort(t, srv)

	client := NewTypedClient("127.0.0.1", port)
	defer client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		reply, err := client.Call(ctx, Request{Type: ReqKeyGet, Area: "areaX"})
		require.NoError(t, err)
		assert.Equal(t, "areaX", reply.KeyVals["echo"].OriginatorId)
	}
}

func TestTransportDispatchesToSetVariant(t *testing.T) {
	srv := startEchoServer(t)
	port := serverPort(t, srv)

	transport := Transport{Legacy: NewLegacySocket("127.0.0.1", port)}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reply, err := transport.Call(ctx, Request{Area: "viaLegacy"})
	require.NoError(t, err)
	assert.Equal(t, "viaLegacy", reply.KeyVals["echo"].OriginatorId)
}

func TestTransportErrorsWithNoVariantSet(t *testing.T) {
	var transport Transport
	_, err := transport.Call(context.Background(), Request{})
	assert.Error(t, err)
}
