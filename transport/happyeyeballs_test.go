package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"net"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Intelligent-Intern/quicpro-async-sub000/errtax"
)

func serverTLSConfig(protos ...string) *tls.Config {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		panic(err)
	}
	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		panic(err)
	}
	cert := tls.Certificate{Certificate: [][]byte{certDER}, PrivateKey: key}
	return &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: protos}
}

func startQuicEchoServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := quic.ListenAddr("127.0.0.1:0", serverTLSConfig("h3"), &quic.Config{})
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept(context.Background())
			if err != nil {
				return
			}
			go func() {
				for {
					if _, err := conn.AcceptStream(context.Background()); err != nil {
						return
					}
				}
			}()
		}
	}()

	return ln.Addr().String(), func() { ln.Close() }
}

func TestChooseExplicitH3PreferenceDisablesRacing(t *testing.T) {
	addr, stop := startQuicEchoServer(t)
	defer stop()

	port := mustPort(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	res, err := Choose(ctx, "127.0.0.1", port, Options{
		PreferredProtocol: ProtoH3,
		TLSConfig:         &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"h3"}},
	})
	require.NoError(t, err)
	assert.Equal(t, ProtoH3, res.Protocol)
	require.NotNil(t, res.Session)
	assert.True(t, res.Session.Alive())
	res.Session.Close("test done")
}

func TestChooseExplicitH2PreferenceDialsOverTLS(t *testing.T) {
	ts := httptest.NewTLSServer(nil)
	defer ts.Close()

	port := mustPort(t, ts.Listener.Addr().String())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	res, err := Choose(ctx, "127.0.0.1", port, Options{
		PreferredProtocol: ProtoH2,
		TLSConfig:         &tls.Config{InsecureSkipVerify: true},
	})
	require.NoError(t, err)
	assert.Equal(t, ProtoH2, res.Protocol)
	require.NotNil(t, res.HTTP)
}

func TestRaceProtocolsPicksH3WhenH2TargetUnreachable(t *testing.T) {
	addr, stop := startQuicEchoServer(t)
	defer stop()

	port := mustPort(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	res, err := Choose(ctx, "127.0.0.1", port, Options{
		PreferredProtocol: ProtoAuto,
		H3HeadStart:       10 * time.Millisecond,
		TLSConfig:         &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"h3"}},
	})
	require.NoError(t, err)
	assert.Equal(t, ProtoH3, res.Protocol)
	require.NotNil(t, res.Session)
	res.Session.Close("test done")
}

func TestChooseFailsWithHandshakeFailureWhenNothingListens(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err := Choose(ctx, "127.0.0.1", 1, Options{
		PreferredProtocol: ProtoAuto,
		H3HeadStart:       10 * time.Millisecond,
		TLSConfig:         &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"h3"}},
	})
	require.Error(t, err)
	assert.True(t, errtax.Is(err, errtax.HandshakeFailure) || ctx.Err() != nil)
}

func mustPort(t *testing.T, addr string) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}
