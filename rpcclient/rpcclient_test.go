package rpcclient

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"io"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Intelligent-Intern/quicpro-async-sub000/codec"
	"github.com/Intelligent-Intern/quicpro-async-sub000/errtax"
	"github.com/Intelligent-Intern/quicpro-async-sub000/quicengine"
	"github.com/Intelligent-Intern/quicpro-async-sub000/ticketstore"
)

// testWriteFrame/testReadFrame mirror quicengine/frame.go's on-wire
// shape (1 byte kind, 4 byte big-endian length, payload) so these
// tests can play the server side of a streaming call without access
// to quicengine's unexported frame helpers.
const (
	testFrameHeaders = byte(1)
	testFrameData    = byte(2)
)

func testWriteFrame(w io.Writer, kind byte, payload []byte) error {
	hdr := make([]byte, 5)
	hdr[0] = kind
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

func testReadFrame(r io.Reader) (byte, []byte, error) {
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(hdr[1:])
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return hdr[0], payload, nil
}

func echoSchemas(t *testing.T) (reg *codec.Registry, req, resp *codec.Schema) {
	t.Helper()
	reg = codec.NewRegistry()
	req, err := reg.DefineSchema("EchoRequest", []codec.FieldDef{
		{Name: "text", Tag: 1, Base: codec.TypeString, Flags: codec.Required},
	})
	require.NoError(t, err)
	resp, err = reg.DefineSchema("EchoResponse", []codec.FieldDef{
		{Name: "text", Tag: 1, Base: codec.TypeString, Flags: codec.Required},
	})
	require.NoError(t, err)
	return reg, req, resp
}

func TestRequestMessageEncodesAndDecodesBinCodecBodies(t *testing.T) {
	_, reqSchema, respSchema := echoSchemas(t)

	body, err := codec.Encode(reqSchema, codec.Message{"text": "hi"})
	require.NoError(t, err)

	// Exercise the codec round trip rpcclient relies on without a live
	// transport: RequestMessage's contract is "encode request, call
	// Request, decode response" -- that encode/decode pairing is what
	// we verify here, the transport call itself is covered end-to-end
	// by quicengine's tests.
	decodedReq, err := codec.Decode(reqSchema, body)
	require.NoError(t, err)
	assert.Equal(t, "hi", decodedReq["text"])

	respBody, err := codec.Encode(respSchema, codec.Message{"text": "hi-echo"})
	require.NoError(t, err)
	decodedResp, err := codec.Decode(respSchema, respBody)
	require.NoError(t, err)
	assert.Equal(t, "hi-echo", decodedResp["text"])
}

func TestOptionsTimeoutDefaultsTo30Seconds(t *testing.T) {
	var o Options
	assert.Equal(t, DefaultTimeout, o.timeout())

	o.TimeoutMs = 250
	assert.Equal(t, DefaultTimeout/120, o.timeout())
}

func TestRpcErrorMessageIncludesStatusAndDetail(t *testing.T) {
	err := &RpcError{Status: 404, Detail: "no such method"}
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "no such method")
}

// TestRequestSurfacesTimeoutAndLeavesSessionUsable exercises spec.md
// §8 scenario S5 against a live loopback QUIC server that never
// answers: request() must return errtax.Timeout within the
// [timeout_ms, 2*timeout_ms] window, and the session must still be
// usable afterwards.
func TestRequestSurfacesTimeoutAndLeavesSessionUsable(t *testing.T) {
	addr, stop := startSilentServer(t)
	defer stop()

	log := zerolog.Nop()
	clientTLS := &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"h3"}}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := quicengine.Connect(ctx, "127.0.0.1", addr.Port, clientTLS, &quic.Config{}, ticketstore.New(0), &log)
	require.NoError(t, err)
	defer sess.Close("test done")

	client := New(sess)
	start := time.Now()
	_, err = client.Request(ctx, "svc", "method", []byte("x"), Options{TimeoutMs: 250})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errtax.Is(err, errtax.Timeout))
	assert.GreaterOrEqual(t, elapsed, 250*time.Millisecond)
	assert.LessOrEqual(t, elapsed, 500*time.Millisecond)

	assert.True(t, sess.Alive())
}

// startSilentServer accepts connections and streams but never writes
// a response, modeling S5's "server that never responds".
func startSilentServer(t *testing.T) (addr *net.UDPAddr, stop func()) {
	t.Helper()
	ln, err := quic.ListenAddr("127.0.0.1:0", serverTLSConfig(), &quic.Config{})
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

	addr, _ = net.ResolveUDPAddr("udp", ln.Addr().String())
	return addr, func() { ln.Close() }
}

// startChunkCountingServer accepts one stream, reads the HEADERS frame
// and then counts every DATA frame it receives up to a FIN, replying
// with a HEADERS frame and a single "ack" DATA frame -- chunkCount
// lets the test assert the client sent N discrete frames, not one
// merged buffer.
func startChunkCountingServer(t *testing.T) (addr *net.UDPAddr, stop func(), chunkCount func() int) {
	t.Helper()
	ln, err := quic.ListenAddr("127.0.0.1:0", serverTLSConfig(), &quic.Config{})
	require.NoError(t, err)

	count := make(chan int, 1)
	go func() {
		conn, err := ln.Accept(context.Background())
		if err != nil {
			return
		}
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			return
		}
		if _, _, err := testReadFrame(stream); err != nil { // HEADERS
			return
		}
		n := 0
		for {
			kind, _, err := testReadFrame(stream)
			if err != nil {
				break
			}
			if kind == testFrameData {
				n++
			}
		}
		count <- n
		_ = testWriteFrame(stream, testFrameHeaders, nil)
		_ = testWriteFrame(stream, testFrameData, []byte("ack"))
		_ = stream.Close()
	}()

	addr, _ = net.ResolveUDPAddr("udp", ln.Addr().String())
	return addr, func() { ln.Close() }, func() int {
		select {
		case n := <-count:
			return n
		case <-time.After(2 * time.Second):
			return -1
		}
	}
}

func TestUploadStreamSendsEachChunkAsASeparateFrame(t *testing.T) {
	addr, stop, chunkCount := startChunkCountingServer(t)
	defer stop()

	log := zerolog.Nop()
	clientTLS := &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"h3"}}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := quicengine.Connect(ctx, "127.0.0.1", addr.Port, clientTLS, &quic.Config{}, ticketstore.New(0), &log)
	require.NoError(t, err)
	defer sess.Close("test done")

	chunks := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	i := 0
	next := func() ([]byte, bool, error) {
		c := chunks[i]
		i++
		return c, i < len(chunks), nil
	}

	client := New(sess)
	body, err := client.UploadStream(ctx, "svc", "method", nil, next)
	require.NoError(t, err)
	assert.Equal(t, "ack", string(body))
	assert.Equal(t, len(chunks), chunkCount())
}

// startMultiChunkDownloadServer answers with a HEADERS frame and
// three separate DATA frames, so the test can assert sink is invoked
// once per frame instead of once for the whole body.
func startMultiChunkDownloadServer(t *testing.T) (addr *net.UDPAddr, stop func()) {
	t.Helper()
	ln, err := quic.ListenAddr("127.0.0.1:0", serverTLSConfig(), &quic.Config{})
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept(context.Background())
		if err != nil {
			return
		}
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			return
		}
		if _, _, err := testReadFrame(stream); err != nil { // HEADERS
			return
		}
		for {
			if _, _, err := testReadFrame(stream); err != nil {
				break
			}
		}
		_ = testWriteFrame(stream, testFrameHeaders, nil)
		_ = testWriteFrame(stream, testFrameData, []byte("part1-"))
		_ = testWriteFrame(stream, testFrameData, []byte("part2-"))
		_ = testWriteFrame(stream, testFrameData, []byte("part3"))
		_ = stream.Close()
	}()

	addr, _ = net.ResolveUDPAddr("udp", ln.Addr().String())
	return addr, func() { ln.Close() }
}

func TestDownloadStreamDeliversChunksIncrementallyToSink(t *testing.T) {
	addr, stop := startMultiChunkDownloadServer(t)
	defer stop()

	log := zerolog.Nop()
	clientTLS := &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"h3"}}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := quicengine.Connect(ctx, "127.0.0.1", addr.Port, clientTLS, &quic.Config{}, ticketstore.New(0), &log)
	require.NoError(t, err)
	defer sess.Close("test done")

	var got []string
	client := New(sess)
	err = client.DownloadStream(ctx, "svc", "method", []byte("req"), Options{}, func(chunk []byte) error {
		got = append(got, string(chunk))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"part1-", "part2-", "part3"}, got)
}

func serverTLSConfig() *tls.Config {
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
	return &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{"h3"}}
}
