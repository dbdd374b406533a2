package proxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"

	"github.com/devserve/devserve/devserver"
	devnet "github.com/devserve/devserve/internal/net"
)

func testProxy(t *testing.T) *Proxy {
	return New(WithLogger(zaptest.NewLogger(t)))
}

func futureFor(t *testing.T, rawURL string) *devserver.Future {
	t.Helper()
	ep, err := devserver.EndpointFromURL(rawURL)
	require.NoError(t, err)
	return devserver.NewResolvedFuture(ep)
}

func frontendFor(t *testing.T, p *Proxy, fut *devserver.Future) *httptest.Server {
	t.Helper()
	front := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		didProxy, err := p.Forward(w, r, fut)
		if err == nil && !didProxy {
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(front.Close)
	return front
}

func TestForwardPreservesRequestAndResponse(t *testing.T) {
	var (
		gotMethod, gotPath, gotQuery string
		gotHeader, gotFwdHost        string
		gotBody                      []byte
	)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotHeader = r.Header.Get("X-Custom")
		gotFwdHost = r.Header.Get("X-Forwarded-Host")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("brewing"))
	}))
	t.Cleanup(upstream.Close)

	front := frontendFor(t, testProxy(t), futureFor(t, upstream.URL))

	req, err := http.NewRequest(http.MethodPost, front.URL+"/api/things?a=1&b=2", strings.NewReader("payload"))
	require.NoError(t, err)
	req.Header.Set("X-Custom", "v")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	require.Equal(t, http.StatusTeapot, resp.StatusCode)
	require.Equal(t, "yes", resp.Header.Get("X-Upstream"))
	require.Equal(t, "brewing", string(body))

	require.Equal(t, http.MethodPost, gotMethod)
	require.Equal(t, "/api/things", gotPath)
	require.Equal(t, "a=1&b=2", gotQuery)
	require.Equal(t, "v", gotHeader)
	require.Equal(t, "payload", string(gotBody))
	require.NotEmpty(t, gotFwdHost)
}

func TestForwardDeclinesWhenTargetRefusesConnections(t *testing.T) {
	// an allocated-then-released port has no listener behind it
	port, err := devnet.AllocateEphemeralPort()
	require.NoError(t, err)
	fut := devserver.NewResolvedFuture(devserver.Endpoint{Scheme: "http", Host: "127.0.0.1", Port: port})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/missing", nil)

	didProxy, err := testProxy(t).Forward(rec, req, fut)
	require.NoError(t, err)
	require.False(t, didProxy)
}

// resetListener accepts connections and immediately resets them, emulating a
// dev server that dies after the dial succeeds.
func resetListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.(*net.TCPConn).SetLinger(0)
			conn.Close()
		}
	}()
	return ln
}

func TestForwardFailsWhenUpstreamResetsConnection(t *testing.T) {
	ln := resetListener(t)
	fut := futureFor(t, "http://"+ln.Addr().String())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/app", nil)

	// the connection was established, so this is a failure, not a decline,
	// and nothing has been written yet so the caller still owns the response
	didProxy, err := testProxy(t).Forward(rec, req, fut)
	require.Error(t, err)
	require.False(t, didProxy)
}

func TestForwardSurfacesReadinessTimeout(t *testing.T) {
	fut := devserver.NewFuture()
	fut.Fail(fmt.Errorf("%w within 50s: check the dev server logs for errors", devserver.ErrReadinessTimeout))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	didProxy, err := testProxy(t).Forward(rec, req, fut)
	require.False(t, didProxy)
	require.ErrorIs(t, err, devserver.ErrReadinessTimeout)
	require.ErrorContains(t, err, "never became ready")
	require.ErrorContains(t, err, "50s")
}

func TestForwardPendingFutureHonorsRequestCancellation(t *testing.T) {
	fut := devserver.NewFuture()

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan error, 1)
	go func() {
		_, err := testProxy(t).Forward(rec, req, fut)
		done <- err
	}()
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestForwardStreamsResponseIncrementally(t *testing.T) {
	release := make(chan struct{})
	var releaseOnce sync.Once
	releaseNow := func() { releaseOnce.Do(func() { close(release) }) }
	t.Cleanup(releaseNow)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "first")
		w.(http.Flusher).Flush()
		<-release
		fmt.Fprintln(w, "second")
	}))
	t.Cleanup(upstream.Close)

	front := frontendFor(t, testProxy(t), futureFor(t, upstream.URL))

	resp, err := http.Get(front.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)

	// the first chunk arrives while the upstream still holds the stream open
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "first\n", line)

	releaseNow()
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "second\n", line)
}

func TestForwardLargeBodiesBothDirections(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789abcdef"), 256*1024) // 4 MiB

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// echo the request body back
		io.Copy(w, r.Body)
	}))
	t.Cleanup(upstream.Close)

	front := frontendFor(t, testProxy(t), futureFor(t, upstream.URL))

	resp, err := http.Post(front.URL, "application/octet-stream", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, len(payload), len(body))
	require.True(t, bytes.Equal(payload, body))
}

func TestForwardConcurrentRequests(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	t.Cleanup(upstream.Close)

	front := frontendFor(t, testProxy(t), futureFor(t, upstream.URL))

	group, _ := errgroup.WithContext(context.Background())
	for i := 0; i < 8; i++ {
		group.Go(func() error {
			resp, err := http.Get(front.URL)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			b, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if string(b) != "ok" {
				return fmt.Errorf("unexpected body %q", b)
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())
}

func TestForwardTunnelsWebSockets(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusInternalError, "")
		typ, b, err := c.Read(r.Context())
		if err != nil {
			return
		}
		if err := c.Write(r.Context(), typ, b); err != nil {
			return
		}
		c.Close(websocket.StatusNormalClosure, "")
	}))
	t.Cleanup(upstream.Close)

	front := frontendFor(t, testProxy(t), futureFor(t, upstream.URL))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(front.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("ping")))
	typ, b, err := conn.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, typ)
	require.Equal(t, "ping", string(b))
}
