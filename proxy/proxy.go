// Package proxy forwards inbound HTTP traffic to a resolved dev server
// endpoint, streaming bodies in both directions.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/devserve/devserve/devserver"
)

// copyBufferSize bounds how much of a streamed body is held in memory at a
// time in either direction.
const copyBufferSize = 32 * 1024

// hopHeaders are connection-specific and must not be forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Proxy forwards requests to a dev server endpoint. The zero timeout on its
// client is deliberate: proxied connections may be long-lived hot-module
// replacement or live-reload streams. A single Proxy is safe for any number
// of concurrent in-flight requests.
type Proxy struct {
	log    *zap.SugaredLogger
	client *http.Client
}

type Option func(*Proxy)

func WithLogger(l *zap.Logger) Option {
	return func(p *Proxy) {
		p.log = l.Sugar().Named("proxy")
	}
}

func New(opts ...Option) *Proxy {
	p := &Proxy{
		client: &http.Client{
			Timeout: 0,
			Transport: &http.Transport{
				DialContext:     (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
				MaxIdleConns:    100,
				IdleConnTimeout: 90 * time.Second,
			},
			// Redirects from the dev server pass through to the caller verbatim.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	for _, o := range opts {
		o(p)
	}
	if p.log == nil {
		logger, err := zap.NewProduction()
		if err != nil {
			panic(fmt.Sprintf("error constructing default logger: %s", err))
		}
		p.log = logger.Sugar().Named("proxy")
	}
	return p
}

// Forward proxies r to the endpoint resolved by fut, streaming the response
// into w. It reports whether the request was proxied: a false return with a
// nil error means the target refused the connection and the caller should
// fall back to its own not-found handling. Upstream failures before anything
// is written to w return didProxy false so the caller still owns the
// response; didProxy is true only once the status line is on the wire (or
// the connection has been hijacked), at which point errors mean the response
// may be partially written.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, fut *devserver.Future) (bool, error) {
	ep, err := fut.Await(r.Context())
	if err != nil {
		if errors.Is(err, devserver.ErrReadinessTimeout) {
			return false, fmt.Errorf("upstream dev server never became ready: %w", err)
		}
		return false, err
	}

	if isUpgrade(r) {
		return p.forwardUpgrade(w, r, ep)
	}

	outURL := *r.URL
	outURL.Scheme = ep.Scheme
	outURL.Host = ep.Addr()

	out, err := http.NewRequestWithContext(r.Context(), r.Method, outURL.String(), r.Body)
	if err != nil {
		return false, fmt.Errorf("building upstream request: %w", err)
	}
	copyHeaders(out.Header, r.Header)
	removeHopHeaders(out.Header)
	out.Host = ep.Addr()
	out.ContentLength = r.ContentLength
	out.Header.Set("X-Forwarded-Host", r.Host)
	out.Header.Set("X-Forwarded-Proto", requestProto(r))

	resp, err := p.client.Do(out)
	if err != nil {
		if isDialError(err) {
			p.log.Debugf("declining to proxy %s %s: %s", r.Method, r.URL.Path, err)
			return false, nil
		}
		// w is untouched here, so the caller can still write an error status.
		return false, fmt.Errorf("proxying %s %s to %s: %w", r.Method, r.URL.Path, ep, err)
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	removeHopHeaders(w.Header())
	w.WriteHeader(resp.StatusCode)

	if err := copyStreaming(w, resp.Body); err != nil {
		return true, fmt.Errorf("streaming response from %s: %w", ep, err)
	}
	return true, nil
}

// forwardUpgrade turns the connection into a raw bidirectional byte tunnel,
// which is how live-reload WebSockets pass through.
func (p *Proxy) forwardUpgrade(w http.ResponseWriter, r *http.Request, ep devserver.Endpoint) (bool, error) {
	upstream, err := net.DialTimeout("tcp", ep.Addr(), 5*time.Second)
	if err != nil {
		p.log.Debugf("declining to tunnel %s: %s", r.URL.Path, err)
		return false, nil
	}
	defer upstream.Close()

	hj, ok := w.(http.Hijacker)
	if !ok {
		return false, errors.New("response writer does not support hijacking")
	}

	out := r.Clone(context.Background())
	out.URL.Scheme = ep.Scheme
	out.URL.Host = ep.Addr()
	out.Host = ep.Addr()
	out.Header.Set("X-Forwarded-Host", r.Host)
	out.Header.Set("X-Forwarded-Proto", requestProto(r))
	if err := out.Write(upstream); err != nil {
		return false, fmt.Errorf("replaying upgrade request to %s: %w", ep, err)
	}

	clientConn, clientBuf, err := hj.Hijack()
	if err != nil {
		return false, fmt.Errorf("hijacking client connection: %w", err)
	}
	defer clientConn.Close()

	errCh := make(chan error, 2)
	go func() {
		_, err := io.Copy(upstream, clientBuf)
		errCh <- err
	}()
	go func() {
		_, err := io.Copy(clientConn, upstream)
		errCh <- err
	}()
	if err := <-errCh; err != nil {
		p.log.Debugf("tunnel for %s closed: %s", r.URL.Path, err)
	}
	return true, nil
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// isDialError reports whether the upstream could not be reached at all, as
// opposed to failing after a connection was established.
func isDialError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func removeHopHeaders(h http.Header) {
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

func requestProto(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	return "http"
}

// copyStreaming copies src into w through a bounded buffer, flushing after
// each chunk so ongoing upstream output reaches the client incrementally.
func copyStreaming(w http.ResponseWriter, src io.Reader) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, copyBufferSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}
