// Package devserver supervises a local development server process: it
// allocates a port, launches the server, watches its output for the ready
// signal, and publishes the resolved endpoint for the proxy to use. It also
// provides a one-off build trigger keyed on the build tool's output.
package devserver

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
)

// Endpoint is the resolved loopback address of the dev server. It is
// immutable once published through a Future.
type Endpoint struct {
	Scheme string
	Host   string
	Port   int
}

// Addr returns the host:port form, suitable for dialing.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// URL returns the base URL of the endpoint.
func (e Endpoint) URL() *url.URL {
	return &url.URL{Scheme: e.Scheme, Host: e.Addr()}
}

func (e Endpoint) String() string {
	return e.URL().String()
}

// EndpointFromURL parses the URL reported in the dev server's ready-signal
// line. A missing port falls back to the scheme default.
func EndpointFromURL(raw string) (Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parsing reported URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Endpoint{}, fmt.Errorf("reported URL %q has unsupported scheme %q", raw, u.Scheme)
	}
	port := 80
	if u.Scheme == "https" {
		port = 443
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return Endpoint{}, fmt.Errorf("parsing port of reported URL %q: %w", raw, err)
		}
	}
	host := u.Hostname()
	if host == "" {
		return Endpoint{}, fmt.Errorf("reported URL %q has no host", raw)
	}
	return Endpoint{Scheme: u.Scheme, Host: host, Port: port}, nil
}
