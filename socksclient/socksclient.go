// Package socksclient implements an HTTP/1.1-over-SOCKS5 fetch client
// (spec §4.1). It layers custom HTTP request/response framing, a timeout
// taxonomy, and a bounded-inflight queue on top of the SOCKS5 CONNECT
// primitive the teacher's transport/proxy.go obtains from
// golang.org/x/net/proxy.SOCKS5.
package socksclient

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// Error codes per spec §4.1's taxonomy.
const (
	CodeTimeout          = "timeout"
	CodeProxyUnreachable = "proxy_unreachable"
	CodeHandshakeFailed  = "handshake_failed"
	CodeUpstreamError    = "upstream_error"
)

// MaxBodyBytes is the hard cap on a response body (spec §4.1: 256 KiB).
const MaxBodyBytes = 256 * 1024

// MaxInflight is the default process-wide concurrent-request cap.
const MaxInflight = 8

// MaxCredentialBytes bounds SOCKS5 username/password length (spec §4.1:
// "encode to UTF-8 bytes ≤ 255").
const MaxCredentialBytes = 255

// Error is socksclient's uniform error shape.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func newError(code string, err error) *Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{Code: code, Message: msg}
}

// Request is the fetch contract's input (spec §4.1).
type Request struct {
	Method    string
	URL       string
	Headers   map[string]string
	Body      []byte
	TimeoutMs int64
	ProxyURL  string
	Retry     bool
}

// Response is the fetch contract's output.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// Client performs HTTP/1.1 requests tunneled through a SOCKS5/SOCKS5h
// proxy, enforcing a process-wide inflight cap (spec §4.1).
type Client struct {
	sem chan struct{}
}

// NewClient creates a Client with the given inflight cap (0 uses
// MaxInflight).
func NewClient(maxInflight int) *Client {
	if maxInflight <= 0 {
		maxInflight = MaxInflight
	}
	return &Client{sem: make(chan struct{}, maxInflight)}
}

// Fetch performs req, queuing FIFO behind the client's inflight cap, and
// retrying per spec §4.1's policy (up to 2 attempts, 200ms linear backoff,
// never retrying a malformed-proxy-URL handshake_failed).
func (c *Client) Fetch(ctx context.Context, req Request) (*Response, error) {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, newError(CodeTimeout, ctx.Err())
	}
	defer func() { <-c.sem }()

	attempts := 1
	if req.Retry {
		attempts = 2
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(200 * time.Millisecond):
			case <-ctx.Done():
				return nil, newError(CodeTimeout, ctx.Err())
			}
		}

		resp, err := c.fetchOnce(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var serr *Error
		if errors.As(err, &serr) && serr.Code == CodeHandshakeFailed && isMalformedProxyURL(req.ProxyURL) {
			break // never retry a malformed proxy URL
		}

		logrus.WithFields(logrus.Fields{
			"function": "Client.Fetch",
			"url":      req.URL,
			"attempt":  attempt + 1,
			"error":    err.Error(),
		}).Warn("fetch attempt failed")
	}
	return nil, lastErr
}

func isMalformedProxyURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return true
	}
	return u.Scheme != "socks5" && u.Scheme != "socks5h"
}

func (c *Client) fetchOnce(ctx context.Context, req Request) (*Response, error) {
	timeout := 10 * time.Second
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target, err := url.Parse(req.URL)
	if err != nil {
		return nil, newError(CodeHandshakeFailed, err)
	}

	proxyURL, err := url.Parse(req.ProxyURL)
	if err != nil || (proxyURL.Scheme != "socks5" && proxyURL.Scheme != "socks5h") {
		return nil, newError(CodeHandshakeFailed, fmt.Errorf("unsupported proxy scheme in %q", req.ProxyURL))
	}

	conn, err := c.dial(dctx, proxyURL, target)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if target.Scheme == "https" {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: target.Hostname()})
		if err := tlsConn.HandshakeContext(dctx); err != nil {
			return nil, newError(CodeHandshakeFailed, err)
		}
		conn = tlsConn
	}

	if deadline, ok := dctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := writeHTTPRequest(conn, req, target); err != nil {
		return nil, classifyIOError(err)
	}

	resp, err := readHTTPResponse(conn)
	if err != nil {
		return nil, classifyIOError(err)
	}
	return resp, nil
}

// dial performs the SOCKS5 handshake and CONNECT using
// golang.org/x/net/proxy.SOCKS5, the same dial primitive the teacher's
// transport/proxy.go uses, with socks5h (remote DNS) honored by CONNECTing
// with the target hostname rather than pre-resolving it.
func (c *Client) dial(ctx context.Context, proxyURL, target *url.URL) (net.Conn, error) {
	var auth *proxy.Auth
	if proxyURL.User != nil {
		username := proxyURL.User.Username()
		password, _ := proxyURL.User.Password()
		if len(username) > MaxCredentialBytes || len(password) > MaxCredentialBytes {
			return nil, newError(CodeHandshakeFailed, fmt.Errorf("socks5 credential exceeds %d bytes", MaxCredentialBytes))
		}
		auth = &proxy.Auth{User: username, Password: password}
	}

	dialer, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, proxy.Direct)
	if err != nil {
		return nil, newError(CodeHandshakeFailed, err)
	}

	port := target.Port()
	if port == "" {
		if target.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	addr := net.JoinHostPort(target.Hostname(), port)

	type dialResult struct {
		conn net.Conn
		err  error
	}
	resultCh := make(chan dialResult, 1)
	go func() {
		conn, err := dialer.Dial("tcp", addr)
		resultCh <- dialResult{conn, err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, classifyDialError(res.err)
		}
		return res.conn, nil
	case <-ctx.Done():
		return nil, newError(CodeTimeout, ctx.Err())
	}
}

func classifyDialError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "refused"), strings.Contains(msg, "no such host"), strings.Contains(msg, "reset"), strings.Contains(msg, "unreachable"):
		return newError(CodeProxyUnreachable, err)
	case strings.Contains(msg, "socks"), strings.Contains(msg, "auth"):
		return newError(CodeHandshakeFailed, err)
	default:
		return newError(CodeUpstreamError, err)
	}
}

func classifyIOError(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return newError(CodeTimeout, err)
	}
	return newError(CodeUpstreamError, err)
}

func writeHTTPRequest(w io.Writer, req Request, target *url.URL) error {
	method := req.Method
	if method == "" {
		method = "GET"
	}

	var b bytes.Buffer
	path := target.RequestURI()
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", method, path)
	fmt.Fprintf(&b, "Host: %s\r\n", target.Host)
	fmt.Fprintf(&b, "Connection: close\r\n")
	for k, v := range req.Headers {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	if len(req.Body) > 0 {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(req.Body))
	}
	b.WriteString("\r\n")
	b.Write(req.Body)

	_, err := w.Write(b.Bytes())
	return err
}

func readHTTPResponse(r io.Reader) (*Response, error) {
	br := bufio.NewReader(r)

	statusLine, err := br.ReadString('\n')
	if err != nil {
		return nil, err
	}
	status, err := parseStatusLine(statusLine)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string)
	chunked := false
	contentLength := -1
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		headers[key] = val
		switch strings.ToLower(key) {
		case "transfer-encoding":
			chunked = strings.Contains(strings.ToLower(val), "chunked")
		case "content-length":
			if n, err := strconv.Atoi(val); err == nil {
				contentLength = n
			}
		}
	}

	var body []byte
	if chunked {
		body, err = readChunkedBody(br)
	} else if contentLength >= 0 {
		body, err = readFixedBody(br, contentLength)
	} else {
		body, err = readUntilEOFCapped(br)
	}
	if err != nil {
		return nil, err
	}

	return &Response{Status: status, Headers: headers, Body: body}, nil
}

func parseStatusLine(line string) (int, error) {
	parts := strings.SplitN(strings.TrimRight(line, "\r\n"), " ", 3)
	if len(parts) < 2 {
		return 0, fmt.Errorf("socksclient: malformed status line %q", line)
	}
	return strconv.Atoi(parts[1])
}

func readFixedBody(r io.Reader, n int) ([]byte, error) {
	if n > MaxBodyBytes {
		n = MaxBodyBytes
	}
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	return buf, err
}

func readUntilEOFCapped(r io.Reader) ([]byte, error) {
	limited := io.LimitReader(r, MaxBodyBytes)
	return io.ReadAll(limited)
}

func readChunkedBody(br *bufio.Reader) ([]byte, error) {
	var out bytes.Buffer
	for {
		sizeLine, err := br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		sizeLine = strings.TrimRight(strings.SplitN(sizeLine, ";", 2)[0], "\r\n")
		size, err := strconv.ParseInt(sizeLine, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("socksclient: malformed chunk size %q", sizeLine)
		}
		if size == 0 {
			// Consume trailing headers until the final CRLF.
			for {
				line, err := br.ReadString('\n')
				if err != nil {
					return nil, err
				}
				if strings.TrimRight(line, "\r\n") == "" {
					break
				}
			}
			return out.Bytes(), nil
		}
		if out.Len()+int(size) > MaxBodyBytes {
			return nil, fmt.Errorf("socksclient: chunked body exceeds %d byte cap", MaxBodyBytes)
		}
		if _, err := io.CopyN(&out, br, size); err != nil {
			return nil, err
		}
		// Trailing CRLF after each chunk's data.
		if _, err := br.ReadString('\n'); err != nil {
			return nil, err
		}
	}
}
