/* SPDX-License-Identifier: BSD-2-Clause */

package rangefs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"
	"time"
)

// resourceDescriptor is discovered once per URL by Probe and cached on
// the filesystem for that URL (§3).
type resourceDescriptor struct {
	totalSize     *int64
	supportsRange bool
	etag          string
	lastModified  string
}

func (d resourceDescriptor) applyValidators(h http.Header) {
	if d.etag != "" {
		h.Set("If-Match", d.etag)
	}
	if d.lastModified != "" {
		h.Set("If-Unmodified-Since", d.lastModified)
	}
}

// descriptorFromHeaders extracts ETag/Last-Modified/size metadata from a
// response, generalizing the teacher's Metadata/extractMetadata
// (httpmeta.go) to the fuller resourceDescriptor shape.
func descriptorFromHeaders(h http.Header, supportsRange bool) resourceDescriptor {
	d := resourceDescriptor{
		supportsRange: supportsRange,
		etag:          h.Get("ETag"),
		lastModified:  h.Get("Last-Modified"),
	}
	if cr := h.Get("Content-Range"); cr != "" {
		if _, total, ok := parseContentRange(cr); ok && total != nil {
			d.totalSize = total
		}
	} else if cl := h.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			d.totalSize = &n
		}
	}
	return d
}

// parseContentRange parses a "bytes a-b/total" (or "bytes a-b/*") header,
// per §6's wire-protocol description. total is nil when the server
// reports "*" (unknown total).
func parseContentRange(v string) (start int64, total *int64, ok bool) {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "bytes ") {
		return 0, nil, false
	}
	v = strings.TrimPrefix(v, "bytes ")
	slash := strings.IndexByte(v, '/')
	if slash < 0 {
		return 0, nil, false
	}
	rangePart, totalPart := v[:slash], v[slash+1:]
	dash := strings.IndexByte(rangePart, '-')
	if dash < 0 {
		return 0, nil, false
	}
	s, err := strconv.ParseInt(rangePart[:dash], 10, 64)
	if err != nil {
		return 0, nil, false
	}
	if totalPart == "*" {
		return s, nil, true
	}
	t, err := strconv.ParseInt(totalPart, 10, 64)
	if err != nil {
		return 0, nil, false
	}
	return s, &t, true
}

// rangeResult is the outcome of one successful ranged fetch (§4.6).
type rangeResult struct {
	data              []byte
	contentRangeTotal *int64
	terminalChunk     bool
}

// Transport issues ranged GETs for a URL and discovers size/range-support
// via an initial probe (§4.6). It is the sole component that touches the
// network; the core makes no assumptions beyond "calls may proceed
// concurrently." Any correct RFC 7233 client may implement it — the
// httpTransport below is the one concrete implementation the core ships.
type Transport interface {
	Probe(ctx context.Context, url string) (resourceDescriptor, error)
	FetchRange(ctx context.Context, url string, a, b int64, deadline time.Time, desc resourceDescriptor) (rangeResult, error)
}

// httpTransport is the net/http-backed Transport. It mirrors the
// teacher's ReaderAtHTTP (httpseek.go): a HEAD probe followed by ranged
// GETs, with request/response dumps routed through the configured
// Logger instead of directly to the standard logger.
type httpTransport struct {
	client *http.Client
	logger Logger
}

func newHTTPTransport(client *http.Client, logger Logger) *httpTransport {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = NoopLogger()
	}
	return &httpTransport{client: client, logger: logger}
}

func (t *httpTransport) logRequest(req *http.Request) {
	if dump, err := httputil.DumpRequestOut(req, false); err == nil {
		t.logger.Debug("http request", map[string]any{"dump": string(dump)})
	}
}

func (t *httpTransport) logResponse(resp *http.Response) {
	if dump, err := httputil.DumpResponse(resp, false); err == nil {
		t.logger.Debug("http response", map[string]any{"dump": string(dump)})
	}
}

// Probe issues a HEAD request; if the server does not answer HEAD
// usefully it falls back to a Range: bytes=0-0 GET, per §4.6. A server
// that never confirms range support is not a transport failure — it is
// reported back as a descriptor with supportsRange=false, nil error, so
// Open's own range-support check is the single place that turns it into
// an error (KindUnsupportedProtocol).
func (t *httpTransport) Probe(ctx context.Context, url string) (resourceDescriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return resourceDescriptor{}, permanentErr(fmt.Errorf("malformed URL: %w", err))
	}
	t.logRequest(req)

	resp, err := t.client.Do(req)
	if err == nil {
		defer resp.Body.Close()
		t.logResponse(resp)
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			supportsRange := strings.Contains(resp.Header.Get("Accept-Ranges"), "bytes")
			if supportsRange {
				return descriptorFromHeaders(resp.Header, true), nil
			}
		}
	}

	// HEAD was inconclusive: fall back to a zero-length ranged GET.
	req, err = http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return resourceDescriptor{}, permanentErr(fmt.Errorf("malformed URL: %w", err))
	}
	req.Header.Set("Range", "bytes=0-0")
	t.logRequest(req)

	resp, err = t.client.Do(req)
	if err != nil {
		return resourceDescriptor{}, transientErr(err)
	}
	defer resp.Body.Close()
	t.logResponse(resp)

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		return descriptorFromHeaders(resp.Header, true), nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// The server answered 2xx but ignored the Range header entirely
		// rather than honoring it with a 206 — lack of range support, not
		// a transport failure.
		return descriptorFromHeaders(resp.Header, false), nil
	default:
		return resourceDescriptor{}, classifiedStatusErr(resp.StatusCode)
	}
}

// FetchRange issues a single ranged GET for the inclusive interval [a,b]
// (§4.6). desc carries validators (ETag/Last-Modified) discovered by the
// probe, attached as conditional headers per §9's optional coherence
// note; a 412 in response is classified Protocol.
func (t *httpTransport) FetchRange(ctx context.Context, url string, a, b int64, deadline time.Time, desc resourceDescriptor) (rangeResult, error) {
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return rangeResult{}, permanentErr(fmt.Errorf("malformed URL: %w", err))
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", a, b))
	desc.applyValidators(req.Header)
	t.logRequest(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return rangeResult{}, transientErr(err)
	}
	defer resp.Body.Close()
	t.logResponse(resp)

	switch resp.StatusCode {
	case http.StatusPartialContent:
		// expected path, handled below.
	case http.StatusOK:
		return rangeResult{}, protocolErr(fmt.Errorf("server returned 200 in response to a Range request"))
	case http.StatusPreconditionFailed:
		return rangeResult{}, protocolErr(fmt.Errorf("conditional range request failed (412)"))
	case http.StatusRequestedRangeNotSatisfiable:
		if desc.totalSize != nil && a < *desc.totalSize {
			return rangeResult{}, protocolErr(fmt.Errorf("server returned 416 for an in-range request"))
		}
		return rangeResult{data: nil, terminalChunk: true}, nil
	default:
		return rangeResult{}, classifiedStatusErr(resp.StatusCode)
	}

	start, total, ok := parseContentRange(resp.Header.Get("Content-Range"))
	if !ok {
		return rangeResult{}, protocolErr(fmt.Errorf("missing or malformed Content-Range header"))
	}
	if start != a {
		return rangeResult{}, protocolErr(fmt.Errorf("server returned range starting at %d, requested %d", start, a))
	}

	data, err := readAllLimited(resp.Body, b-a+1)
	if err != nil {
		return rangeResult{}, transientErr(err)
	}

	want := b - a + 1
	terminal := int64(len(data)) < want
	return rangeResult{data: data, contentRangeTotal: total, terminalChunk: terminal}, nil
}

// readAllLimited reads up to want bytes, treating an early EOF as a
// short (but successful) read rather than an error — the server may
// legitimately terminate the body early for an unbounded resource.
func readAllLimited(r io.Reader, want int64) ([]byte, error) {
	if want < 0 {
		want = 0
	}
	buf := make([]byte, want)
	n, err := io.ReadFull(r, buf)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		err = nil
	}
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func classifiedStatusErr(status int) *classifiedError {
	err := fmt.Errorf("unexpected HTTP status %d", status)
	switch classifyStatus(status) {
	case classTransient:
		return transientErr(err)
	case classProtocol:
		return protocolErr(err)
	default:
		return permanentErr(err)
	}
}
