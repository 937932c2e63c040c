/* SPDX-License-Identifier: BSD-2-Clause */

package rangefs

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// rangeServer serves a fixed byte payload honoring Range requests, the
// way a correct RFC 7233 origin server would.
func rangeServer(t *testing.T, payload []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		rng := r.Header.Get("Range")
		if rng == "" {
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(payload)))
			w.WriteHeader(http.StatusOK)
			if r.Method != http.MethodHead {
				w.Write(payload)
			}
			return
		}
		var a, b int64
		fmt.Sscanf(rng, "bytes=%d-%d", &a, &b)
		if a >= int64(len(payload)) {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		if b >= int64(len(payload)) {
			b = int64(len(payload)) - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", a, b, len(payload)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload[a : b+1])
	}))
}

func TestHTTPTransportProbeDiscoversSizeAndRangeSupport(t *testing.T) {
	payload := make([]byte, 5000)
	srv := rangeServer(t, payload)
	defer srv.Close()

	tr := newHTTPTransport(nil, nil)
	desc, err := tr.Probe(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if !desc.supportsRange {
		t.Fatal("expected range support")
	}
	if desc.totalSize == nil || *desc.totalSize != int64(len(payload)) {
		t.Fatalf("totalSize = %v, want %d", desc.totalSize, len(payload))
	}
}

func TestHTTPTransportProbeReportsMissingRangeSupport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("no ranges here"))
	}))
	defer srv.Close()

	// Lack of range support is reported in the descriptor, not as a
	// transport error; Open is what rejects it.
	tr := newHTTPTransport(nil, nil)
	desc, err := tr.Probe(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if desc.supportsRange {
		t.Fatal("expected supportsRange=false for a server that ignores Range")
	}
}

func TestHTTPTransportFetchRangeReturnsExactInterval(t *testing.T) {
	payload := []byte("0123456789abcdef")
	srv := rangeServer(t, payload)
	defer srv.Close()

	tr := newHTTPTransport(nil, nil)
	res, err := tr.FetchRange(context.Background(), srv.URL, 2, 5, time.Now().Add(5*time.Second), resourceDescriptor{})
	if err != nil {
		t.Fatal(err)
	}
	if string(res.data) != "2345" {
		t.Fatalf("data = %q, want %q", res.data, "2345")
	}
}

func TestHTTPTransportFetchRangeClassifies200AsProtocol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("whole thing"))
	}))
	defer srv.Close()

	tr := newHTTPTransport(nil, nil)
	_, err := tr.FetchRange(context.Background(), srv.URL, 0, 3, time.Now().Add(5*time.Second), resourceDescriptor{})
	if err == nil {
		t.Fatal("expected error")
	}
	var ce *classifiedError
	if !asClassified(err, &ce) {
		t.Fatalf("err = %v, want a classifiedError", err)
	}
	if ce.class != classProtocol {
		t.Fatalf("class = %v, want classProtocol", ce.class)
	}
}

func TestHTTPTransportFetchRangeTreats416PastEOFAsTerminal(t *testing.T) {
	payload := []byte("short")
	srv := rangeServer(t, payload)
	defer srv.Close()

	tr := newHTTPTransport(nil, nil)
	desc, err := tr.Probe(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	res, err := tr.FetchRange(context.Background(), srv.URL, int64(len(payload)), int64(len(payload))+10, time.Now().Add(5*time.Second), desc)
	if err != nil {
		t.Fatalf("expected past-EOF 416 to be treated as terminal success, got %v", err)
	}
	if !res.terminalChunk || len(res.data) != 0 {
		t.Fatalf("res = %+v, want empty terminal chunk", res)
	}
}

func asClassified(err error, target **classifiedError) bool {
	ce, ok := err.(*classifiedError)
	if !ok {
		return false
	}
	*target = ce
	return true
}

func TestParseContentRange(t *testing.T) {
	start, total, ok := parseContentRange("bytes 10-19/100")
	if !ok || start != 10 || total == nil || *total != 100 {
		t.Fatalf("got start=%d total=%v ok=%v", start, total, ok)
	}
	_, total, ok = parseContentRange("bytes 10-19/*")
	if !ok || total != nil {
		t.Fatalf("expected unknown total, got %v ok=%v", total, ok)
	}
	if _, _, ok := parseContentRange("garbage"); ok {
		t.Fatal("expected parse failure")
	}
}
