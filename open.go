/* SPDX-License-Identifier: BSD-2-Clause */

package rangefs

import (
	"context"
	"net/http"
	"strings"
	"sync"
)

// Filesystem is the shared container described in §4.1 and §2.7: it owns
// configuration, the chunk cache, the transport, and the prefetch worker
// pool. Multiple file handles share one Filesystem, and a Filesystem may
// be safely used from multiple goroutines concurrently.
type Filesystem struct {
	cfg       Config
	transport Transport
	retry     *retryController
	cache     *chunkCache
	workers   *prefetchWorkQueue
	logger    Logger

	descMu      sync.Mutex
	descriptors map[string]resourceDescriptor

	refMu sync.Mutex
	refs  map[string]int
}

// FilesystemOption configures New beyond the plain Config options, for
// knobs that are not simple scalar tunables (an HTTP client, a transport,
// a ChunkStore backend).
type FilesystemOption func(*fsBuildOpts)

type fsBuildOpts struct {
	client    *http.Client
	transport Transport
	store     ChunkStore
}

// WithHTTPClient supplies the *http.Client used by the default Transport.
// Ignored if WithTransport is also given.
func WithHTTPClient(c *http.Client) FilesystemOption {
	return func(o *fsBuildOpts) { o.client = c }
}

// WithTransport overrides the Transport entirely — any correct RFC 7233
// client suffices (§1).
func WithTransport(t Transport) FilesystemOption {
	return func(o *fsBuildOpts) { o.transport = t }
}

// WithChunkStore overrides the chunk cache's byte-storage backend, e.g.
// swapping the default in-memory map for the mmap-backed store returned by
// NewMmapChunkStore.
func WithChunkStore(s ChunkStore) FilesystemOption {
	return func(o *fsBuildOpts) { o.store = s }
}

// New builds a Filesystem from configuration options (§4.1).
func New(opts []Option, fsOpts ...FilesystemOption) (*Filesystem, error) {
	cfg, err := NewConfig(opts...)
	if err != nil {
		return nil, err
	}

	var build fsBuildOpts
	for _, o := range fsOpts {
		o(&build)
	}

	transport := build.transport
	if transport == nil {
		transport = newHTTPTransport(build.client, cfg.Logger)
	}

	cache := newChunkCache(build.store, cfg.CacheMaxBytes, cfg.Logger)

	fs := &Filesystem{
		cfg:         cfg,
		transport:   transport,
		retry:       newRetryController(cfg),
		cache:       cache,
		workers:     newPrefetchWorkQueue(cache, cfg.Logger),
		logger:      cfg.Logger,
		descriptors: make(map[string]resourceDescriptor),
		refs:        make(map[string]int),
	}
	return fs, nil
}

// Open opens url in the given mode, probing (or reusing a cached probe
// of) the resource and returning a read-only File positioned at 0
// (§4.1).
func (fs *Filesystem) Open(url string, mode string) (*File, error) {
	m, err := parseMode(mode)
	if err != nil {
		return nil, err
	}

	scheme, _, ok := splitScheme(url)
	if !ok || (scheme != "http" && scheme != "https") {
		return nil, errUnsupportedProtocol("only http and https URLs are supported", nil)
	}

	desc, err := fs.probe(url)
	if err != nil {
		return nil, err
	}
	if !desc.supportsRange {
		return nil, errUnsupportedProtocol("server does not support byte-range requests", nil)
	}

	fs.acquireRef(url)
	return newFile(fs, url, m, desc), nil
}

// acquireRef and releaseRef track how many open handles reference a URL's
// cached chunks, so Close can release a handle's contribution to the
// shared cache (§4.3) without evicting chunks still held open by other
// handles on the same URL.
func (fs *Filesystem) acquireRef(url string) {
	fs.refMu.Lock()
	fs.refs[url]++
	fs.refMu.Unlock()
}

func (fs *Filesystem) releaseRef(url string) {
	fs.refMu.Lock()
	fs.refs[url]--
	last := fs.refs[url] <= 0
	if last {
		delete(fs.refs, url)
	}
	fs.refMu.Unlock()
	if last {
		fs.cache.clearURL(url)
	}
}

func splitScheme(url string) (scheme, rest string, ok bool) {
	i := strings.Index(url, "://")
	if i <= 0 {
		return "", url, false
	}
	return strings.ToLower(url[:i]), url[i+3:], true
}

// probe performs (or reuses) the initial size/range-support discovery
// for url, caching the result on the filesystem (§3, §4.1).
func (fs *Filesystem) probe(url string) (resourceDescriptor, error) {
	fs.descMu.Lock()
	if d, ok := fs.descriptors[url]; ok {
		fs.descMu.Unlock()
		return d, nil
	}
	fs.descMu.Unlock()

	var desc resourceDescriptor
	err := fs.retry.do(context.Background(), func(ctx context.Context) error {
		d, err := fs.transport.Probe(ctx, url)
		if err != nil {
			return err
		}
		desc = d
		return nil
	})
	if err != nil {
		return resourceDescriptor{}, err
	}

	fs.descMu.Lock()
	fs.descriptors[url] = desc
	fs.descMu.Unlock()
	return desc, nil
}

// Close joins the background prefetch worker pool. It does not close
// file handles opened on this filesystem; callers are responsible for
// closing handles before or after closing the filesystem.
func (fs *Filesystem) Close() error {
	fs.workers.close()
	return nil
}
