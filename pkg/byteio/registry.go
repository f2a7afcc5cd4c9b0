package byteio

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/huangch/openremoteslide/pkg/common"
)

// Opener constructs a Backend for a URL. Registered per scheme so Registry
// stays backend-agnostic; see local.go, http.go, s3.go for the concrete
// implementations wired in.
type Opener func(ctx context.Context, url string) (Backend, error)

// Registry is a URL -> *Source table (Component B). Default returns the
// lazily-initialised process-wide instance; callers may also construct
// their own with NewRegistry (pkg/slide builds one per opened slide), and
// must call Shutdown when done; the inner map is never exposed.
type Registry struct {
	mu      sync.Mutex
	sources map[string]*Source
	openers map[string]Opener
	group   singleflight.Group
}

// NewRegistry builds an empty registry with the default scheme openers
// (file, http, https, s3) installed.
func NewRegistry() *Registry {
	r := &Registry{
		sources: make(map[string]*Source),
		openers: make(map[string]Opener),
	}
	r.RegisterScheme("", openLocal)
	r.RegisterScheme("file", openLocal)
	r.RegisterScheme("http", openHTTP)
	r.RegisterScheme("https", openHTTP)
	r.RegisterScheme("s3", openS3)
	return r
}

// RegisterScheme installs (or overrides) the opener used for a URL scheme.
// An empty scheme is the fallback used for paths with no "scheme://"
// prefix, i.e. local filesystem paths.
func (r *Registry) RegisterScheme(scheme string, opener Opener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openers[scheme] = opener
}

// lookup returns the existing entry for url, if any. Held briefly under
// the registry mutex per spec.md §4.B.
func (r *Registry) lookup(url string) (*Source, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sources[url]
	return s, ok
}

func (r *Registry) insert(url string, s *Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[url] = s
}

func (r *Registry) remove(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sources, url)
}

// Open returns the byte source for url: an existing soft-closed entry is
// resurrected in place; otherwise a new source is created, probed for
// size, and registered. Concurrent Open calls for the same URL are
// deduplicated with a singleflight group so only one resurrection/creation
// happens even under a thundering herd of readers for one slide.
func (r *Registry) Open(ctx context.Context, url string) (*Source, error) {
	v, err, _ := r.group.Do(url, func() (interface{}, error) {
		if s, ok := r.lookup(url); ok {
			s.resurrect()
			return s, nil
		}

		opener, scheme := r.openerFor(url)
		if opener == nil {
			return nil, common.NewError(common.CodeOpenFailed, "Open", url, 0,
				fmt.Errorf("no backend registered for scheme %q", scheme))
		}

		var backend Backend
		var size int64
		var lastErr error
		for attempt := 0; attempt < common.RetryTimes; attempt++ {
			backend, lastErr = opener(ctx, url)
			if lastErr != nil {
				continue
			}
			size, lastErr = backend.Size(ctx)
			if lastErr == nil {
				break
			}
			backend.Close()
		}
		if lastErr != nil {
			return nil, common.NewError(common.CodeOpenFailed, "Open", url, 0, lastErr)
		}

		s, err := newSource(r, url, backend, size)
		if err != nil {
			backend.Close()
			return nil, common.NewError(common.CodeOpenFailed, "Open", url, 0, err)
		}
		r.insert(url, s)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Source), nil
}

// Release hard-destroys the byte source for url, tearing down its backend
// and removing it from the registry. It is a no-op if url is unknown,
// matching spec.md §4.A's "fails silently if url unknown".
func (r *Registry) Release(url string) error {
	s, ok := r.lookup(url)
	if !ok {
		return nil
	}
	r.remove(url)
	return s.release()
}

// Shutdown releases every registered source. Intended for process/test
// teardown.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	urls := make([]string, 0, len(r.sources))
	for u := range r.sources {
		urls = append(urls, u)
	}
	r.mu.Unlock()
	for _, u := range urls {
		r.Release(u)
	}
}

func (r *Registry) openerFor(url string) (Opener, string) {
	scheme := schemeOf(url)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.openers[scheme], scheme
}

// schemeOf extracts the "scheme" prefix before "://", or "" if absent.
func schemeOf(url string) string {
	for i := 0; i+2 < len(url); i++ {
		if url[i] == ':' && url[i+1] == '/' && url[i+2] == '/' {
			return url[:i]
		}
		if !isSchemeChar(url[i]) {
			return ""
		}
	}
	return ""
}

func isSchemeChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '+' || c == '-' || c == '.'
}

// Default is the lazily-initialised process-wide registry used by package-
// level Open/Release convenience functions, the way urlio_fopen in the
// original implicitly shared one process-global url_cache.
var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}
