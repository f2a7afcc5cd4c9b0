// Package tiffpool implements the TIFF handle pool (Component C): a
// per-slide bounded LIFO of reusable directory-chain handles built on top
// of pkg/byteio, plus the per-read-reopen adapter that reopens the file's
// byteio.Source through the registry for every TIFF-level read, following the original
// engine's fd-hygiene device (spec.md §9, "fopen per inner read").
package tiffpool

import (
	"container/list"
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/huangch/openremoteslide/pkg/byteio"
	"github.com/huangch/openremoteslide/pkg/common"
	"github.com/huangch/openremoteslide/pkg/metrics"
	"github.com/huangch/openremoteslide/pkg/tifflike"
)

// reopeningReader implements tifflike.RandomReader by opening the file's
// byteio.Source from the registry for every call and soft-closing it
// immediately after — the deliberate per-read reopen pattern. Each Open
// resurrects the one Source the registry holds for the filename (cursor
// reset, block cache cleared); the Source and its backend (file handle
// or HTTP client) stay registered between calls until the registry
// releases them.
type reopeningReader struct {
	registry *byteio.Registry
	filename string
}

func (r *reopeningReader) ReadAt(ctx context.Context, offset int64, dst []byte) (int, error) {
	src, err := r.registry.Open(ctx, r.filename)
	if err != nil {
		return 0, common.NewError(common.CodeIOFailed, "tiffpool.ReadAt", r.filename, offset, err)
	}
	defer src.Close()

	n, err := src.ReadAt(ctx, offset, dst)
	if err != nil {
		return n, common.NewError(common.CodeIOFailed, "tiffpool.ReadAt", r.filename, offset, err)
	}
	return n, nil
}

// Handle is one checked-out TIFF reader: the parsed directory chain plus
// an owner token used to detect the "no handle used by two goroutines
// simultaneously" invariant (spec.md §8 S5) in tests.
type Handle struct {
	ID       uuid.UUID
	File     *tifflike.File
	Filename string

	pool   *Pool
	reader *reopeningReader

	mu    sync.Mutex
	owner uuid.UUID // set while checked out by a reader; tests may poke at this
}

// Reader returns the tifflike.RandomReader this handle's directory chain
// was parsed from; pkg/tiledecode reads each tile's compressed bytes
// through it.
func (h *Handle) Reader() tifflike.RandomReader { return h.reader }

// Pool is a bounded, thread-safe pool of Handles for one slide file,
// matching spec.md §4.C exactly: a LIFO idle queue capped at
// common.HandleCacheMax, an outstanding counter, and a single mutex.
type Pool struct {
	filename string
	registry *byteio.Registry

	mu          sync.Mutex
	idle        *list.List // of *Handle, LIFO: back is top
	outstanding int
}

// New records the filename; it does no I/O, matching spec.md's
// create(filename) operation.
func New(registry *byteio.Registry, filename string) *Pool {
	return &Pool{filename: filename, registry: registry, idle: list.New()}
}

// Checkout pops an idle handle if one exists; otherwise it builds a new
// one by validating the TIFF/BigTIFF magic and parsing the directory
// chain through a fresh per-read reopen adapter, which the handle keeps
// for its later reads. No separate probe source is opened.
func (p *Pool) Checkout(ctx context.Context) (*Handle, error) {
	p.mu.Lock()
	if e := p.idle.Back(); e != nil {
		p.idle.Remove(e)
		p.outstanding++
		h := e.Value.(*Handle)
		p.reportGaugesLocked()
		p.mu.Unlock()
		h.mu.Lock()
		h.owner = uuid.New()
		h.mu.Unlock()
		return h, nil
	}
	p.outstanding++
	p.reportGaugesLocked()
	p.mu.Unlock()

	reader := &reopeningReader{registry: p.registry, filename: p.filename}
	file, err := tifflike.Open(ctx, p.filename, reader)
	if err != nil {
		p.mu.Lock()
		p.outstanding--
		p.reportGaugesLocked()
		p.mu.Unlock()
		return nil, err
	}

	h := &Handle{
		ID:       uuid.New(),
		File:     file,
		Filename: p.filename,
		pool:     p,
		reader:   reader,
		owner:    uuid.New(),
	}
	return h, nil
}

// Return pushes the handle back onto the idle queue if there is room,
// else discards it (closing nothing further, since a Handle holds no
// persistent byte source).
func (p *Pool) Return(h *Handle) {
	h.mu.Lock()
	h.owner = uuid.Nil
	h.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.outstanding--
	if p.idle.Len() < common.HandleCacheMax {
		p.idle.PushBack(h)
	}
	p.reportGaugesLocked()
}

// reportGaugesLocked publishes the current outstanding/idle counts to
// the process-wide metrics collector. Callers must hold p.mu.
func (p *Pool) reportGaugesLocked() {
	metrics.Global.SetHandlePoolGauges(p.outstanding, p.idle.Len())
}

// Outstanding returns the number of handles currently checked out.
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding
}

// IdleLen returns the current idle-queue length, for the handle-pool-cap
// invariant (spec.md §8 invariant 4).
func (p *Pool) IdleLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idle.Len()
}

// Destroy drops every idle handle. It is the caller's responsibility to
// ensure Outstanding() == 0 first; Destroy does not block waiting for
// checked-out handles to return.
func (p *Pool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idle.Init()
}
