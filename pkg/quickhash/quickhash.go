// Package quickhash computes the "quickhash-1" property: a SHA-256 over
// a small, vendor-chosen subset of a slide's bytes and metadata, cheap
// enough to compute at open time and stable enough to use as a content
// fingerprint without hashing an entire multi-gigabyte file.
package quickhash

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"hash"

	"github.com/huangch/openremoteslide/pkg/byteio"
)

const chunkSize = 4096

// Hash accumulates bytes into a running SHA-256 state. Once Disable has
// been called, every further Update* call is a silent no-op and
// GetString reports unavailability — matching the "hash disabled is
// terminal" rule vendor drivers use when a quickhash input turns out to
// be unreadable partway through.
type Hash struct {
	h        hash.Hash
	disabled bool
}

// New starts a fresh hash.
func New() *Hash {
	return &Hash{h: sha256.New()}
}

// Disable permanently poisons the hash: it can never become available
// again, even if later Update* calls would have succeeded.
func (q *Hash) Disable() {
	q.disabled = true
}

// Disabled reports whether the hash has been poisoned.
func (q *Hash) Disabled() bool { return q.disabled }

// UpdateData feeds raw bytes into the hash.
func (q *Hash) UpdateData(data []byte) {
	if q.disabled {
		return
	}
	q.h.Write(data)
}

// UpdateString feeds a string plus its terminating NUL into the hash,
// matching the original engine's behavior of including a
// distinguishing terminator between successive string properties.
func (q *Hash) UpdateString(s string) {
	if q.disabled {
		return
	}
	q.h.Write([]byte(s))
	q.h.Write([]byte{0})
}

// UpdateFileRange reads length bytes starting at offset from src and
// feeds them into the hash, in chunkSize pieces so it never needs to
// materialize the whole range at once. length == -1 means "to end of
// file". Any read error disables the hash rather than returning it to
// the caller, since a partial quickhash is worse than none.
func (q *Hash) UpdateFileRange(ctx context.Context, src *byteio.Source, offset, length int64) {
	if q.disabled {
		return
	}
	if length < 0 {
		length = src.Size() - offset
	}
	if length <= 0 {
		return
	}

	buf := make([]byte, chunkSize)
	remaining := length
	pos := offset
	for remaining > 0 {
		want := int64(chunkSize)
		if remaining < want {
			want = remaining
		}
		n, err := src.ReadAt(ctx, pos, buf[:want])
		if n > 0 {
			q.h.Write(buf[:n])
		}
		if err != nil || int64(n) < want {
			q.Disable()
			return
		}
		pos += int64(n)
		remaining -= int64(n)
	}
}

// GetString returns the lowercase hex digest, or "", false if the hash
// was ever disabled.
func (q *Hash) GetString() (string, bool) {
	if q.disabled {
		return "", false
	}
	return hex.EncodeToString(q.h.Sum(nil)), true
}
