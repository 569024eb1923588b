// Package objutil models Git object identifiers without computing or
// verifying hashes itself: hashing is a collaborator's responsibility
// (spec §1, §3).
package objutil

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// Kind identifies which hash algorithm an ObjectId's bytes were produced
// with. Git repositories are homogeneous in this regard: a repository (and
// therefore a session) uses exactly one Kind throughout.
type Kind int

const (
	// SHA1 identifies 20-byte object ids.
	SHA1 Kind = iota
	// SHA256 identifies 32-byte object ids.
	SHA256
)

// Size returns the byte width of ids of this Kind.
func (k Kind) Size() int {
	switch k {
	case SHA256:
		return 32
	default:
		return 20
	}
}

func (k Kind) String() string {
	switch k {
	case SHA256:
		return "sha256"
	default:
		return "sha1"
	}
}

// ParseKind maps a config/capability value ("sha1"/"sha256") to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "sha1", "":
		return SHA1, nil
	case "sha256":
		return SHA256, nil
	default:
		return 0, fmt.Errorf("objutil: unknown object format %q", s)
	}
}

// ID is an opaque, fixed-width object identifier. The zero value of a given
// width is the "absent" sentinel used for ref creates/deletes (spec §3).
type ID struct {
	kind  Kind
	bytes [32]byte
}

// Zero returns the null id for kind (all-zero bytes).
func Zero(kind Kind) ID {
	return ID{kind: kind}
}

// New builds an ID from raw bytes, whose length must match kind's size.
func New(kind Kind, raw []byte) (ID, error) {
	if len(raw) != kind.Size() {
		return ID{}, fmt.Errorf("objutil: wrong id length for %s: got %d want %d", kind, len(raw), kind.Size())
	}
	var id ID
	id.kind = kind
	copy(id.bytes[:], raw)
	return id, nil
}

// ParseHex decodes a hex-encoded id, inferring its Kind from the string
// length (40 hex chars = SHA1, 64 = SHA256).
func ParseHex(s string) (ID, error) {
	var kind Kind
	switch len(s) {
	case 40:
		kind = SHA1
	case 64:
		kind = SHA256
	default:
		return ID{}, fmt.Errorf("objutil: invalid hex id length %d", len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("objutil: invalid hex id %q: %w", s, err)
	}
	return New(kind, raw)
}

// Kind reports which hash algorithm produced id.
func (id ID) Kind() Kind { return id.kind }

// Bytes returns the id's raw bytes (length == id.Kind().Size()).
func (id ID) Bytes() []byte {
	return append([]byte(nil), id.bytes[:id.kind.Size()]...)
}

// IsZero reports whether id is the "absent" sentinel for its Kind.
func (id ID) IsZero() bool {
	for _, b := range id.bytes[:id.kind.Size()] {
		if b != 0 {
			return false
		}
	}
	return true
}

// String returns the lowercase hex encoding of id.
func (id ID) String() string {
	return hex.EncodeToString(id.bytes[:id.kind.Size()])
}

// Equal reports whether id and other have the same kind and bytes.
func (id ID) Equal(other ID) bool {
	return id.kind == other.kind && bytes.Equal(id.bytes[:id.kind.Size()], other.bytes[:other.kind.Size()])
}

// Compare gives a total, lexicographic order over ids of the same Kind,
// per spec §3. Ids of differing Kind compare by Kind first.
func (id ID) Compare(other ID) int {
	if id.kind != other.kind {
		if id.kind < other.kind {
			return -1
		}
		return 1
	}
	return bytes.Compare(id.bytes[:id.kind.Size()], other.bytes[:other.kind.Size()])
}

// ObjectKind enumerates the four Git object types the Pack Generator and
// Pack Ingestor distinguish (spec §3 PackStats, §4.5 Ordering).
type ObjectKind int

const (
	ObjCommit ObjectKind = iota
	ObjTree
	ObjBlob
	ObjTag
)

func (k ObjectKind) String() string {
	switch k {
	case ObjCommit:
		return "commit"
	case ObjTree:
		return "tree"
	case ObjBlob:
		return "blob"
	case ObjTag:
		return "tag"
	default:
		return "unknown"
	}
}

// Hash is the collaborator interface the implementer supplies for actually
// computing digests; this module never computes a hash itself (spec §1).
type Hash interface {
	// Kind reports which algorithm this Hash instance implements.
	Kind() Kind
	// Sum returns the digest of data as an ID of this Hash's Kind.
	Sum(data []byte) ID
	// NewIncremental returns a streaming hasher for large inputs (e.g. an
	// entire pack's bytes), written to with Write and finalized with Sum.
	NewIncremental() IncrementalHash
}

// IncrementalHash streams data into a digest, for objects and packs too
// large to buffer before hashing (spec §4.5 "Trailer").
type IncrementalHash interface {
	Write(p []byte) (int, error)
	Sum() ID
}
