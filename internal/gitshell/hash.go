package gitshell

import (
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"

	"github.com/github/git-transfer-pack/internal/objutil"
)

// errUnsupportedKind is returned by NewHash for a Kind this adapter does not
// implement.
type errUnsupportedKind objutil.Kind

func (k errUnsupportedKind) Error() string {
	return fmt.Sprintf("gitshell: unsupported hash kind %d", objutil.Kind(k))
}

// Hash adapts the standard library's sha1/sha256 implementations to
// objutil.Hash, giving callers outside this module's protocol packages (the
// object database and pack generator are both caller-supplied collaborators)
// a concrete algorithm to hash objects and packs with.
type Hash struct {
	kind objutil.Kind
	new  func() hash.Hash
}

// NewHash returns the objutil.Hash for kind, or an error if kind is not
// supported.
func NewHash(kind objutil.Kind) (Hash, error) {
	switch kind {
	case objutil.SHA1:
		return Hash{kind: kind, new: sha1.New}, nil
	case objutil.SHA256:
		return Hash{kind: kind, new: sha256.New}, nil
	default:
		return Hash{}, errUnsupportedKind(kind)
	}
}

func (h Hash) Kind() objutil.Kind { return h.kind }

func (h Hash) Sum(data []byte) objutil.ID {
	sum := h.new()
	sum.Write(data)
	id, err := objutil.New(h.kind, sum.Sum(nil))
	if err != nil {
		// sum.Sum(nil) always yields exactly Size() bytes for the
		// Kind this Hash was built with.
		panic(err)
	}
	return id
}

func (h Hash) NewIncremental() objutil.IncrementalHash {
	return &incrementalHash{kind: h.kind, h: h.new()}
}

type incrementalHash struct {
	kind objutil.Kind
	h    hash.Hash
}

func (w *incrementalHash) Write(p []byte) (int, error) { return w.h.Write(p) }

func (w *incrementalHash) Sum() objutil.ID {
	id, err := objutil.New(w.kind, w.h.Sum(nil))
	if err != nil {
		panic(err)
	}
	return id
}

var _ objutil.Hash = Hash{}
