// Package capability implements capability token parsing/formatting and
// the advertised-vs-negotiated admission rule shared by upload-pack and
// receive-pack (spec §4.3).
package capability

import (
	"fmt"
	"sort"
	"strings"
)

// Canonical capability tokens. Names match the wire tokens exactly.
const (
	MultiAck                 = "multi_ack"
	MultiAckDetailed         = "multi_ack_detailed"
	NoDone                   = "no-done"
	ThinPack                 = "thin-pack"
	SideBand                 = "side-band"
	SideBand64k              = "side-band-64k"
	OfsDelta                 = "ofs-delta"
	Agent                    = "agent"
	ObjectFormat             = "object-format"
	Symref                   = "symref"
	Shallow                  = "shallow"
	DeepenSince              = "deepen-since"
	DeepenNot                = "deepen-not"
	DeepenRelative           = "deepen-relative"
	NoProgress               = "no-progress"
	IncludeTag               = "include-tag"
	Filter                   = "filter"
	AllowTipSha1InWant       = "allow-tip-sha1-in-want"
	AllowReachableSha1InWant = "allow-reachable-sha1-in-want"
	AllowAnySha1InWant       = "allow-any-sha1-in-want"
	SessionID                = "session-id"

	ReportStatus   = "report-status"
	ReportStatusV2 = "report-status-v2"
	DeleteRefs     = "delete-refs"
	Quiet          = "quiet"
	Atomic         = "atomic"
	PushOptions    = "push-options"
	PushCert       = "push-cert"
)

// UploadPackAdvertised is the canonical advertisement order for
// upload-pack's v0/v1 capability set (spec §4.3), in Idiomatic mode.
var UploadPackAdvertised = []string{
	MultiAck,
	MultiAckDetailed,
	ThinPack,
	SideBand,
	SideBand64k,
	OfsDelta,
	Shallow,
	DeepenSince,
	DeepenNot,
	DeepenRelative,
	NoProgress,
	IncludeTag,
	Filter,
	AllowTipSha1InWant,
	AllowReachableSha1InWant,
	AllowAnySha1InWant,
	NoDone,
}

// ReceivePackAdvertised is the canonical advertisement order for
// receive-pack's capability set (spec §4.3), in Idiomatic mode.
var ReceivePackAdvertised = []string{
	ReportStatus,
	ReportStatusV2,
	DeleteRefs,
	Quiet,
	Atomic,
	OfsDelta,
	SideBand64k,
	PushOptions,
}

// Token is one parsed capability, either a bare flag ("quiet") or a
// key=value pair ("agent=git/2.40").
type Token struct {
	Name  string
	Value string
	HasEq bool
}

func (t Token) String() string {
	if t.HasEq {
		return t.Name + "=" + t.Value
	}
	return t.Name
}

func parseToken(s string) (Token, error) {
	if s == "" {
		return Token{}, fmt.Errorf("capability: empty token")
	}
	if idx := strings.IndexByte(s, '='); idx >= 0 {
		return Token{Name: s[:idx], Value: s[idx+1:], HasEq: true}, nil
	}
	return Token{Name: s}, nil
}

// Set is an immutable collection of capability tokens, keyed by name.
type Set struct {
	tokens map[string]Token
	order  []string
}

// Parse splits a space-separated capability string (as found after the
// NUL byte on the first ref/want/command line) into a Set.
func Parse(raw []byte) (Set, error) {
	s := strings.TrimRight(string(raw), "\n")
	s = strings.TrimSpace(s)
	set := Set{tokens: map[string]Token{}}
	if s == "" {
		return set, nil
	}
	for _, field := range strings.Fields(s) {
		tok, err := parseToken(field)
		if err != nil {
			return Set{}, err
		}
		if _, dup := set.tokens[tok.Name]; dup {
			return Set{}, fmt.Errorf("capability: duplicate token %q", tok.Name)
		}
		set.tokens[tok.Name] = tok
		set.order = append(set.order, tok.Name)
	}
	return set, nil
}

// NewSet builds a Set programmatically (used by the server to describe its
// own advertised capabilities).
func NewSet(tokens ...Token) Set {
	set := Set{tokens: map[string]Token{}}
	for _, t := range tokens {
		if _, dup := set.tokens[t.Name]; dup {
			continue
		}
		set.tokens[t.Name] = t
		set.order = append(set.order, t.Name)
	}
	return set
}

// Has reports whether name is present, regardless of whether it carries a
// value.
func (s Set) Has(name string) bool {
	_, ok := s.tokens[name]
	return ok
}

// Get returns the token for name, if present.
func (s Set) Get(name string) (Token, bool) {
	t, ok := s.tokens[name]
	return t, ok
}

// Value returns the value of a key=value token, or "" if absent or bare.
func (s Set) Value(name string) string {
	return s.tokens[name].Value
}

// Names returns the token names in the order they were added/parsed.
func (s Set) Names() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// FormatMode selects how Format renders a Set to wire bytes (spec §4.3).
type FormatMode int

const (
	// Idiomatic renders tokens in a fixed, deterministic order (the
	// order of the Advertised slice used to build the Set).
	Idiomatic FormatMode = iota
	// Lexicographic renders tokens sorted by name; used for golden tests
	// that need output stable independent of advertisement-list order.
	Lexicographic
	// StrictUpstreamCompat renders tokens in exactly the order observed
	// in canonical reference servers, for byte-for-byte client parity.
	StrictUpstreamCompat
)

// Format renders set as the space-separated capability string emitted
// after the NUL on a ref/ack/command line.
func Format(set Set, mode FormatMode) string {
	names := set.Names()
	switch mode {
	case Lexicographic:
		sorted := append([]string(nil), names...)
		sort.Strings(sorted)
		names = sorted
	case StrictUpstreamCompat:
		// The canonical reference server emits receive-pack capabilities
		// in exactly ReceivePackAdvertised's order and upload-pack
		// capabilities in UploadPackAdvertised's order; any tokens not in
		// either canonical list (e.g. agent=, session-id=) are appended
		// at the end in parse order, matching observed client tolerance.
		names = reorderCanonical(names)
	case Idiomatic:
		// names is already in insertion order, which callers are expected
		// to construct via the canonical Advertised slices.
	}

	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, set.tokens[n].String())
	}
	return strings.Join(parts, " ")
}

func reorderCanonical(names []string) []string {
	canonicalIndex := map[string]int{}
	for i, n := range append(append([]string(nil), UploadPackAdvertised...), ReceivePackAdvertised...) {
		if _, ok := canonicalIndex[n]; !ok {
			canonicalIndex[n] = i
		}
	}
	out := append([]string(nil), names...)
	sort.SliceStable(out, func(i, j int) bool {
		ci, oki := canonicalIndex[out[i]]
		cj, okj := canonicalIndex[out[j]]
		switch {
		case oki && okj:
			return ci < cj
		case oki:
			return true
		case okj:
			return false
		default:
			return false
		}
	})
	return out
}

// IsSafeValue reports whether val is safe to place in a key=value
// capability (no space/CR/LF/tab), per spec §4.3's agent= validation and
// the teacher's IsSafeCapabilityValue.
func IsSafeValue(val string) bool {
	for _, b := range []byte(val) {
		switch b {
		case ' ', '\r', '\n', '\t':
			return false
		}
	}
	return true
}

// Advertisement models the server's full advertised set, from which
// Negotiate admits a client-sent Set.
type Advertisement struct {
	advertised Set
}

// NewAdvertisement builds an Advertisement from the server's advertised
// tokens.
func NewAdvertisement(tokens ...Token) Advertisement {
	return Advertisement{advertised: NewSet(tokens...)}
}

// Advertised returns the underlying advertised Set.
func (a Advertisement) Advertised() Set {
	return a.advertised
}

// Negotiate admits the subset of client that the server actually
// advertised, per spec §4.3's admission rule: a client token or its
// key (for key=value capabilities) must appear in the advertised set.
// Rejected tokens are returned separately so the caller can decide how to
// react (reject the session, or silently ignore, depending on protocol
// version).
func (a Advertisement) Negotiate(client Set) (negotiated Set, rejected []string) {
	negotiated = Set{tokens: map[string]Token{}}
	for _, name := range client.Names() {
		tok := client.tokens[name]
		if !a.advertised.Has(tok.Name) {
			rejected = append(rejected, name)
			continue
		}
		if tok.HasEq && tok.Name == Agent && !IsSafeValue(tok.Value) {
			rejected = append(rejected, name)
			continue
		}
		negotiated.tokens[name] = tok
		negotiated.order = append(negotiated.order, name)
	}
	return negotiated, rejected
}
