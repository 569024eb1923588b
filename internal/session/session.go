// Package session models the Session Context (spec §3 SessionContext,
// §4 "every operation reads its limits and policy from a SessionContext
// resolved once at connection start"): per-request limits and toggles
// resolved from configuration, plus the identifying fields threaded
// through logging and tracing.
package session

import (
	"fmt"

	"github.com/github/go-kvp/kvp"

	"github.com/github/git-transfer-pack/internal/config"
	"github.com/github/git-transfer-pack/internal/objutil"
)

// Protocol identifies which wire protocol version a session negotiated
// (spec §4.3/§4.4).
type Protocol int

const (
	ProtocolV0 Protocol = iota
	ProtocolV1
	ProtocolV2
)

func (p Protocol) String() string {
	switch p {
	case ProtocolV0:
		return "v0"
	case ProtocolV1:
		return "v1"
	case ProtocolV2:
		return "v2"
	default:
		return "unknown"
	}
}

// Limits bundles every numeric ceiling this module enforces, each
// resolved from configuration with a zero value meaning "unbounded"
// (grounded on the teacher's getRefUpdateCommandLimit/
// getPushOptionsCountLimit/getMaxInputSize/getWarnObjectSize).
type Limits struct {
	// MaxInputSize bounds the size in bytes of an incoming pack stream
	// (spec §4.6 Resource guard).
	MaxInputSize int64
	// WarnObjectSize logs (but does not reject) objects at or above this
	// size.
	WarnObjectSize int64
	// RefUpdateCommandLimit bounds how many ref update commands a single
	// receive-pack session may send (spec §4.9).
	RefUpdateCommandLimit int64
	// PushOptionsCountLimit bounds how many push-options a client may
	// send (spec §4.8).
	PushOptionsCountLimit int64
}

// ResolveLimits reads every Limits field from src, following the
// teacher's resolution order: config value if set, else a zero
// ("unbounded") default.
func ResolveLimits(src config.Source) (Limits, error) {
	var l Limits
	var err error

	if l.MaxInputSize, err = getSigned(src, "receive.maxsize"); err != nil {
		return Limits{}, fmt.Errorf("session: receive.maxsize: %w", err)
	}
	if l.WarnObjectSize, err = getSigned(src, "receive.warnobjectsize"); err != nil {
		return Limits{}, fmt.Errorf("session: receive.warnobjectsize: %w", err)
	}
	if l.RefUpdateCommandLimit, err = getSigned(src, "receive.refupdatecommandlimit"); err != nil {
		return Limits{}, fmt.Errorf("session: receive.refupdatecommandlimit: %w", err)
	}
	if l.PushOptionsCountLimit, err = getSigned(src, "receive.pushoptionscountlimit"); err != nil {
		return Limits{}, fmt.Errorf("session: receive.pushoptionscountlimit: %w", err)
	}
	return l, nil
}

func getSigned(src config.Source, key string) (int64, error) {
	v, ok := src.Get(key)
	if !ok || v == "" {
		return 0, nil
	}
	return config.ParseSigned(v)
}

// Policy bundles the boolean/enum toggles a session reads once from
// configuration at connect time, as distinct from numeric Limits.
type Policy struct {
	// ReportStatusFastForwardOnly mirrors receive.reportStatusFF. It is
	// only parsed here; receivepack.WriteReport does not consult it, so
	// report-status lines carry no fast-forward annotation.
	ReportStatusFastForwardOnly bool
	// FsckObjects enables connectivity/fsck-style validation of an
	// incoming pack (spec §4.6, §4.10).
	FsckObjects bool
	// FsckSkipList names object ids fsck should not flag even if
	// otherwise invalid (receive.fsck.skipList equivalent).
	FsckSkipList []objutil.ID
}

// ResolvePolicy reads Policy fields from src.
func ResolvePolicy(src config.Source) Policy {
	var p Policy
	if v, ok := src.Get("receive.reportstatusff"); ok {
		p.ReportStatusFastForwardOnly = config.ParseBool(v)
	}
	if v, ok := src.Get("receive.fsckobjects"); ok {
		p.FsckObjects = config.ParseBool(v)
	} else if v, ok := src.Get("transfer.fsckobjects"); ok {
		p.FsckObjects = config.ParseBool(v)
	}
	return p
}

// Context is the resolved, immutable session state every state machine
// operation (upload-pack or receive-pack) reads from (spec §3
// SessionContext).
type Context struct {
	// ID uniquely identifies this session for logging/tracing (spec §4
	// SessionID capability echoes this when the client supplies one).
	ID string
	// Protocol is the negotiated wire protocol version.
	Protocol Protocol
	// ObjectFormat is the hash algorithm this repository uses.
	ObjectFormat objutil.Kind
	// Limits is the resolved set of numeric ceilings.
	Limits Limits
	// Policy is the resolved set of boolean/enum toggles.
	Policy Policy
	// Agent is the client-supplied agent= capability value, if any.
	Agent string
}

// New resolves a full Context from src (spec §3 "resolved once at
// connection start").
func New(id string, protocol Protocol, objectFormat objutil.Kind, src config.Source, agent string) (Context, error) {
	limits, err := ResolveLimits(src)
	if err != nil {
		return Context{}, err
	}
	return Context{
		ID:           id,
		Protocol:     protocol,
		ObjectFormat: objectFormat,
		Limits:       limits,
		Policy:       ResolvePolicy(src),
		Agent:        agent,
	}, nil
}

// Fields renders the session's identifying attributes as structured
// logging fields, matching the teacher's convention of tagging every log
// line with kvp fields rather than interpolating them into the message.
func (c Context) Fields() []kvp.Field {
	return []kvp.Field{
		kvp.String("session_id", c.ID),
		kvp.String("protocol", c.Protocol.String()),
		kvp.String("object_format", c.ObjectFormat.String()),
	}
}
