// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package capability implements Aura's authorization tokens.
//
// A [Capability] names a resource, a set of permissions, a scope and an
// expiry. Capabilities form a meet-semilattice: [Capability.Meet]
// returns the most permissive capability both inputs allow, and a
// holds at least everything b allows exactly when a.Meet(b) == b. The
// zero Capability is the bottom element and allows nothing.
//
// A [Token] carries a capability to a subject device. Root tokens are
// signed by the account key; a delegated token is signed by its
// parent's subject and its effective capability is the meet of its own
// capability with the parent's effective one, so delegation can only
// narrow what a chain of tokens allows. The [Store] verifies chains,
// tracks revocation and answers which capabilities a device holds now.
package capability

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/ids"
)

var (
	ErrMissingCapability    = failure.New(failure.AuthorizationDenied, "capability: missing capability")
	ErrAttenuationViolation = failure.New(failure.AuthorizationDenied, "capability: delegation exceeds parent")
	ErrExpired              = failure.New(failure.AuthorizationDenied, "capability: token expired")
	ErrRevoked              = failure.New(failure.AuthorizationDenied, "capability: token revoked")
	ErrUnknownParent        = failure.New(failure.AuthorizationDenied, "capability: parent token unknown")
	ErrBadSignature         = failure.New(failure.Crypto, "capability: invalid token signature")
	ErrMalformedToken       = failure.New(failure.InvalidInput, "capability: malformed token")
)

// Well-known permissions checked by Aura's protocols.
const (
	PermissionAll         = "*"
	PermissionTreePropose = "tree:propose"
	PermissionTreeWitness = "tree:witness"
	PermissionMessageSend = "message:send"
	PermissionSyncPull    = "sync:pull"
	PermissionSyncPush    = "sync:push"
	PermissionDiscovery   = "discovery:announce"
	PermissionRecovery    = "recovery:approve"
)

// ResourceKind tags a Resource.
type ResourceKind uint8

const (
	ResourceNone ResourceKind = iota
	ResourceChunk
	ResourceSession
	ResourceAccount
	ResourceDevice
	ResourceProtocol
	ResourceCustom
	// ResourceAny matches every resource.
	ResourceAny
)

func (k ResourceKind) String() string {
	switch k {
	case ResourceNone:
		return "none"
	case ResourceChunk:
		return "chunk"
	case ResourceSession:
		return "session"
	case ResourceAccount:
		return "account"
	case ResourceDevice:
		return "device"
	case ResourceProtocol:
		return "protocol"
	case ResourceCustom:
		return "custom"
	case ResourceAny:
		return "any"
	default:
		return fmt.Sprintf("resource(%d)", uint8(k))
	}
}

// Resource is what a capability applies to. An empty Name matches
// every resource of the kind.
type Resource struct {
	Kind ResourceKind
	Name string
}

func (r Resource) String() string {
	if r.Kind == ResourceAny || r.Kind == ResourceNone {
		return r.Kind.String()
	}
	if r.Name == "" {
		return r.Kind.String() + ":*"
	}
	return r.Kind.String() + ":" + r.Name
}

func (r Resource) meet(other Resource) Resource {
	switch {
	case r.Kind == ResourceNone || other.Kind == ResourceNone:
		return Resource{}
	case r.Kind == ResourceAny:
		return other
	case other.Kind == ResourceAny:
		return r
	case r.Kind != other.Kind:
		return Resource{}
	case r.Name == other.Name || other.Name == "":
		return r
	case r.Name == "":
		return other
	default:
		return Resource{}
	}
}

// ScopeKind tags a Scope. Read is below Write, and every scope is
// below Admin.
type ScopeKind uint8

const (
	ScopeNone ScopeKind = iota
	ScopeRead
	ScopeWrite
	ScopeExecute
	ScopeAdmin
	ScopeCustom
)

// Scope is the class of access a capability grants.
type Scope struct {
	Kind   ScopeKind
	Custom string
}

var (
	Read    = Scope{Kind: ScopeRead}
	Write   = Scope{Kind: ScopeWrite}
	Execute = Scope{Kind: ScopeExecute}
	Admin   = Scope{Kind: ScopeAdmin}
)

// CustomScope returns an application-defined scope.
func CustomScope(name string) Scope { return Scope{Kind: ScopeCustom, Custom: name} }

func (s Scope) String() string {
	switch s.Kind {
	case ScopeNone:
		return "none"
	case ScopeRead:
		return "read"
	case ScopeWrite:
		return "write"
	case ScopeExecute:
		return "execute"
	case ScopeAdmin:
		return "admin"
	case ScopeCustom:
		return "custom:" + s.Custom
	default:
		return fmt.Sprintf("scope(%d)", uint8(s.Kind))
	}
}

func (s Scope) meet(other Scope) Scope {
	switch {
	case s == other:
		return s
	case s.Kind == ScopeAdmin:
		return other
	case other.Kind == ScopeAdmin:
		return s
	case s.Kind == ScopeWrite && other.Kind == ScopeRead,
		s.Kind == ScopeRead && other.Kind == ScopeWrite:
		return Read
	default:
		return Scope{}
	}
}

// Expiry bounds when a capability is usable. AtMs zero means no
// deadline; a zero Session means not tied to a session.
type Expiry struct {
	AtMs    uint64
	Session ids.SessionID
	// Contradictory marks the meet of two different session bounds,
	// which no instant satisfies.
	Contradictory bool
}

func (e Expiry) meet(other Expiry) Expiry {
	out := Expiry{Contradictory: e.Contradictory || other.Contradictory}
	switch {
	case e.AtMs == 0:
		out.AtMs = other.AtMs
	case other.AtMs == 0:
		out.AtMs = e.AtMs
	default:
		out.AtMs = min(e.AtMs, other.AtMs)
	}
	switch {
	case e.Session.IsZero():
		out.Session = other.Session
	case other.Session.IsZero() || e.Session == other.Session:
		out.Session = e.Session
	default:
		out.Contradictory = true
	}
	if out.Contradictory {
		return Expiry{Contradictory: true}
	}
	return out
}

// Live reports whether the bound admits nowMs. ended reports whether
// a session has finished; nil means no session has.
func (e Expiry) Live(nowMs uint64, ended func(ids.SessionID) bool) bool {
	if e.Contradictory {
		return false
	}
	if e.AtMs != 0 && nowMs >= e.AtMs {
		return false
	}
	if !e.Session.IsZero() && ended != nil && ended(e.Session) {
		return false
	}
	return true
}

// Capability is one grant. Build values with New so the permission
// set is canonical.
type Capability struct {
	Resource    Resource
	Permissions []string
	Scope       Scope
	Expiry      Expiry
}

// New returns a capability with a canonical permission set: sorted,
// deduplicated, and collapsed to "*" when it contains "*".
func New(resource Resource, scope Scope, permissions ...string) Capability {
	return Capability{Resource: resource, Permissions: canonicalPermissions(permissions), Scope: scope}.normalize()
}

// All is the top element.
func All() Capability {
	return New(Resource{Kind: ResourceAny}, Admin, PermissionAll)
}

func canonicalPermissions(permissions []string) []string {
	if slices.Contains(permissions, PermissionAll) {
		return []string{PermissionAll}
	}
	out := slices.Clone(permissions)
	slices.Sort(out)
	return slices.Compact(out)
}

// IsEmpty reports whether c is the bottom element.
func (c Capability) IsEmpty() bool {
	return c.Resource.Kind == ResourceNone || c.Scope.Kind == ScopeNone ||
		len(c.Permissions) == 0 || c.Expiry.Contradictory
}

func (c Capability) normalize() Capability {
	if c.IsEmpty() {
		return Capability{}
	}
	return c
}

// Meet returns the greatest capability that both c and other allow.
// Meet is commutative, associative and idempotent.
func (c Capability) Meet(other Capability) Capability {
	return Capability{
		Resource:    c.Resource.meet(other.Resource),
		Permissions: meetPermissions(c.Permissions, other.Permissions),
		Scope:       c.Scope.meet(other.Scope),
		Expiry:      c.Expiry.meet(other.Expiry),
	}.normalize()
}

func meetPermissions(a, b []string) []string {
	switch {
	case slices.Equal(a, []string{PermissionAll}):
		return slices.Clone(b)
	case slices.Equal(b, []string{PermissionAll}):
		return slices.Clone(a)
	}
	var out []string
	for _, permission := range a {
		if _, found := slices.BinarySearch(b, permission); found {
			out = append(out, permission)
		}
	}
	return out
}

// Equal reports whether c and other are the same lattice element.
func (c Capability) Equal(other Capability) bool {
	return c.Resource == other.Resource && c.Scope == other.Scope &&
		c.Expiry == other.Expiry && slices.Equal(c.Permissions, other.Permissions)
}

// Implies reports whether c allows everything other allows, including
// a lifetime at least as long.
func (c Capability) Implies(other Capability) bool {
	return c.Meet(other).Equal(other.normalize())
}

// Grants reports whether c allows required, ignoring expiry. Callers
// check liveness separately with Expiry.Live.
func (c Capability) Grants(required Capability) bool {
	c.Expiry = Expiry{}
	required.Expiry = Expiry{}
	return c.Implies(required)
}

func (c Capability) String() string {
	if c.IsEmpty() {
		return "none"
	}
	return fmt.Sprintf("%s[%s]@%s", c.Scope, strings.Join(c.Permissions, ","), c.Resource)
}

// Compare orders capabilities for stable listings.
func (c Capability) Compare(other Capability) int {
	if r := cmp.Compare(c.Resource.Kind, other.Resource.Kind); r != 0 {
		return r
	}
	if r := cmp.Compare(c.Resource.Name, other.Resource.Name); r != 0 {
		return r
	}
	if r := cmp.Compare(c.Scope.Kind, other.Scope.Kind); r != 0 {
		return r
	}
	if r := cmp.Compare(c.Scope.Custom, other.Scope.Custom); r != 0 {
		return r
	}
	return slices.Compare(c.Permissions, other.Permissions)
}

// Set is the capabilities a caller holds.
type Set []Capability

// Grants reports whether some member grants required.
func (s Set) Grants(required Capability) bool {
	for _, held := range s {
		if held.Grants(required) {
			return true
		}
	}
	return false
}

// Meet returns the pairwise meets of s and other with empty results
// dropped.
func (s Set) Meet(other Set) Set {
	var out Set
	for _, a := range s {
		for _, b := range other {
			if met := a.Meet(b); !met.IsEmpty() {
				out = append(out, met)
			}
		}
	}
	slices.SortFunc(out, Capability.Compare)
	return slices.CompactFunc(out, Capability.Equal)
}
