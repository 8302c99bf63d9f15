// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kdf

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/hxrts/aura-sub026/lib/ids"
)

// IdentityContext names whose key is being derived.
type IdentityContext interface {
	IdentityTag() string
}

// PermissionContext narrows an identity key to one permission.
type PermissionContext interface {
	PermissionTag() string
}

// DeviceEncryption is a device's own encryption key.
type DeviceEncryption struct {
	Device ids.DeviceID
}

func (c DeviceEncryption) IdentityTag() string { return "device:" + c.Device.String() }

// RelationshipKeys is the key shared along one relationship.
type RelationshipKeys struct {
	Relationship []byte
}

func (c RelationshipKeys) IdentityTag() string {
	return "relationship:" + hex.EncodeToString(c.Relationship)
}

// AccountRoot is the root key of an account.
type AccountRoot struct {
	Account ids.AccountID
}

func (c AccountRoot) IdentityTag() string { return "account-root:" + c.Account.String() }

// GuardianKeys is the key a guardian holds for an account.
type GuardianKeys struct {
	Account  ids.AccountID
	Guardian ids.GuardianID
}

func (c GuardianKeys) IdentityTag() string {
	return "guardian:" + c.Account.String() + ":" + c.Guardian.String()
}

// StorageAccess scopes a key to a storage operation on a resource.
type StorageAccess struct {
	Operation string
	Resource  string
}

func (c StorageAccess) PermissionTag() string {
	return "storage:" + c.Operation + ":" + c.Resource
}

// CommunicationScope scopes a key to one kind of messaging within a
// relationship.
type CommunicationScope struct {
	Operation    string
	Relationship string
}

func (c CommunicationScope) PermissionTag() string {
	return "communication:" + c.Operation + ":" + c.Relationship
}

// RelayPermission scopes a key to relaying through one relay.
type RelayPermission struct {
	Relay ids.AuthorityID
}

func (c RelayPermission) PermissionTag() string { return "relay:" + c.Relay.String() }

// Spec pairs an identity with an optional permission and a version.
type Spec struct {
	Identity   IdentityContext
	Permission PermissionContext
	Version    uint32
}

// IdentityOnly returns a Spec with no permission scope.
func IdentityOnly(identity IdentityContext, version uint32) Spec {
	return Spec{Identity: identity, Version: version}
}

// WithPermission returns a Spec scoped to permission.
func WithPermission(identity IdentityContext, permission PermissionContext, version uint32) Spec {
	return Spec{Identity: identity, Permission: permission, Version: version}
}

// Info renders the HKDF info string.
func (s Spec) Info() string {
	var builder strings.Builder
	builder.WriteString("aura:v1:")
	builder.WriteString(s.Identity.IdentityTag())
	if s.Permission != nil {
		builder.WriteByte(':')
		builder.WriteString(s.Permission.PermissionTag())
	}
	builder.WriteString(":v")
	builder.WriteString(strconv.FormatUint(uint64(s.Version), 10))
	return builder.String()
}

// Derive derives length bytes for this spec from root.
func (s Spec) Derive(root []byte, length int) ([]byte, error) {
	return Derive(root, nil, []byte(s.Info()), length)
}

// Rotate returns the spec with the version incremented.
func (s Spec) Rotate() Spec {
	s.Version++
	return s
}
