// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the configuration of an Aura node.
//
// Configuration comes from exactly one file, named by the AURA_CONFIG
// environment variable ([Load]) or a --config flag ([LoadFile]). There
// is no search path and no per-field environment override: what the
// file says, plus [Default] for anything it omits, is what runs.
//
// Files are YAML. Files ending in .json or .jsonc are also accepted;
// comments and trailing commas are stripped and the result is decoded
// by the same yaml struct tags, since JSON is a subset of YAML.
//
// A file may carry development, staging and production sections. The
// section matching [Config].Environment is decoded over the base
// values after the file loads, so a section only needs the keys it
// changes.
//
// ${HOME}, ${AURA_ROOT} and ${VAR:-default} are expanded in path
// fields. [Config.Validate] reports every problem at once via
// errors.Join.
//
// This package depends on no other Aura packages.
package config
