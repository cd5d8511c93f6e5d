// Package version names the engine's protocol-facing version string.
package version

// Engine is the engine_version recorded in every repro and mixed into the
// default seed (spec.md §6). It is not sent on the wire: protocol commands
// carry the adapter manifest's protocol_version instead.
const Engine = "1.0.0"
