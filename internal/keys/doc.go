// Package keys generates the P-256 recovery keys registered as rotation keys during
// a did:plc identity transition, using indigo's atproto crypto package for key
// material and did:key rendering.
package keys
