// Package operator supplies the human side of a migration: prompting for
// endpoints and credentials, confirming irreversible steps, and revealing a
// generated recovery key exactly once.
//
// Terminal drives an interactive console; Scripted answers from a YAML file for
// unattended rehearsals. Passwords may also come from env: or file: sources.
package operator
