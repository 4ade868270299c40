// Package migration moves an account between personal data servers.
//
// The Orchestrator drives a run through ordered stages: it authenticates at the
// source, resolves the account identity, provisions the destination account with a
// scoped service token, copies the repository, blobs and preferences, moves the
// identity to the destination and finally activates the destination before
// deactivating the source. Every stage records what the destination holds so a
// failed run reports exactly how far it got.
//
// CommandBuilder exposes the orchestrator as the migrate Cobra command.
package migration
