// Package atproto adapts the indigo XRPC client and generated lexicon calls to
// the operations a migration needs against a personal data server: sessions,
// account provisioning, repository and blob transfer, preferences, identity
// operations and account activation. Calls that fail with an expired access
// token are retried once after refreshing the session.
//
// Service tokens issued by one server for another are modeled as ServiceToken
// values that can be redeemed exactly once for the audience and operation they
// were issued for.
package atproto
