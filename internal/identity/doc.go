// Package identity resolves handles and DIDs to the account identity used by the
// migration: the DID, its method, and the personal data server the DID document
// currently declares.
//
// Resolution goes through indigo's identity directory. Rotation keys held by the
// PLC directory are read from the operation data endpoint, which the directory
// does not expose.
package identity
