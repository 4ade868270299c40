package migration

import (
	"github.com/temirov/pdsmigrate/internal/atproto"
	"github.com/temirov/pdsmigrate/internal/identity"
)

// DestinationState summarizes what the destination server holds when a run stops.
type DestinationState string

// Destination states, in the order a successful run passes through them.
const (
	DestinationUntouched          DestinationState = "untouched"
	DestinationAccountCreated     DestinationState = "account_created"
	DestinationPartiallyPopulated DestinationState = "partially_populated"
	DestinationPopulated          DestinationState = "populated"
	DestinationIdentityBound      DestinationState = "identity_bound"
	DestinationActive             DestinationState = "active"
)

// Session is the mutable state of one run. It is owned by a single Execute call.
type Session struct {
	RunID            string
	Source           AccountClient
	Destination      AccountClient
	ServiceToken     *atproto.ServiceToken
	Stage            Stage
	BlobCursor       string
	TransferredCount int
	Identity         identity.AccountIdentity
	DestinationDID   string
	RecoveryKeyDID   string
	DestinationState DestinationState
}

func newSession(runID string, source AccountClient, destination AccountClient) *Session {
	return &Session{
		RunID:            runID,
		Source:           source,
		Destination:      destination,
		Stage:            StagePending,
		DestinationState: DestinationUntouched,
	}
}

// advance moves the session exactly one stage forward.
func (session *Session) advance(next Stage) error {
	if session.Stage >= StageFinalized || next != session.Stage.Next() {
		return StageOrderError{Current: session.Stage, Requested: next}
	}
	session.Stage = next
	return nil
}
