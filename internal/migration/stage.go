package migration

import "fmt"

const (
	stagePendingNameConstant              = "pending"
	stageAuthenticatedNameConstant        = "authenticated"
	stageIdentityResolvedNameConstant     = "identity_resolved"
	stageAccountProvisionedNameConstant   = "account_provisioned"
	stageRepositoryMigratedNameConstant   = "repository_migrated"
	stageBlobsMigratedNameConstant        = "blobs_migrated"
	stagePreferencesMigratedNameConstant  = "preferences_migrated"
	stageIdentityTransitionedNameConstant = "identity_transitioned"
	stageFinalizedNameConstant            = "finalized"
	stageUnknownTemplateConstant          = "stage(%d)"
	stageOrderErrorTemplateConstant       = "stage %s cannot follow %s"
)

// Stage is one step of the migration. Stages only ever advance, in declaration order.
type Stage int

// Migration stages in execution order.
const (
	StagePending Stage = iota
	StageAuthenticated
	StageIdentityResolved
	StageAccountProvisioned
	StageRepositoryMigrated
	StageBlobsMigrated
	StagePreferencesMigrated
	StageIdentityTransitioned
	StageFinalized
)

var stageNames = map[Stage]string{
	StagePending:              stagePendingNameConstant,
	StageAuthenticated:        stageAuthenticatedNameConstant,
	StageIdentityResolved:     stageIdentityResolvedNameConstant,
	StageAccountProvisioned:   stageAccountProvisionedNameConstant,
	StageRepositoryMigrated:   stageRepositoryMigratedNameConstant,
	StageBlobsMigrated:        stageBlobsMigratedNameConstant,
	StagePreferencesMigrated:  stagePreferencesMigratedNameConstant,
	StageIdentityTransitioned: stageIdentityTransitionedNameConstant,
	StageFinalized:            stageFinalizedNameConstant,
}

// String returns the snake_case stage name used in logs.
func (stage Stage) String() string {
	if name, known := stageNames[stage]; known {
		return name
	}
	return fmt.Sprintf(stageUnknownTemplateConstant, int(stage))
}

// Next returns the stage that follows, or the same stage once finalized.
func (stage Stage) Next() Stage {
	if stage >= StageFinalized {
		return StageFinalized
	}
	return stage + 1
}

// StageOrderError reports an attempt to move the session anywhere but one step forward.
type StageOrderError struct {
	Current   Stage
	Requested Stage
}

// Error describes the rejected transition.
func (orderError StageOrderError) Error() string {
	return fmt.Sprintf(stageOrderErrorTemplateConstant, orderError.Requested, orderError.Current)
}
