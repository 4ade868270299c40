package migration_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/temirov/pdsmigrate/internal/atproto"
	"github.com/temirov/pdsmigrate/internal/identity"
	"github.com/temirov/pdsmigrate/internal/migration"
	"github.com/temirov/pdsmigrate/internal/migration/testsupport"
	"github.com/temirov/pdsmigrate/internal/operator"
)

const (
	testSubtestTemplateConstant        = "%d_%s"
	testSourceNameConstant             = "source"
	testDestinationNameConstant        = "destination"
	testSourceEndpointConstant         = "https://source.example.com"
	testDestinationEndpointConstant    = "https://destination.example.com"
	testSourceServerDIDConstant        = "did:web:source.example.com"
	testDestinationServerDIDConstant   = "did:web:destination.example.com"
	testPlcAccountDIDConstant          = "did:plc:ewvi7nxzyoun6zhxrhs64oiz"
	testWebAccountDIDConstant          = "did:web:alice.example.org"
	testUnsupportedAccountDIDConstant  = "did:example:alice"
	testHandleConstant                 = "alice.example.org"
	testEmailConstant                  = "alice@example.org"
	testSourcePasswordConstant         = "source-secret"
	testDestinationPasswordConstant    = "destination-secret"
	testChallengeTokenConstant         = "ABCDE-12345"
	testRunIDConstant                  = "run-0001"
	testArchiveConstant                = "car-archive-bytes"
	testExistingRotationKeyConstant    = "did:key:zQ3shExistingRotationKey"
	testRecommendedRotationKeyConstant = "did:key:zQ3shDestinationRotationKey"
	testBlobContentIDTemplateConstant  = "bafkrei-blob-%03d"
	testBlobDataTemplateConstant       = "blob payload %03d"
	testPreferenceConstant             = `{"$type":"app.bsky.actor.defs#adultContentPref","enabled":false}`
	testRecommendedServicesConstant    = `{"atproto_pds":{"type":"AtprotoPersonalDataServer","endpoint":"https://destination.example.com"}}`
	testRecommendedMethodsConstant     = `{"atproto":"did:key:zQ3shSigningKey"}`
	testRecoveryKeyPrefixConstant      = "did:key:zDnae"
	testPrivateKeyPrefixConstant       = "z"
)

type migrationFixture struct {
	log         *testsupport.CallLog
	directory   *testsupport.Directory
	source      *testsupport.AccountServerStub
	destination *testsupport.AccountServerStub
	resolver    *testsupport.ResolverStub
	operator    *testsupport.RecordingOperator
	stages      *testsupport.StageRecorder
	settings    migration.RunSettings
}

func newMigrationFixture(did string, blobCount int) *migrationFixture {
	callLog := &testsupport.CallLog{}
	directory := &testsupport.Directory{
		DID:          did,
		Handle:       testHandleConstant,
		Endpoint:     testSourceEndpointConstant,
		RotationKeys: []string{testExistingRotationKeyConstant},
	}

	blobs := make([]testsupport.Blob, 0, blobCount)
	for blobIndex := 1; blobIndex <= blobCount; blobIndex++ {
		blobs = append(blobs, testsupport.Blob{
			ContentID: fmt.Sprintf(testBlobContentIDTemplateConstant, blobIndex),
			Data:      []byte(fmt.Sprintf(testBlobDataTemplateConstant, blobIndex)),
		})
	}

	source := &testsupport.AccountServerStub{
		Name:          testSourceNameConstant,
		EndpointURL:   testSourceEndpointConstant,
		ServerDID:     testSourceServerDIDConstant,
		AccountDID:    did,
		AccountHandle: testHandleConstant,
		Password:      testSourcePasswordConstant,
		Archive:       []byte(testArchiveConstant),
		Blobs:         blobs,
		Preferences:   atproto.Preferences{[]byte(testPreferenceConstant)},
		Directory:     directory,
		Log:           callLog,
	}
	destination := &testsupport.AccountServerStub{
		Name:        testDestinationNameConstant,
		EndpointURL: testDestinationEndpointConstant,
		ServerDID:   testDestinationServerDIDConstant,
		Credentials: atproto.Credentials{
			AlsoKnownAs:         []string{"at://" + testHandleConstant},
			RotationKeys:        []string{testRecommendedRotationKeyConstant},
			Services:            []byte(testRecommendedServicesConstant),
			VerificationMethods: []byte(testRecommendedMethodsConstant),
		},
		Directory: directory,
		Log:       callLog,
	}

	settings := migration.DefaultRunSettings()
	settings.BlobPageSize = 100

	return &migrationFixture{
		log:         callLog,
		directory:   directory,
		source:      source,
		destination: destination,
		resolver:    &testsupport.ResolverStub{Directory: directory, Log: callLog},
		operator: &testsupport.RecordingOperator{
			Answers: map[string]string{operator.IdentityTokenQuestion: testChallengeTokenConstant},
			Confirmations: map[string][]bool{
				operator.RecoveryKeySavedConfirmation:   {true},
				operator.WebDocumentUpdatedConfirmation: {true},
				operator.FinalizeConfirmation:           {true},
			},
			Log: callLog,
		},
		stages:   &testsupport.StageRecorder{},
		settings: settings,
	}
}

func (fixture *migrationFixture) execute(testInstance *testing.T, logger *zap.Logger) (migration.MigrationResult, error) {
	testInstance.Helper()
	if logger == nil {
		logger = zap.NewNop()
	}
	orchestrator, orchestratorError := migration.NewOrchestrator(migration.Dependencies{
		Logger:   logger,
		Resolver: fixture.resolver,
		Operator: fixture.operator,
		Observer: fixture.stages,
	})
	require.NoError(testInstance, orchestratorError)

	return orchestrator.Execute(context.Background(), migration.MigrationOptions{
		RunID:       testRunIDConstant,
		Source:      fixture.source,
		Destination: fixture.destination,
		Credentials: migration.SourceCredentials{
			Identifier: testHandleConstant,
			Password:   testSourcePasswordConstant,
		},
		Account: migration.DestinationAccount{
			Email:    testEmailConstant,
			Handle:   testHandleConstant,
			Password: testDestinationPasswordConstant,
		},
		Settings: fixture.settings,
	})
}

func allStages() []migration.Stage {
	return []migration.Stage{
		migration.StageAuthenticated,
		migration.StageIdentityResolved,
		migration.StageAccountProvisioned,
		migration.StageRepositoryMigrated,
		migration.StageBlobsMigrated,
		migration.StagePreferencesMigrated,
		migration.StageIdentityTransitioned,
		migration.StageFinalized,
	}
}

func TestOrchestratorMigratesPlcAccount(testInstance *testing.T) {
	fixture := newMigrationFixture(testPlcAccountDIDConstant, 3)
	observerCore, observedLogs := observer.New(zap.InfoLevel)

	result, executionError := fixture.execute(testInstance, zap.New(observerCore))
	require.NoError(testInstance, executionError)

	require.Equal(testInstance, migration.StageFinalized, result.CompletedStage)
	require.Equal(testInstance, migration.DestinationActive, result.DestinationState)
	require.Equal(testInstance, identity.MethodPlc, result.Method)
	require.Equal(testInstance, testPlcAccountDIDConstant, result.DID)
	require.Equal(testInstance, testRunIDConstant, result.RunID)
	require.Equal(testInstance, 3, result.TransferredBlobs)
	require.True(testInstance, result.SourceDeactivated)
	require.True(testInstance, strings.HasPrefix(result.RecoveryKeyDID, testRecoveryKeyPrefixConstant))

	require.Equal(testInstance, allStages(), fixture.stages.Started)
	require.Equal(testInstance, allStages(), fixture.stages.Completed)
	require.Empty(testInstance, fixture.stages.Failed)

	require.Equal(testInstance, []byte(testArchiveConstant), fixture.destination.ImportedArchive)
	require.Equal(testInstance, fixture.source.Preferences, fixture.destination.StoredPreferences)
	require.Len(testInstance, fixture.destination.CreatedAccounts, 1)
	require.Equal(testInstance, testPlcAccountDIDConstant, fixture.destination.CreatedAccounts[0].DID)
	require.Equal(testInstance, testEmailConstant, fixture.destination.CreatedAccounts[0].Email)

	require.Len(testInstance, fixture.operator.Secrets, 1)
	require.True(testInstance, strings.HasPrefix(fixture.operator.Secrets[0], testPrivateKeyPrefixConstant))
	require.Len(testInstance, fixture.destination.DeactivateOptions, 0)
	require.Len(testInstance, fixture.source.DeactivateOptions, 1)
	require.Nil(testInstance, fixture.source.DeactivateOptions[0].DeleteAfter)

	runLogs := observedLogs.FilterField(zap.String("run_id", testRunIDConstant)).All()
	require.NotEmpty(testInstance, runLogs)
	require.Equal(testInstance, 1, observedLogs.FilterMessage("Migration completed").Len())
}

func TestOrchestratorPlcRotationKeySet(testInstance *testing.T) {
	fixture := newMigrationFixture(testPlcAccountDIDConstant, 0)
	fixture.destination.Credentials.RotationKeys = []string{testRecommendedRotationKeyConstant, testExistingRotationKeyConstant}

	result, executionError := fixture.execute(testInstance, nil)
	require.NoError(testInstance, executionError)

	require.Len(testInstance, fixture.source.SignInputs, 1)
	signInput := fixture.source.SignInputs[0]
	require.Equal(testInstance, testChallengeTokenConstant, signInput.Token)
	require.Equal(testInstance, []string{result.RecoveryKeyDID, testRecommendedRotationKeyConstant, testExistingRotationKeyConstant}, signInput.RotationKeys)
	require.JSONEq(testInstance, testRecommendedServicesConstant, string(signInput.Services))
	require.Equal(testInstance, fixture.destination.Credentials.AlsoKnownAs, signInput.AlsoKnownAs)

	publishedEndpoint, publishedKeys := fixture.directory.Snapshot()
	require.Equal(testInstance, testDestinationEndpointConstant, publishedEndpoint)
	require.Contains(testInstance, publishedKeys, result.RecoveryKeyDID)
	require.Contains(testInstance, publishedKeys, testExistingRotationKeyConstant)

	challengeIndex := fixture.log.Index(testSourceNameConstant, atproto.RequestPlcSignatureOperation)
	revealIndex := fixture.log.Index(testsupport.OperatorActor, "reveal_secret")
	savedIndex := fixture.log.Index(testsupport.OperatorActor, testsupport.ConfirmEntry(operator.RecoveryKeySavedConfirmation))
	signIndex := fixture.log.Index(testSourceNameConstant, atproto.SignPlcOperationOperation)
	submitIndex := fixture.log.Index(testDestinationNameConstant, atproto.SubmitPlcOperationOperation)
	activateIndex := fixture.log.Index(testDestinationNameConstant, atproto.ActivateAccountOperation)
	require.True(testInstance, challengeIndex < revealIndex)
	require.True(testInstance, revealIndex < savedIndex)
	require.True(testInstance, savedIndex < signIndex)
	require.True(testInstance, signIndex < submitIndex)
	require.True(testInstance, submitIndex < activateIndex)
}

func TestOrchestratorRejectsOversizedRotationKeySet(testInstance *testing.T) {
	fixture := newMigrationFixture(testPlcAccountDIDConstant, 0)
	fixture.destination.Credentials.RotationKeys = []string{"did:key:z1", "did:key:z2", "did:key:z3", "did:key:z4"}

	result, executionError := fixture.execute(testInstance, nil)

	require.ErrorIs(testInstance, executionError, migration.ErrTooManyRotationKeys)
	require.Equal(testInstance, migration.StagePreferencesMigrated, result.CompletedStage)
	require.Equal(testInstance, -1, fixture.log.Index(testSourceNameConstant, atproto.RequestPlcSignatureOperation))
	require.False(testInstance, fixture.source.Deactivated)
}

func TestOrchestratorEmptyAccountSkipsBlobCalls(testInstance *testing.T) {
	fixture := newMigrationFixture(testPlcAccountDIDConstant, 0)

	result, executionError := fixture.execute(testInstance, nil)
	require.NoError(testInstance, executionError)

	require.Equal(testInstance, 0, result.TransferredBlobs)
	require.Equal(testInstance, []int{0}, fixture.source.ListBlobPageSizes)
	require.Equal(testInstance, 0, fixture.log.Count(testSourceNameConstant, atproto.GetBlobOperation))
	require.Equal(testInstance, 0, fixture.log.Count(testDestinationNameConstant, atproto.UploadBlobOperation))

	listIndex := fixture.log.Index(testSourceNameConstant, atproto.ListBlobsOperation)
	preferencesIndex := fixture.log.Index(testSourceNameConstant, atproto.GetPreferencesOperation)
	require.Equal(testInstance, listIndex+1, preferencesIndex)
}

func TestOrchestratorPaginatesBlobTransfer(testInstance *testing.T) {
	testCases := []struct {
		name    string
		workers int
	}{
		{name: "sequential", workers: 1},
		{name: "worker_pool", workers: 4},
	}

	for testCaseIndex, testCase := range testCases {
		testInstance.Run(fmt.Sprintf(testSubtestTemplateConstant, testCaseIndex, testCase.name), func(subtest *testing.T) {
			fixture := newMigrationFixture(testPlcAccountDIDConstant, 250)
			fixture.settings.BlobWorkers = testCase.workers

			result, executionError := fixture.execute(subtest, nil)
			require.NoError(subtest, executionError)

			require.Equal(subtest, 250, result.TransferredBlobs)
			require.Equal(subtest, []int{100, 100, 100}, fixture.source.ListBlobLimits)
			require.Equal(subtest, []int{100, 100, 50}, fixture.source.ListBlobPageSizes)
			require.Equal(subtest, 250, fixture.destination.Uploaded())

			expectedContentIDs := make([]string, 0, 250)
			for _, blob := range fixture.source.Blobs {
				expectedContentIDs = append(expectedContentIDs, blob.ContentID)
			}
			if testCase.workers == 1 {
				require.Equal(subtest, expectedContentIDs, fixture.source.FetchedContentIDs)
				for blobIndex, blob := range fixture.source.Blobs {
					require.Equal(subtest, blob.Data, fixture.destination.UploadedBlobs[blobIndex])
				}
				return
			}
			require.ElementsMatch(subtest, expectedContentIDs, fixture.source.FetchedContentIDs)
		})
	}
}

func TestOrchestratorAbortsOnBlobFailure(testInstance *testing.T) {
	fixture := newMigrationFixture(testPlcAccountDIDConstant, 100)
	failingContentID := fmt.Sprintf(testBlobContentIDTemplateConstant, 37)
	fixture.source.FetchFailures = map[string]error{
		failingContentID: atproto.XRPCError{Operation: atproto.GetBlobOperation, StatusCode: http.StatusInternalServerError, Name: "InternalServerError"},
	}

	result, executionError := fixture.execute(testInstance, nil)
	require.Error(testInstance, executionError)

	var stageError *migration.StageError
	require.ErrorAs(testInstance, executionError, &stageError)
	require.Equal(testInstance, migration.StageBlobsMigrated, stageError.Stage)
	require.Equal(testInstance, atproto.GetBlobOperation, stageError.Operation)

	var transferError migration.DataTransferError
	require.ErrorAs(testInstance, executionError, &transferError)
	require.Equal(testInstance, migration.TransferPhaseBlob, transferError.Phase)
	require.Equal(testInstance, failingContentID, transferError.ContentID)

	require.Len(testInstance, fixture.source.FetchedContentIDs, 37)
	require.Equal(testInstance, 36, fixture.destination.Uploaded())
	require.Equal(testInstance, 36, result.TransferredBlobs)
	require.Equal(testInstance, migration.StageRepositoryMigrated, result.CompletedStage)
	require.Equal(testInstance, migration.DestinationPartiallyPopulated, result.DestinationState)
	require.Equal(testInstance, -1, fixture.log.Index(testSourceNameConstant, atproto.GetPreferencesOperation))
	require.False(testInstance, fixture.source.Deactivated)
	require.False(testInstance, fixture.destination.Activated)
	require.Equal(testInstance, []migration.Stage{migration.StageBlobsMigrated}, fixture.stages.Failed)
}

func TestOrchestratorWebActivationWaitsForEndpoint(testInstance *testing.T) {
	fixture := newMigrationFixture(testWebAccountDIDConstant, 2)
	fixture.operator.OnConfirm = func(key string, count int) {
		if key == operator.WebDocumentUpdatedConfirmation && count == 3 {
			fixture.directory.Publish(testDestinationEndpointConstant, nil)
		}
	}

	result, executionError := fixture.execute(testInstance, nil)
	require.NoError(testInstance, executionError)

	require.Equal(testInstance, identity.MethodWeb, result.Method)
	require.Empty(testInstance, result.RecoveryKeyDID)
	require.Equal(testInstance, 3, fixture.log.Count(testsupport.OperatorActor, testsupport.ConfirmEntry(operator.WebDocumentUpdatedConfirmation)))
	require.Equal(testInstance, 0, fixture.log.Count(testSourceNameConstant, atproto.SignPlcOperationOperation))
	require.Empty(testInstance, fixture.operator.Secrets)

	destinationResolvedIndex := fixture.log.Index(testsupport.ResolverActor, testsupport.ResolvedEntry(testDestinationEndpointConstant))
	activateIndex := fixture.log.Index(testDestinationNameConstant, atproto.ActivateAccountOperation)
	require.NotEqual(testInstance, -1, destinationResolvedIndex)
	require.True(testInstance, destinationResolvedIndex < activateIndex)

	require.NotEmpty(testInstance, fixture.operator.Notifications)
	require.Contains(testInstance, fixture.operator.Notifications[0], testWebAccountDIDConstant)
	require.Contains(testInstance, fixture.operator.Notifications[0], "#atproto_pds")
}

func TestOrchestratorWebTransitionStopsWhenOperatorDeclines(testInstance *testing.T) {
	fixture := newMigrationFixture(testWebAccountDIDConstant, 0)
	fixture.operator.Confirmations[operator.WebDocumentUpdatedConfirmation] = []bool{true, false}

	result, executionError := fixture.execute(testInstance, nil)

	require.ErrorIs(testInstance, executionError, migration.ErrOperatorDeclined)
	var transitionError migration.IdentityTransitionError
	require.ErrorAs(testInstance, executionError, &transitionError)
	require.Equal(testInstance, identity.MethodWeb, transitionError.Method)
	require.Equal(testInstance, migration.DestinationPopulated, result.DestinationState)
	require.False(testInstance, fixture.destination.Activated)
	require.False(testInstance, fixture.source.Deactivated)
}

func TestOrchestratorFinalizationOrdering(testInstance *testing.T) {
	activationFailure := atproto.XRPCError{Operation: atproto.ActivateAccountOperation, StatusCode: http.StatusBadRequest, Name: "InvalidRequest"}
	deactivationFailure := atproto.XRPCError{Operation: atproto.DeactivateAccountOperation, StatusCode: http.StatusBadRequest, Name: "InvalidRequest"}

	testCases := []struct {
		name                      string
		configure                 func(fixture *migrationFixture)
		expectedError             error
		expectedOperation         string
		expectedState             migration.DestinationState
		expectActivated           bool
		expectDeactivated         bool
		expectDeactivationAttempt bool
	}{
		{
			name:                      "activation_then_deactivation",
			configure:                 func(*migrationFixture) {},
			expectedState:             migration.DestinationActive,
			expectActivated:           true,
			expectDeactivated:         true,
			expectDeactivationAttempt: true,
		},
		{
			name: "activation_failure_leaves_source_active",
			configure: func(fixture *migrationFixture) {
				fixture.destination.Failures = map[string]error{atproto.ActivateAccountOperation: activationFailure}
			},
			expectedError:     activationFailure,
			expectedOperation: atproto.ActivateAccountOperation,
			expectedState:     migration.DestinationIdentityBound,
		},
		{
			name: "deactivation_failure_is_reported",
			configure: func(fixture *migrationFixture) {
				fixture.source.Failures = map[string]error{atproto.DeactivateAccountOperation: deactivationFailure}
			},
			expectedError:             deactivationFailure,
			expectedOperation:         atproto.DeactivateAccountOperation,
			expectedState:             migration.DestinationActive,
			expectActivated:           true,
			expectDeactivationAttempt: true,
		},
		{
			name: "operator_declines_finalization",
			configure: func(fixture *migrationFixture) {
				fixture.operator.Confirmations[operator.FinalizeConfirmation] = []bool{false}
			},
			expectedError:     migration.ErrOperatorDeclined,
			expectedOperation: "confirm_finalize",
			expectedState:     migration.DestinationIdentityBound,
		},
	}

	for testCaseIndex, testCase := range testCases {
		testInstance.Run(fmt.Sprintf(testSubtestTemplateConstant, testCaseIndex, testCase.name), func(subtest *testing.T) {
			fixture := newMigrationFixture(testPlcAccountDIDConstant, 1)
			testCase.configure(fixture)

			result, executionError := fixture.execute(subtest, nil)
			require.Equal(subtest, testCase.expectedState, result.DestinationState)
			require.Equal(subtest, testCase.expectActivated, fixture.destination.Activated)
			require.Equal(subtest, testCase.expectDeactivated, fixture.source.Deactivated)
			require.Equal(subtest, testCase.expectDeactivated, result.SourceDeactivated)

			deactivateIndex := fixture.log.Index(testSourceNameConstant, atproto.DeactivateAccountOperation)
			if !testCase.expectDeactivationAttempt {
				require.Equal(subtest, -1, deactivateIndex)
			} else {
				activateIndex := fixture.log.Index(testDestinationNameConstant, atproto.ActivateAccountOperation)
				require.True(subtest, activateIndex >= 0 && activateIndex < deactivateIndex)
			}

			if testCase.expectedError == nil {
				require.NoError(subtest, executionError)
				return
			}
			require.ErrorIs(subtest, executionError, testCase.expectedError)
			var finalizationError migration.FinalizationError
			require.ErrorAs(subtest, executionError, &finalizationError)
			var stageError *migration.StageError
			require.ErrorAs(subtest, executionError, &stageError)
			require.Equal(subtest, migration.StageFinalized, stageError.Stage)
			require.Equal(subtest, testCase.expectedOperation, stageError.Operation)
			require.Equal(subtest, migration.StageIdentityTransitioned, result.CompletedStage)
		})
	}
}

func TestOrchestratorAssumeYesSkipsFinalizeConfirmation(testInstance *testing.T) {
	fixture := newMigrationFixture(testPlcAccountDIDConstant, 0)
	fixture.settings.AssumeYes = true
	delete(fixture.operator.Confirmations, operator.FinalizeConfirmation)

	_, executionError := fixture.execute(testInstance, nil)
	require.NoError(testInstance, executionError)
	require.Equal(testInstance, 0, fixture.log.Count(testsupport.OperatorActor, testsupport.ConfirmEntry(operator.FinalizeConfirmation)))
}

func TestOrchestratorServiceTokenScope(testInstance *testing.T) {
	fixture := newMigrationFixture(testPlcAccountDIDConstant, 0)
	fixture.destination.AdvertisedDID = "did:web:impostor.example.com"

	result, executionError := fixture.execute(testInstance, nil)

	var authorizationError migration.AuthorizationError
	require.ErrorAs(testInstance, executionError, &authorizationError)
	var tokenError atproto.AuthorizationError
	require.ErrorAs(testInstance, executionError, &tokenError)
	require.Equal(testInstance, "did:web:impostor.example.com", authorizationError.Audience)
	require.Equal(testInstance, atproto.CreateAccountOperation, authorizationError.Operation)

	require.Equal(testInstance, migration.StageIdentityResolved, result.CompletedStage)
	require.Equal(testInstance, migration.DestinationUntouched, result.DestinationState)
	require.Empty(testInstance, fixture.destination.CreatedAccounts)
	require.Len(testInstance, fixture.source.IssuedTokens, 1)
}

func TestOrchestratorStopsAtFailingStage(testInstance *testing.T) {
	serverFailure := atproto.XRPCError{StatusCode: http.StatusInternalServerError, Name: "InternalServerError"}
	resolutionFailure := errors.New("directory unavailable")

	testCases := []struct {
		name          string
		did           string
		configure     func(fixture *migrationFixture)
		expectedStage migration.Stage
		expectedState migration.DestinationState
		assertError   func(t require.TestingT, failure error)
	}{
		{
			name: "source_login",
			did:  testPlcAccountDIDConstant,
			configure: func(fixture *migrationFixture) {
				fixture.source.Password = "rotated"
			},
			expectedStage: migration.StageAuthenticated,
			expectedState: migration.DestinationUntouched,
			assertError: func(t require.TestingT, failure error) {
				var authenticationError migration.AuthenticationError
				require.ErrorAs(t, failure, &authenticationError)
				require.Equal(t, testSourceEndpointConstant, authenticationError.Endpoint)
			},
		},
		{
			name: "identity_resolution",
			did:  testPlcAccountDIDConstant,
			configure: func(fixture *migrationFixture) {
				fixture.resolver.ResolveError = resolutionFailure
			},
			expectedStage: migration.StageIdentityResolved,
			expectedState: migration.DestinationUntouched,
			assertError: func(t require.TestingT, failure error) {
				var resolutionError migration.IdentityResolutionError
				require.ErrorAs(t, failure, &resolutionError)
				require.ErrorIs(t, failure, resolutionFailure)
			},
		},
		{
			name:          "unsupported_method",
			did:           testUnsupportedAccountDIDConstant,
			configure:     func(*migrationFixture) {},
			expectedStage: migration.StageIdentityResolved,
			expectedState: migration.DestinationUntouched,
			assertError: func(t require.TestingT, failure error) {
				var transitionError migration.IdentityTransitionError
				require.ErrorAs(t, failure, &transitionError)
				require.Equal(t, identity.MethodUnknown, transitionError.Method)
				require.ErrorIs(t, failure, identity.ErrUnsupportedMethod)
			},
		},
		{
			name: "destination_description",
			did:  testPlcAccountDIDConstant,
			configure: func(fixture *migrationFixture) {
				fixture.destination.Failures = map[string]error{atproto.DescribeServerOperation: serverFailure}
			},
			expectedStage: migration.StageAccountProvisioned,
			expectedState: migration.DestinationUntouched,
			assertError: func(t require.TestingT, failure error) {
				var capabilityError migration.ServerCapabilityError
				require.ErrorAs(t, failure, &capabilityError)
			},
		},
		{
			name: "service_token_issuance",
			did:  testPlcAccountDIDConstant,
			configure: func(fixture *migrationFixture) {
				fixture.source.Failures = map[string]error{atproto.GetServiceAuthOperation: serverFailure}
			},
			expectedStage: migration.StageAccountProvisioned,
			expectedState: migration.DestinationUntouched,
			assertError: func(t require.TestingT, failure error) {
				var authorizationError migration.AuthorizationError
				require.ErrorAs(t, failure, &authorizationError)
			},
		},
		{
			name: "account_creation",
			did:  testPlcAccountDIDConstant,
			configure: func(fixture *migrationFixture) {
				fixture.destination.Failures = map[string]error{atproto.CreateAccountOperation: serverFailure}
			},
			expectedStage: migration.StageAccountProvisioned,
			expectedState: migration.DestinationUntouched,
			assertError: func(t require.TestingT, failure error) {
				var provisioningError migration.AccountProvisioningError
				require.ErrorAs(t, failure, &provisioningError)
				require.Equal(t, testDestinationEndpointConstant, provisioningError.Endpoint)
			},
		},
		{
			name: "repository_import",
			did:  testPlcAccountDIDConstant,
			configure: func(fixture *migrationFixture) {
				fixture.destination.Failures = map[string]error{atproto.ImportRepoOperation: serverFailure}
			},
			expectedStage: migration.StageRepositoryMigrated,
			expectedState: migration.DestinationPartiallyPopulated,
			assertError: func(t require.TestingT, failure error) {
				var transferError migration.DataTransferError
				require.ErrorAs(t, failure, &transferError)
				require.Equal(t, migration.TransferPhaseRepository, transferError.Phase)
			},
		},
		{
			name: "preferences_write",
			did:  testPlcAccountDIDConstant,
			configure: func(fixture *migrationFixture) {
				fixture.destination.Failures = map[string]error{atproto.PutPreferencesOperation: serverFailure}
			},
			expectedStage: migration.StagePreferencesMigrated,
			expectedState: migration.DestinationPartiallyPopulated,
			assertError: func(t require.TestingT, failure error) {
				var transferError migration.DataTransferError
				require.ErrorAs(t, failure, &transferError)
				require.Equal(t, migration.TransferPhasePreferences, transferError.Phase)
			},
		},
		{
			name: "recovery_key_not_saved",
			did:  testPlcAccountDIDConstant,
			configure: func(fixture *migrationFixture) {
				fixture.operator.Confirmations[operator.RecoveryKeySavedConfirmation] = []bool{false}
			},
			expectedStage: migration.StageIdentityTransitioned,
			expectedState: migration.DestinationPopulated,
			assertError: func(t require.TestingT, failure error) {
				require.ErrorIs(t, failure, migration.ErrOperatorDeclined)
			},
		},
		{
			name: "missing_challenge_token",
			did:  testPlcAccountDIDConstant,
			configure: func(fixture *migrationFixture) {
				delete(fixture.operator.Answers, operator.IdentityTokenQuestion)
			},
			expectedStage: migration.StageIdentityTransitioned,
			expectedState: migration.DestinationPopulated,
			assertError: func(t require.TestingT, failure error) {
				var missingAnswerError operator.MissingAnswerError
				require.ErrorAs(t, failure, &missingAnswerError)
			},
		},
	}

	for testCaseIndex, testCase := range testCases {
		testInstance.Run(fmt.Sprintf(testSubtestTemplateConstant, testCaseIndex, testCase.name), func(subtest *testing.T) {
			fixture := newMigrationFixture(testCase.did, 2)
			testCase.configure(fixture)

			result, executionError := fixture.execute(subtest, nil)
			require.Error(subtest, executionError)

			var stageError *migration.StageError
			require.ErrorAs(subtest, executionError, &stageError)
			require.Equal(subtest, testCase.expectedStage, stageError.Stage)
			require.Contains(subtest, executionError.Error(), testCase.expectedStage.String())
			testCase.assertError(subtest, executionError)

			require.Equal(subtest, testCase.expectedState, result.DestinationState)
			require.Equal(subtest, testCase.expectedStage-1, result.CompletedStage)
			require.Equal(subtest, []migration.Stage{testCase.expectedStage}, fixture.stages.Failed)
			require.False(subtest, fixture.source.Deactivated)
			require.False(subtest, fixture.destination.Activated)
		})
	}
}

func TestOrchestratorVerifiesMissingBlobs(testInstance *testing.T) {
	fixture := newMigrationFixture(testPlcAccountDIDConstant, 2)
	fixture.settings.VerifyMissingBlobs = true
	fixture.destination.MissingBlobs = []atproto.MissingBlob{{ContentID: "bafkrei-lost", RecordURI: "at://did:plc:ewvi7nxzyoun6zhxrhs64oiz/app.bsky.feed.post/1"}}

	result, executionError := fixture.execute(testInstance, nil)

	require.ErrorIs(testInstance, executionError, migration.ErrMissingBlobs)
	var transferError migration.DataTransferError
	require.ErrorAs(testInstance, executionError, &transferError)
	require.Equal(testInstance, "bafkrei-lost", transferError.ContentID)
	require.Equal(testInstance, 2, result.TransferredBlobs)
	require.Equal(testInstance, migration.StageRepositoryMigrated, result.CompletedStage)
}

func TestOrchestratorRetriesTransientReadsOnly(testInstance *testing.T) {
	testCases := []struct {
		name        string
		operation   string
		failures    int
		attempts    int
		expectError bool
	}{
		{name: "read_recovers", operation: atproto.DescribeServerOperation, failures: 2, attempts: 3},
		{name: "read_exhausts_attempts", operation: atproto.DescribeServerOperation, failures: 3, attempts: 3, expectError: true},
		{name: "read_without_retry", operation: atproto.ListBlobsOperation, failures: 1, attempts: 1, expectError: true},
		{name: "write_never_repeats", operation: atproto.ImportRepoOperation, failures: 1, attempts: 3, expectError: true},
	}

	for testCaseIndex, testCase := range testCases {
		testInstance.Run(fmt.Sprintf(testSubtestTemplateConstant, testCaseIndex, testCase.name), func(subtest *testing.T) {
			fixture := newMigrationFixture(testPlcAccountDIDConstant, 1)
			fixture.settings.ReadRetryAttempts = testCase.attempts
			fixture.settings.ReadRetryDelay = time.Millisecond
			stub := fixture.destination
			if testCase.operation == atproto.ListBlobsOperation {
				stub = fixture.source
			}
			stub.TransientFailures = map[string]int{testCase.operation: testCase.failures}

			_, executionError := fixture.execute(subtest, nil)
			expectedCalls := testCase.failures + 1
			if testCase.expectError {
				require.Error(subtest, executionError)
				require.True(subtest, atproto.IsTransient(executionError))
				expectedCalls = min(testCase.failures, testCase.attempts)
				if testCase.operation == atproto.ImportRepoOperation {
					expectedCalls = 1
				}
			} else {
				require.NoError(subtest, executionError)
			}
			require.Equal(subtest, expectedCalls, fixture.log.Count(stub.Name, testCase.operation))
		})
	}
}

func TestOrchestratorRejectsInvalidOptions(testInstance *testing.T) {
	testCases := []struct {
		name          string
		mutate        func(options *migration.MigrationOptions)
		expectedField string
	}{
		{
			name:          "missing_source",
			mutate:        func(options *migration.MigrationOptions) { options.Source = nil },
			expectedField: "source_url",
		},
		{
			name: "same_server",
			mutate: func(options *migration.MigrationOptions) {
				options.Destination = &testsupport.AccountServerStub{EndpointURL: testSourceEndpointConstant + "/"}
			},
			expectedField: "destination_url",
		},
		{
			name:          "missing_handle",
			mutate:        func(options *migration.MigrationOptions) { options.Account.Handle = "" },
			expectedField: "handle",
		},
		{
			name:          "missing_source_password",
			mutate:        func(options *migration.MigrationOptions) { options.Credentials.Password = "" },
			expectedField: "source_password",
		},
	}

	for testCaseIndex, testCase := range testCases {
		testInstance.Run(fmt.Sprintf(testSubtestTemplateConstant, testCaseIndex, testCase.name), func(subtest *testing.T) {
			fixture := newMigrationFixture(testPlcAccountDIDConstant, 0)
			orchestrator, orchestratorError := migration.NewOrchestrator(migration.Dependencies{Resolver: fixture.resolver, Operator: fixture.operator})
			require.NoError(subtest, orchestratorError)

			options := migration.MigrationOptions{
				Source:      fixture.source,
				Destination: fixture.destination,
				Credentials: migration.SourceCredentials{Identifier: testHandleConstant, Password: testSourcePasswordConstant},
				Account:     migration.DestinationAccount{Email: testEmailConstant, Handle: testHandleConstant, Password: testDestinationPasswordConstant},
			}
			testCase.mutate(&options)

			result, executionError := orchestrator.Execute(context.Background(), options)
			var inputError migration.InvalidInputError
			require.ErrorAs(subtest, executionError, &inputError)
			require.Equal(subtest, testCase.expectedField, inputError.FieldName)
			require.Equal(subtest, migration.DestinationUntouched, result.DestinationState)
			require.Empty(subtest, fixture.log.Entries())
		})
	}
}

func TestNewOrchestratorRequiresCollaborators(testInstance *testing.T) {
	_, resolverError := migration.NewOrchestrator(migration.Dependencies{Operator: &testsupport.RecordingOperator{}})
	require.Error(testInstance, resolverError)

	_, operatorError := migration.NewOrchestrator(migration.Dependencies{Resolver: &testsupport.ResolverStub{}})
	require.Error(testInstance, operatorError)
}

func TestOrchestratorHonorsCancellation(testInstance *testing.T) {
	fixture := newMigrationFixture(testPlcAccountDIDConstant, 0)
	orchestrator, orchestratorError := migration.NewOrchestrator(migration.Dependencies{Resolver: fixture.resolver, Operator: fixture.operator})
	require.NoError(testInstance, orchestratorError)

	cancelledContext, cancel := context.WithCancel(context.Background())
	cancel()

	result, executionError := orchestrator.Execute(cancelledContext, migration.MigrationOptions{
		Source:      fixture.source,
		Destination: fixture.destination,
		Credentials: migration.SourceCredentials{Identifier: testHandleConstant, Password: testSourcePasswordConstant},
		Account:     migration.DestinationAccount{Email: testEmailConstant, Handle: testHandleConstant, Password: testDestinationPasswordConstant},
	})
	require.ErrorIs(testInstance, executionError, context.Canceled)
	require.Equal(testInstance, migration.StagePending, result.CompletedStage)
	require.Empty(testInstance, fixture.log.Entries())
}
