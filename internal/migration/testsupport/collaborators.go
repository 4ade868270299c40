package testsupport

import (
	"context"
	"sync"

	"github.com/temirov/pdsmigrate/internal/identity"
	"github.com/temirov/pdsmigrate/internal/migration"
	"github.com/temirov/pdsmigrate/internal/operator"
)

const (
	resolverActorConstant          = "resolver"
	operatorActorConstant          = "operator"
	resolveIdentityEntryConstant   = "resolve_identity"
	rotationKeysEntryConstant      = "resolve_rotation_keys"
	promptEntryPrefixConstant      = "prompt:"
	confirmEntryPrefixConstant     = "confirm:"
	revealEntryConstant            = "reveal_secret"
	resolvedEndpointPrefixConstant = "resolved:"
)

// Directory is the shared identity record that resolver stubs read and servers publish to.
type Directory struct {
	mutex        sync.Mutex
	DID          string
	Handle       string
	Endpoint     string
	RotationKeys []string
}

// Publish points the identity at endpoint. Non-empty rotationKeys replace the registered set.
func (directory *Directory) Publish(endpoint string, rotationKeys []string) {
	if directory == nil {
		return
	}
	directory.mutex.Lock()
	defer directory.mutex.Unlock()
	directory.Endpoint = endpoint
	if len(rotationKeys) > 0 {
		directory.RotationKeys = append([]string(nil), rotationKeys...)
	}
}

// Snapshot returns the current endpoint and rotation keys.
func (directory *Directory) Snapshot() (string, []string) {
	directory.mutex.Lock()
	defer directory.mutex.Unlock()
	return directory.Endpoint, append([]string(nil), directory.RotationKeys...)
}

// ResolverStub resolves identities from a Directory.
type ResolverStub struct {
	Directory         *Directory
	Log               *CallLog
	ResolveError      error
	RotationKeysError error
}

// ResolveIdentity returns the directory's current record.
func (resolver *ResolverStub) ResolveIdentity(_ context.Context, _ string) (identity.AccountIdentity, error) {
	endpoint, _ := resolver.Directory.Snapshot()
	resolver.Log.Record(resolverActorConstant, resolveIdentityEntryConstant)
	if resolver.ResolveError != nil {
		return identity.AccountIdentity{}, resolver.ResolveError
	}
	resolver.Log.Record(resolverActorConstant, resolvedEndpointPrefixConstant+endpoint)
	return identity.AccountIdentity{
		DID:            resolver.Directory.DID,
		Method:         identity.ParseMethod(resolver.Directory.DID),
		ServerEndpoint: endpoint,
		Handle:         resolver.Directory.Handle,
	}, nil
}

// ResolveRotationKeys returns the directory's registered rotation keys.
func (resolver *ResolverStub) ResolveRotationKeys(_ context.Context, _ string) ([]string, error) {
	resolver.Log.Record(resolverActorConstant, rotationKeysEntryConstant)
	if resolver.RotationKeysError != nil {
		return nil, resolver.RotationKeysError
	}
	_, rotationKeys := resolver.Directory.Snapshot()
	return rotationKeys, nil
}

// RecordingOperator answers prompts and confirmations from fixed tables and records what it was shown.
// Confirmations are consumed in order per key; the last one repeats.
type RecordingOperator struct {
	Answers       map[string]string
	Confirmations map[string][]bool
	OnConfirm     func(key string, count int)
	Log           *CallLog
	mutex         sync.Mutex
	confirmCounts map[string]int
	Prompted      []string
	Secrets       []string
	Notifications []string
}

// Prompt returns the configured answer or a MissingAnswerError.
func (recorder *RecordingOperator) Prompt(_ context.Context, question operator.Question) (string, error) {
	recorder.Log.Record(operatorActorConstant, promptEntryPrefixConstant+question.Key)
	recorder.mutex.Lock()
	recorder.Prompted = append(recorder.Prompted, question.Key)
	recorder.mutex.Unlock()

	answer, answered := recorder.Answers[question.Key]
	if !answered || len(answer) == 0 {
		if question.Optional {
			return question.Default, nil
		}
		return "", operator.MissingAnswerError{Key: question.Key}
	}
	return answer, nil
}

// Confirm returns the next configured decision for key.
func (recorder *RecordingOperator) Confirm(_ context.Context, key string, _ string) (bool, error) {
	recorder.Log.Record(operatorActorConstant, confirmEntryPrefixConstant+key)
	decisions, configured := recorder.Confirmations[key]
	if !configured || len(decisions) == 0 {
		return false, operator.MissingAnswerError{Key: key}
	}

	recorder.mutex.Lock()
	if recorder.confirmCounts == nil {
		recorder.confirmCounts = map[string]int{}
	}
	count := recorder.confirmCounts[key]
	recorder.confirmCounts[key] = count + 1
	recorder.mutex.Unlock()

	if recorder.OnConfirm != nil {
		recorder.OnConfirm(key, count+1)
	}
	if count >= len(decisions) {
		return decisions[len(decisions)-1], nil
	}
	return decisions[count], nil
}

// RevealSecret records the secret shown to the operator.
func (recorder *RecordingOperator) RevealSecret(_ context.Context, _ string, secret string) error {
	recorder.Log.Record(operatorActorConstant, revealEntryConstant)
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.Secrets = append(recorder.Secrets, secret)
	return nil
}

// Notify records the message.
func (recorder *RecordingOperator) Notify(message string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.Notifications = append(recorder.Notifications, message)
}

// StageRecorder captures stage lifecycle notifications.
type StageRecorder struct {
	mutex     sync.Mutex
	Started   []migration.Stage
	Completed []migration.Stage
	Failed    []migration.Stage
	Failures  []error
	Details   map[migration.Stage]string
}

// StageStarted records the stage.
func (recorder *StageRecorder) StageStarted(event migration.StageEvent) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.Started = append(recorder.Started, event.Stage)
}

// StageCompleted records the stage and its detail.
func (recorder *StageRecorder) StageCompleted(event migration.StageEvent) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.Completed = append(recorder.Completed, event.Stage)
	if recorder.Details == nil {
		recorder.Details = map[migration.Stage]string{}
	}
	recorder.Details[event.Stage] = event.Detail
}

// StageFailed records the stage and failure.
func (recorder *StageRecorder) StageFailed(event migration.StageEvent, failure error) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.Failed = append(recorder.Failed, event.Stage)
	recorder.Failures = append(recorder.Failures, failure)
}

// ResolvedEntry is the call log entry written when the resolver reports endpoint.
func ResolvedEntry(endpoint string) string {
	return resolvedEndpointPrefixConstant + endpoint
}

// ResolverActor names the resolver in call log entries.
const ResolverActor = resolverActorConstant

// OperatorActor names the operator in call log entries.
const OperatorActor = operatorActorConstant

// ConfirmEntry is the call log entry written when the operator is asked to confirm key.
func ConfirmEntry(key string) string {
	return confirmEntryPrefixConstant + key
}
