package migration

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ipfs/go-cid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/temirov/pdsmigrate/internal/atproto"
)

const (
	contentIDDecodeErrorTemplateConstant = "invalid content identifier: %w"
	contentHashErrorTemplateConstant     = "unable to hash blob content: %w"
	logMessageBlobPageListedConstant     = "Blob page listed"
	logMessageBlobTransferredConstant    = "Blob transferred"
	logMessageBlobsTransferredConstant   = "Blob transfer complete"
	logMessageMissingBlobConstant        = "Destination reports missing blob"
	logFieldContentIDConstant            = "content_id"
	logFieldCursorConstant               = "cursor"
	logFieldPageSizeConstant             = "page_size"
	logFieldTransferredConstant          = "transferred"
	logFieldPagesConstant                = "pages"
	logFieldRecordURIConstant            = "record_uri"
)

// BlobTransferSettings tunes the blob transfer engine.
type BlobTransferSettings struct {
	PageSize      int
	Workers       int
	VerifyContent bool
}

// TransferReport records blob transfer progress. It is meaningful after a failure too.
type TransferReport struct {
	Transferred int
	Pages       int
	Cursor      string
}

// BlobTransferEngine copies every blob of an account from source to destination,
// following the source's pagination cursor until it is exhausted.
type BlobTransferEngine struct {
	logger   *zap.Logger
	calls    callPolicy
	settings BlobTransferSettings
}

func newBlobTransferEngine(logger *zap.Logger, calls callPolicy, settings BlobTransferSettings) *BlobTransferEngine {
	if settings.Workers <= 0 {
		settings.Workers = 1
	}
	return &BlobTransferEngine{logger: logger, calls: calls, settings: settings}
}

// Transfer moves all blobs listed for did. Any failed fetch or upload aborts the
// transfer with a DataTransferError naming the content identifier.
func (engine *BlobTransferEngine) Transfer(transferContext context.Context, source AccountClient, destination AccountClient, did string) (TransferReport, error) {
	report := TransferReport{}
	returnedCursors := map[string]struct{}{}
	cursor := ""

	for {
		var page atproto.BlobPage
		listError := engine.calls.read(transferContext, atproto.ListBlobsOperation, func(callContext context.Context) error {
			var err error
			page, err = source.ListBlobs(callContext, did, cursor, engine.settings.PageSize)
			return err
		})
		if listError != nil {
			return report, DataTransferError{Phase: TransferPhaseBlob, Cause: listError}
		}
		report.Pages++

		engine.logger.Debug(
			logMessageBlobPageListedConstant,
			zap.String(logFieldCursorConstant, cursor),
			zap.Int(logFieldPageSizeConstant, len(page.ContentIDs)),
		)

		transferred, pageError := engine.transferPage(transferContext, source, destination, did, page.ContentIDs)
		report.Transferred += transferred
		if pageError != nil {
			return report, pageError
		}

		if len(page.Cursor) == 0 {
			report.Cursor = ""
			break
		}
		if _, returned := returnedCursors[page.Cursor]; returned || page.Cursor == cursor {
			return report, DataTransferError{Phase: TransferPhaseBlob, Cause: ErrRepeatedCursor}
		}
		returnedCursors[page.Cursor] = struct{}{}
		cursor = page.Cursor
		report.Cursor = cursor
	}

	engine.logger.Info(
		logMessageBlobsTransferredConstant,
		zap.Int(logFieldTransferredConstant, report.Transferred),
		zap.Int(logFieldPagesConstant, report.Pages),
	)
	return report, nil
}

// VerifyComplete confirms the destination references no blobs it lacks.
func (engine *BlobTransferEngine) VerifyComplete(verificationContext context.Context, destination AccountClient) error {
	returnedCursors := map[string]struct{}{}
	cursor := ""
	var firstMissing string
	missingCount := 0

	for {
		var page atproto.MissingBlobPage
		listError := engine.calls.read(verificationContext, atproto.ListMissingBlobsOperation, func(callContext context.Context) error {
			var err error
			page, err = destination.ListMissingBlobs(callContext, cursor, engine.settings.PageSize)
			return err
		})
		if listError != nil {
			return DataTransferError{Phase: TransferPhaseBlob, Cause: listError}
		}

		for _, missingBlob := range page.Blobs {
			engine.logger.Warn(
				logMessageMissingBlobConstant,
				zap.String(logFieldContentIDConstant, missingBlob.ContentID),
				zap.String(logFieldRecordURIConstant, missingBlob.RecordURI),
			)
			if missingCount == 0 {
				firstMissing = missingBlob.ContentID
			}
			missingCount++
		}

		if len(page.Cursor) == 0 {
			break
		}
		if _, returned := returnedCursors[page.Cursor]; returned || page.Cursor == cursor {
			return DataTransferError{Phase: TransferPhaseBlob, Cause: ErrRepeatedCursor}
		}
		returnedCursors[page.Cursor] = struct{}{}
		cursor = page.Cursor
	}

	if missingCount > 0 {
		return DataTransferError{Phase: TransferPhaseBlob, ContentID: firstMissing, Cause: ErrMissingBlobs}
	}
	return nil
}

func (engine *BlobTransferEngine) transferPage(transferContext context.Context, source AccountClient, destination AccountClient, did string, contentIDs []string) (int, error) {
	if engine.settings.Workers <= 1 || len(contentIDs) <= 1 {
		for index, contentID := range contentIDs {
			if transferError := engine.transferBlob(transferContext, source, destination, did, contentID); transferError != nil {
				return index, transferError
			}
		}
		return len(contentIDs), nil
	}

	var transferred atomic.Int64
	group, groupContext := errgroup.WithContext(transferContext)
	group.SetLimit(engine.settings.Workers)
	for _, contentID := range contentIDs {
		blobContentID := contentID
		group.Go(func() error {
			if contextError := groupContext.Err(); contextError != nil {
				return contextError
			}
			if transferError := engine.transferBlob(groupContext, source, destination, did, blobContentID); transferError != nil {
				return transferError
			}
			transferred.Add(1)
			return nil
		})
	}
	groupError := group.Wait()
	return int(transferred.Load()), groupError
}

func (engine *BlobTransferEngine) transferBlob(transferContext context.Context, source AccountClient, destination AccountClient, did string, contentID string) error {
	var data []byte
	fetchError := engine.calls.read(transferContext, atproto.GetBlobOperation, func(callContext context.Context) error {
		var err error
		data, err = source.FetchBlob(callContext, did, contentID)
		return err
	})
	if fetchError != nil {
		return DataTransferError{Phase: TransferPhaseBlob, ContentID: contentID, Cause: fetchError}
	}

	if engine.settings.VerifyContent {
		if verificationError := verifyBlobContent(contentID, data); verificationError != nil {
			return DataTransferError{Phase: TransferPhaseBlob, ContentID: contentID, Cause: verificationError}
		}
	}

	uploadError := engine.calls.write(transferContext, func(callContext context.Context) error {
		_, err := destination.UploadBlob(callContext, data)
		return err
	})
	if uploadError != nil {
		return DataTransferError{Phase: TransferPhaseBlob, ContentID: contentID, Cause: uploadError}
	}

	engine.logger.Debug(logMessageBlobTransferredConstant, zap.String(logFieldContentIDConstant, contentID))
	return nil
}

func verifyBlobContent(contentID string, data []byte) error {
	expected, decodeError := cid.Decode(contentID)
	if decodeError != nil {
		return fmt.Errorf(contentIDDecodeErrorTemplateConstant, decodeError)
	}
	actual, hashError := expected.Prefix().Sum(data)
	if hashError != nil {
		return fmt.Errorf(contentHashErrorTemplateConstant, hashError)
	}
	if !actual.Equals(expected) {
		return ErrContentMismatch
	}
	return nil
}
