package borg

import (
	"errors"
	"fmt"
)

// Kind identifies one of borg's stable error message ids. A Kind satisfies
// error so callers can match a typed *Error against a specific kind with
// errors.Is, e.g. errors.Is(err, borg.ArchiveAlreadyExists).
type Kind string

func (k Kind) Error() string {
	return string(k)
}

// The fatal error kinds, one per stable borg msgid.
const (
	ArchiveAlreadyExists              Kind = "Archive.AlreadyExists"
	ArchiveDoesNotExist               Kind = "Archive.DoesNotExist"
	ArchiveIncompatibleEncoding       Kind = "Archive.IncompatibleFilesystemEncodingError"
	CacheInitAborted                  Kind = "Cache.CacheInitAbortedError"
	CacheEncryptionMethodMismatch     Kind = "Cache.EncryptionMethodMismatch"
	CacheRepositoryAccessAborted      Kind = "Cache.RepositoryAccessAborted"
	CacheRepositoryIDNotUnique        Kind = "Cache.RepositoryIDNotUnique"
	CacheRepositoryReplay             Kind = "Cache.RepositoryReplay"
	BufferMemoryLimitExceeded         Kind = "Buffer.MemoryLimitExceeded"
	ExtensionModuleError              Kind = "ExtensionModuleError"
	IntegrityError                    Kind = "IntegrityError"
	NoManifestError                   Kind = "NoManifestError"
	PlaceholderError                  Kind = "PlaceholderError"
	KeyfileInvalid                    Kind = "KeyfileInvalidError"
	KeyfileMismatch                   Kind = "KeyfileMismatchError"
	KeyfileNotFound                   Kind = "KeyfileNotFoundError"
	PassphraseWrong                   Kind = "PassphraseWrong"
	PasswordRetriesExceeded           Kind = "PasswordRetriesExceeded"
	RepoKeyNotFound                   Kind = "RepoKeyNotFoundError"
	UnsupportedManifestError          Kind = "UnsupportedManifestError"
	UnsupportedPayloadError           Kind = "UnsupportedPayloadError"
	NotABorgKeyFile                   Kind = "NotABorgKeyFile"
	RepoIDMismatch                    Kind = "RepoIdMismatch"
	UnencryptedRepo                   Kind = "UnencryptedRepo"
	UnknownKeyType                    Kind = "UnknownKeyType"
	LockError                         Kind = "LockError"
	LockErrorT                        Kind = "LockErrorT"
	ConnectionClosed                  Kind = "ConnectionClosed"
	InvalidRPCMethod                  Kind = "InvalidRPCMethod"
	PathNotAllowed                    Kind = "PathNotAllowed"
	RPCServerOutdated                 Kind = "RemoteRepository.RPCServerOutdated"
	UnexpectedRPCDataFromClient       Kind = "UnexpectedRPCDataFormatFromClient"
	UnexpectedRPCDataFromServer       Kind = "UnexpectedRPCDataFormatFromServer"
	RepositoryAlreadyExists           Kind = "Repository.AlreadyExists"
	RepositoryCheckNeeded             Kind = "Repository.CheckNeeded"
	RepositoryDoesNotExist            Kind = "Repository.DoesNotExist"
	RepositoryInsufficientFreeSpace   Kind = "Repository.InsufficientFreeSpaceError"
	RepositoryInvalidRepository       Kind = "Repository.InvalidRepository"
	RepositoryAtticRepository         Kind = "Repository.AtticRepository"
	RepositoryObjectNotFound          Kind = "Repository.ObjectNotFound"
)

// fatalKinds is the closed set of msgids that abort an invocation with a
// typed *Error.
var fatalKinds = map[Kind]struct{}{
	ArchiveAlreadyExists:            {},
	ArchiveDoesNotExist:             {},
	ArchiveIncompatibleEncoding:     {},
	CacheInitAborted:                {},
	CacheEncryptionMethodMismatch:   {},
	CacheRepositoryAccessAborted:    {},
	CacheRepositoryIDNotUnique:      {},
	CacheRepositoryReplay:           {},
	BufferMemoryLimitExceeded:       {},
	ExtensionModuleError:            {},
	IntegrityError:                  {},
	NoManifestError:                 {},
	PlaceholderError:                {},
	KeyfileInvalid:                  {},
	KeyfileMismatch:                 {},
	KeyfileNotFound:                 {},
	PassphraseWrong:                 {},
	PasswordRetriesExceeded:         {},
	RepoKeyNotFound:                 {},
	UnsupportedManifestError:        {},
	UnsupportedPayloadError:         {},
	NotABorgKeyFile:                 {},
	RepoIDMismatch:                  {},
	UnencryptedRepo:                 {},
	UnknownKeyType:                  {},
	LockError:                       {},
	LockErrorT:                      {},
	ConnectionClosed:                {},
	InvalidRPCMethod:                {},
	PathNotAllowed:                  {},
	RPCServerOutdated:               {},
	UnexpectedRPCDataFromClient:     {},
	UnexpectedRPCDataFromServer:     {},
	RepositoryAlreadyExists:         {},
	RepositoryCheckNeeded:           {},
	RepositoryDoesNotExist:          {},
	RepositoryInsufficientFreeSpace: {},
	RepositoryInvalidRepository:     {},
	RepositoryAtticRepository:       {},
	RepositoryObjectNotFound:        {},
}

// promptMsgIDs is the closed set of msgids borg emits when it wants an
// interactive answer.
var promptMsgIDs = map[string]struct{}{
	"BORG_UNKNOWN_UNENCRYPTED_REPO_ACCESS_IS_OK": {},
	"BORG_RELOCATED_REPO_ACCESS_IS_OK":           {},
	"BORG_CHECK_I_KNOW_WHAT_I_AM_DOING":          {},
	"BORG_DELETE_I_KNOW_WHAT_I_AM_DOING":         {},
	"BORG_RECREATE_I_KNOW_WHAT_I_AM_DOING":       {},
}

// Error is a typed failure raised from a fatal log_message. It carries the
// full message fields; errors.Is matches it against the Kind constants.
type Error struct {
	ID      Kind
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("borg: %s: %s", e.ID, e.Message)
	}
	return fmt.Sprintf("borg: %s", e.ID)
}

// Is matches against a Kind target.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.ID
}

// PromptError is raised when borg asks for interactive confirmation. This
// tool runs unattended and never answers prompts, so a prompt means a
// misconfiguration that must fail the invocation.
type PromptError struct {
	MsgID   string
	Message string
}

func (e *PromptError) Error() string {
	return fmt.Sprintf("borg requested interactive confirmation (%s): %s", e.MsgID, e.Message)
}

// InvalidOptionsError reports a contradictory or incomplete set of options.
// It is raised before any subprocess is spawned.
type InvalidOptionsError struct {
	Reason string
}

func (e *InvalidOptionsError) Error() string {
	return "invalid borg options: " + e.Reason
}

// ErrBusy is returned when a second invocation is requested while one is
// already in flight on the same supervisor. This is a programming error in
// the caller, never a condition to queue on.
var ErrBusy = errors.New("borg: an invocation is already running")

// ErrCancelled is returned after a user-requested interruption of a running
// borg, once both output streams have been drained.
var ErrCancelled = errors.New("borg: invocation cancelled")
