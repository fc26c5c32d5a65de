package borg

import (
	"errors"
	"testing"

	"github.com/fgeck/goborg-homelab/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatch_EveryFatalKindRaisesMatchingFailure(t *testing.T) {
	handler := NewHandler(testLogger(), nil)

	for kind := range fatalKinds {
		err := handler.Dispatch(&models.Message{
			Type:    models.TypeLogMessage,
			Name:    "borg.archiver",
			MsgID:   string(kind),
			Message: "it broke",
		})

		require.Error(t, err, "msgid %s must be fatal", kind)
		assert.ErrorIs(t, err, kind, "failure kind must match msgid %s", kind)

		var borgErr *Error
		require.ErrorAs(t, err, &borgErr)
		assert.Equal(t, "it broke", borgErr.Message)
	}
}

func TestDispatch_FatalKindsAreDistinguishable(t *testing.T) {
	handler := NewHandler(testLogger(), nil)

	err := handler.Dispatch(&models.Message{
		Type:  models.TypeLogMessage,
		MsgID: "Archive.AlreadyExists",
	})

	assert.ErrorIs(t, err, ArchiveAlreadyExists)
	assert.NotErrorIs(t, err, PassphraseWrong)
}

func TestDispatch_PromptRaises(t *testing.T) {
	handler := NewHandler(testLogger(), nil)

	err := handler.Dispatch(&models.Message{
		Type:    models.TypeLogMessage,
		MsgID:   "BORG_RELOCATED_REPO_ACCESS_IS_OK",
		Message: "repository has moved, continue?",
	})

	var promptErr *PromptError
	require.ErrorAs(t, err, &promptErr)
	assert.Equal(t, "BORG_RELOCATED_REPO_ACCESS_IS_OK", promptErr.MsgID)
}

func TestDispatch_BorgOutputIsInformational(t *testing.T) {
	var updates []models.ProgressUpdate
	handler := NewHandler(testLogger(), func(u models.ProgressUpdate) { updates = append(updates, u) })

	err := handler.Dispatch(&models.Message{
		Type:    models.TypeLogMessage,
		Name:    "borg.output.stats",
		Message: "Archive name: pc-2024",
	})

	assert.NoError(t, err)
	assert.Empty(t, updates, "log lines must not hit the progress callback")
}

func TestDispatch_ArchiveProgressForwardsSummary(t *testing.T) {
	var updates []models.ProgressUpdate
	handler := NewHandler(testLogger(), func(u models.ProgressUpdate) { updates = append(updates, u) })

	err := handler.Dispatch(&models.Message{
		Type:             models.TypeArchiveProgress,
		OriginalSize:     1000,
		CompressedSize:   500,
		DeduplicatedSize: 250,
		NFiles:           3,
		Path:             "/data/f",
	})

	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, 3, updates[0].NFiles)
	assert.Equal(t, "/data/f", updates[0].Path)
	assert.Equal(t, "1.00 kB O 500 B C 250 B D 3 N", updates[0].Summary)
}

func TestDispatch_ProgressPercent(t *testing.T) {
	var updates []models.ProgressUpdate
	handler := NewHandler(testLogger(), func(u models.ProgressUpdate) { updates = append(updates, u) })

	err := handler.Dispatch(&models.Message{
		Type:    models.TypeProgressPercent,
		Message: "Checking segments",
		Current: 25,
		Total:   100,
	})

	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.InDelta(t, 25.0, updates[0].Percent, 0.001)
}

func TestDispatch_UnknownTypesAreDropped(t *testing.T) {
	var updates []models.ProgressUpdate
	handler := NewHandler(testLogger(), func(u models.ProgressUpdate) { updates = append(updates, u) })

	for _, typ := range []string{
		models.TypeFileStatus,
		"question_prompt",
		"question_accepted_default",
		"something_new",
	} {
		err := handler.Dispatch(&models.Message{Type: typ})
		assert.NoError(t, err, "type %s must not raise", typ)
	}
	assert.Empty(t, updates)
}

func TestDispatch_UnknownMsgIDIsNotFatal(t *testing.T) {
	handler := NewHandler(testLogger(), nil)

	err := handler.Dispatch(&models.Message{
		Type:    models.TypeLogMessage,
		Name:    "borg.archiver",
		MsgID:   "SomeFutureError",
		Message: "unknown id",
	})

	assert.NoError(t, err)
}

func TestDispatch_NilCallbackIsSafe(t *testing.T) {
	handler := NewHandler(testLogger(), nil)

	err := handler.Dispatch(&models.Message{Type: models.TypeArchiveProgress, NFiles: 1})
	assert.NoError(t, err)
}

func TestErrorString(t *testing.T) {
	err := &Error{ID: PassphraseWrong, Message: "passphrase supplied is incorrect"}
	assert.Contains(t, err.Error(), "PassphraseWrong")
	assert.Contains(t, err.Error(), "incorrect")
	assert.False(t, errors.Is(err, ArchiveAlreadyExists))
}
