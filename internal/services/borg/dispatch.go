package borg

import (
	"fmt"
	"strings"

	"github.com/fgeck/goborg-homelab/internal/models"
	"github.com/rs/zerolog"
)

// Handler classifies each protocol Message against the fixed taxonomy and
// reacts: fatal msgids become typed failures, prompts abort, borg's own
// output lines are logged, progress messages feed the callback and anything
// else is dropped at debug level. Classification is stateless so the
// dispatch table can be exercised with synthetic messages.
type Handler struct {
	logger   zerolog.Logger
	progress models.ProgressFunc
}

// NewHandler creates a Handler. progress may be nil.
func NewHandler(logger zerolog.Logger, progress models.ProgressFunc) *Handler {
	return &Handler{logger: logger, progress: progress}
}

// Dispatch classifies one message. It returns a non-nil error exactly when
// the message must abort the current invocation.
func (h *Handler) Dispatch(msg *models.Message) error {
	switch msg.Type {
	case models.TypeLogMessage:
		return h.dispatchLog(msg)

	case models.TypeProgressMessage:
		h.forward(models.ProgressUpdate{
			Type:     msg.Type,
			Message:  msg.Message,
			Percent:  -1,
			Finished: msg.Finished,
		})

	case models.TypeProgressPercent:
		percent := -1.0
		if msg.Total > 0 {
			percent = 100 * msg.Current / msg.Total
		}
		h.forward(models.ProgressUpdate{
			Type:     msg.Type,
			Message:  msg.Message,
			Percent:  percent,
			Finished: msg.Finished,
		})

	case models.TypeArchiveProgress:
		h.forward(models.ProgressUpdate{
			Type:     msg.Type,
			Summary:  formatArchiveProgress(msg),
			Path:     msg.Path,
			NFiles:   msg.NFiles,
			Percent:  -1,
			Finished: msg.Finished,
		})

	default:
		// file_status, the question_* family and anything unrecognized.
		h.logger.Debug().Str("type", msg.Type).Msg("unhandled message from borg")
	}
	return nil
}

func (h *Handler) dispatchLog(msg *models.Message) error {
	if _, ok := fatalKinds[Kind(msg.MsgID)]; ok {
		return &Error{ID: Kind(msg.MsgID), Message: msg.Message}
	}
	if _, ok := promptMsgIDs[msg.MsgID]; ok {
		return &PromptError{MsgID: msg.MsgID, Message: msg.Message}
	}
	if strings.HasPrefix(msg.Name, "borg.") && msg.Name != "borg.output.progress" {
		// What borg would have printed on a plain CLI session.
		h.logger.Info().Str("name", msg.Name).Msg(strings.TrimRight(msg.Message, "\n"))
		return nil
	}
	h.logger.Debug().Str("name", msg.Name).Msg(strings.TrimRight(msg.Message, "\n"))
	return nil
}

func (h *Handler) forward(update models.ProgressUpdate) {
	if h.progress != nil {
		h.progress(update)
	}
}

// formatArchiveProgress mimics borg's own progress line.
func formatArchiveProgress(msg *models.Message) string {
	return fmt.Sprintf("%s O %s C %s D %d N",
		formatFileSize(msg.OriginalSize),
		formatFileSize(msg.CompressedSize),
		formatFileSize(msg.DeduplicatedSize),
		msg.NFiles,
	)
}
