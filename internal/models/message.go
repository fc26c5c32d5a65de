package models

// Message types emitted on borg's --log-json stderr channel.
const (
	TypeLogMessage      = "log_message"
	TypeProgressMessage = "progress_message"
	TypeProgressPercent = "progress_percent"
	TypeArchiveProgress = "archive_progress"
	TypeFileStatus      = "file_status"
)

// Message is one decoded JSON event from borg's structured log protocol.
// Only the fields matching Type carry meaning. A Message exists for the
// duration of a single dispatch and is never persisted.
type Message struct {
	Type      string `json:"type"`
	Name      string `json:"name"`
	MsgID     string `json:"msgid"`
	Message   string `json:"message"`
	LevelName string `json:"levelname"`

	// progress_message / progress_percent payload
	Operation int     `json:"operation"`
	Finished  bool    `json:"finished"`
	Current   float64 `json:"current"`
	Total     float64 `json:"total"`

	// archive_progress payload
	OriginalSize     int64  `json:"original_size"`
	CompressedSize   int64  `json:"compressed_size"`
	DeduplicatedSize int64  `json:"deduplicated_size"`
	NFiles           int    `json:"nfiles"`
	Path             string `json:"path"`

	// file_status payload
	Status string `json:"status"`

	Time float64 `json:"time"`
}

// ProgressUpdate is delivered to the registered progress callback for each
// progress-type Message.
type ProgressUpdate struct {
	Type     string
	Message  string
	Percent  float64 // current/total for progress_percent, -1 otherwise
	Summary  string  // formatted size/file-count line for archive_progress
	Path     string
	NFiles   int
	Finished bool
}

// ProgressFunc receives live progress updates while borg is running.
type ProgressFunc func(ProgressUpdate)
