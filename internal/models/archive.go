package models

import (
	"encoding/json"
	"time"
)

// borgTimeLayout matches the timestamps borg 1.x prints in --json
// documents: local ISO 8601 without a timezone offset, fractional
// seconds optional.
const borgTimeLayout = "2006-01-02T15:04:05.999999"

// Timestamp decodes borg's JSON timestamps. Plain RFC 3339 is accepted
// too.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseInLocation(borgTimeLayout, s, time.Local)
	if err != nil {
		parsed, err = time.Parse(time.RFC3339, s)
	}
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// Archive is one archive entry as reported by `borg list --json`.
type Archive struct {
	Name     string    `json:"name"`
	ID       string    `json:"id"`
	Start    Timestamp `json:"start"`
	Time     Timestamp `json:"time"`
	Hostname string    `json:"hostname"`
	Username string    `json:"username"`
}

// ListResult is the document `borg list --json` prints on stdout.
type ListResult struct {
	Archives []Archive `json:"archives"`
}
