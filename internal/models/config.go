// Package models contains the data structures used throughout goborg-homelab.
package models

// Config holds the fully parsed configuration: global options plus all
// repositories and tasks keyed by name.
type Config struct {
	Verbose      bool
	Repositories map[string]*RepositoryConfig
	Tasks        map[string]*TaskConfig
}

// Hook is a single pre/post or mount/umount hook. Either an external script
// path (relative paths resolve against the config directory) or an inline
// shell snippet.
type Hook struct {
	Command string
	Shell   bool // run via `sh -c` instead of executing a script file
}

// RepositoryConfig describes one borg repository.
type RepositoryConfig struct {
	Name        string
	Path        string
	Compression string // passed to borg create via --compression
	Passphrase  string // resolved from passphrase-file at load time if set
	RemotePath  string // alternate borg binary on the remote side
	Mount       []Hook
	Umount      []Hook
	Wake        *WOLConfig         // nil if not configured
	Shutdown    *SSHShutdownConfig // nil if not configured
}

// RetentionSpec maps borg prune interval classes to counts. Within holds a
// duration string understood by borg's --keep-within.
type RetentionSpec struct {
	Within   string
	Last     int
	Secondly int
	Minutely int
	Hourly   int
	Daily    int
	Weekly   int
	Monthly  int
	Yearly   int
}

// Empty reports whether the spec would produce no --keep flags at all.
func (r RetentionSpec) Empty() bool {
	return r.Within == "" &&
		r.Last == 0 && r.Secondly == 0 && r.Minutely == 0 && r.Hourly == 0 &&
		r.Daily == 0 && r.Weekly == 0 && r.Monthly == 0 && r.Yearly == 0
}

// TaskConfig describes one backup task.
type TaskConfig struct {
	Name        string
	Repository  string // name of the owning repository
	Enabled     bool
	Prefix      string          // archive name prefix, supports {hostname}
	Keep        []RetentionSpec // one borg prune invocation each
	Includes    []string
	IncludeFile string // side file, loaded lazily at create time
	ExcludeFile string // side file, loaded lazily at create time
	PathPrefix  string // re-roots include/exclude paths
	Schedule    string // optional cron expression for the daemon
	Pre         []Hook
	Post        []Hook
}
