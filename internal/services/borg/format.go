package borg

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/fgeck/goborg-homelab/internal/models"
)

// Repo carries the repository-derived pieces of a borg command line.
type Repo struct {
	Name        string
	Path        string
	Compression string
	RemotePath  string
	Passphrase  string
}

// Args returns the repository-derived arguments. Compression only applies
// to create.
func (r Repo) Args(create bool) []string {
	var args []string
	if r.RemotePath != "" {
		args = append(args, "--remote-path", r.RemotePath)
	}
	if create && r.Compression != "" {
		args = append(args, "--compression", r.Compression)
	}
	return args
}

// Env returns the environment additions for this repository. The passphrase
// travels via the environment only, never argv, so it cannot leak through
// process listings.
func (r Repo) Env() []string {
	if r.Passphrase == "" {
		return nil
	}
	return []string{"BORG_PASSPHRASE=" + r.Passphrase}
}

// ArchiveSpec renders the repository::archive form borg expects.
func (r Repo) ArchiveSpec(archive string) string {
	return r.Path + "::" + archive
}

// Verbosity selects the borg log-level flag.
type Verbosity int

const (
	VerbosityWarning Verbosity = iota // borg's default, no flag
	VerbosityCritical
	VerbosityError
	VerbosityInfo
	VerbosityDebug
)

func (v Verbosity) flag() string {
	switch v {
	case VerbosityCritical:
		return "--critical"
	case VerbosityError:
		return "--error"
	case VerbosityInfo:
		return "--verbose"
	case VerbosityDebug:
		return "--debug"
	default:
		return ""
	}
}

// FilterOptions narrow which archives a command operates on.
type FilterOptions struct {
	Prefix string
	Glob   string
	SortBy string // comma-separated: timestamp, name, id
	First  int
	Last   int
}

// args validates and renders the filter flags. sorting controls whether the
// sort-by/first/last family is permitted for the command at hand.
func (f FilterOptions) args(sorting bool) ([]string, error) {
	if f.Prefix != "" && f.Glob != "" {
		return nil, &InvalidOptionsError{Reason: "options --glob-archives and --prefix conflict"}
	}

	var args []string
	if f.Prefix != "" {
		args = append(args, "--prefix", f.Prefix)
	}
	if f.Glob != "" {
		args = append(args, "--glob-archives", f.Glob)
	}
	if sorting {
		if f.SortBy != "" {
			for _, key := range strings.Split(f.SortBy, ",") {
				switch key {
				case "timestamp", "name", "id":
				default:
					return nil, &InvalidOptionsError{Reason: "unknown sort key " + key}
				}
			}
			args = append(args, "--sort-by", f.SortBy)
		}
		if f.First > 0 {
			args = append(args, "--first", strconv.Itoa(f.First))
		}
		if f.Last > 0 {
			args = append(args, "--last", strconv.Itoa(f.Last))
		}
	}
	return args, nil
}

// retentionArgs renders one retention spec into borg prune --keep flags.
func retentionArgs(keep models.RetentionSpec) []string {
	var args []string
	if keep.Within != "" {
		args = append(args, "--keep-within", keep.Within)
	}
	for _, iv := range []struct {
		flag  string
		count int
	}{
		{"--keep-last", keep.Last},
		{"--keep-secondly", keep.Secondly},
		{"--keep-minutely", keep.Minutely},
		{"--keep-hourly", keep.Hourly},
		{"--keep-daily", keep.Daily},
		{"--keep-weekly", keep.Weekly},
		{"--keep-monthly", keep.Monthly},
		{"--keep-yearly", keep.Yearly},
	} {
		if iv.count > 0 {
			args = append(args, iv.flag, strconv.Itoa(iv.count))
		}
	}
	return args
}

// formatFileSize renders a byte count the way borg does: decimal units,
// two-digit precision, space-separated suffix.
func formatFileSize(n int64) string {
	const power = 1000.0
	units := []string{"k", "M", "G", "T", "P", "E", "Z"}

	num := float64(n)
	if math.Abs(num) < power {
		return fmt.Sprintf("%d B", n)
	}
	for _, unit := range units {
		num /= power
		if math.Abs(num) < power {
			return fmt.Sprintf("%.2f %sB", num, unit)
		}
	}
	return fmt.Sprintf("%.2f YB", num/power)
}
