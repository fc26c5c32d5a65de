// Package config provides configuration file parsing.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fgeck/goborg-homelab/internal/models"
	"github.com/spf13/viper"
)

// retentionKeys is the fixed set of borg prune interval classes.
var retentionKeys = map[string]bool{
	"within":   true,
	"last":     true,
	"secondly": true,
	"minutely": true,
	"hourly":   true,
	"daily":    true,
	"weekly":   true,
	"monthly":  true,
	"yearly":   true,
}

// Parser handles configuration file parsing. Relative paths inside the
// configuration (hook scripts, passphrase files, include files) resolve
// against the configuration directory.
type Parser struct {
	v       *viper.Viper
	confDir string
}

// NewParser creates a new configuration parser.
func NewParser(confDir string) *Parser {
	v := viper.New()
	v.SetConfigType("yaml")
	return &Parser{v: v, confDir: confDir}
}

// LoadFile loads configuration from a file path.
func (p *Parser) LoadFile(path string) (*models.Config, error) {
	p.v.SetConfigFile(path)

	if err := p.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return p.parse()
}

// LoadReader loads configuration from a string (useful for testing).
func (p *Parser) LoadReader(content string) (*models.Config, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return p.parse()
}

func (p *Parser) parse() (*models.Config, error) {
	cfg := &models.Config{
		Verbose:      p.v.GetBool("verbose"),
		Repositories: make(map[string]*models.RepositoryConfig),
		Tasks:        make(map[string]*models.TaskConfig),
	}

	repoSection := p.v.GetStringMap("repositories")
	if len(repoSection) == 0 {
		return nil, fmt.Errorf("at least one repository is required")
	}
	for _, name := range sortedKeys(repoSection) {
		repo, err := p.parseRepository(name, repoSection[name])
		if err != nil {
			return nil, err
		}
		cfg.Repositories[name] = repo
	}

	taskSection := p.v.GetStringMap("tasks")
	for _, name := range sortedKeys(taskSection) {
		task, err := p.parseTask(name, taskSection[name])
		if err != nil {
			return nil, err
		}
		// viper lowercases section keys, so repository references resolve
		// case-insensitively.
		task.Repository = strings.ToLower(task.Repository)
		if _, ok := cfg.Repositories[task.Repository]; !ok {
			return nil, fmt.Errorf("task %s: no repository named %q", name, task.Repository)
		}
		cfg.Tasks[name] = task
	}

	return cfg, nil
}

//nolint:gocognit // config parsing with defaults
func (p *Parser) parseRepository(name string, raw any) (*models.RepositoryConfig, error) {
	section, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("repository %s: expected a mapping", name)
	}

	repo := &models.RepositoryConfig{
		Name:        name,
		Path:        os.ExpandEnv(getString(section, "path")),
		Compression: getString(section, "compression"),
		Passphrase:  os.ExpandEnv(getString(section, "passphrase")),
		RemotePath:  getString(section, "remote-path"),
	}
	if repo.Path == "" {
		return nil, fmt.Errorf("repository %s: path is required", name)
	}

	// A passphrase file wins over an inline passphrase and is resolved
	// once, at load time.
	if file := getString(section, "passphrase-file"); file != "" {
		passphrase, err := p.readPassphraseFile(file)
		if err != nil {
			return nil, fmt.Errorf("repository %s: %w", name, err)
		}
		repo.Passphrase = passphrase
	}

	var err error
	if repo.Mount, err = parseHooks(section["mount"]); err != nil {
		return nil, fmt.Errorf("repository %s: mount: %w", name, err)
	}
	if repo.Umount, err = parseHooks(section["umount"]); err != nil {
		return nil, fmt.Errorf("repository %s: umount: %w", name, err)
	}

	if wakeRaw, ok := section["wake"]; ok {
		wake, err := parseWake(wakeRaw)
		if err != nil {
			return nil, fmt.Errorf("repository %s: wake: %w", name, err)
		}
		repo.Wake = wake
	}
	if shutdownRaw, ok := section["shutdown"]; ok {
		shutdown, err := p.parseShutdown(shutdownRaw)
		if err != nil {
			return nil, fmt.Errorf("repository %s: shutdown: %w", name, err)
		}
		repo.Shutdown = shutdown
	}

	return repo, nil
}

//nolint:gocognit // config parsing with defaults
func (p *Parser) parseTask(name string, raw any) (*models.TaskConfig, error) {
	section, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("task %s: expected a mapping", name)
	}

	task := &models.TaskConfig{
		Name:        name,
		Repository:  getString(section, "repository"),
		Enabled:     true,
		Prefix:      getString(section, "prefix"),
		Includes:    getStringSlice(section, "includes"),
		IncludeFile: getString(section, "include-file"),
		ExcludeFile: getString(section, "exclude-file"),
		PathPrefix:  getString(section, "path-prefix"),
		Schedule:    getString(section, "schedule"),
	}

	if task.Repository == "" {
		return nil, fmt.Errorf("task %s: repository is required", name)
	}
	if enabled, ok := section["enabled"].(bool); ok {
		task.Enabled = enabled
	}
	if task.Prefix == "" {
		task.Prefix = "{hostname}"
	}
	if len(task.Includes) == 0 && task.IncludeFile == "" {
		return nil, fmt.Errorf("task %s: at least one include source is required", name)
	}

	// Side files resolve against the config directory now, but are read
	// only when the task actually runs.
	if task.IncludeFile != "" && !filepath.IsAbs(task.IncludeFile) {
		task.IncludeFile = filepath.Join(p.confDir, task.IncludeFile)
	}
	if task.ExcludeFile != "" && !filepath.IsAbs(task.ExcludeFile) {
		task.ExcludeFile = filepath.Join(p.confDir, task.ExcludeFile)
	}

	keep, err := parseRetention(name, section["keep"])
	if err != nil {
		return nil, err
	}
	task.Keep = keep

	if task.Pre, err = parseHooks(section["pre"]); err != nil {
		return nil, fmt.Errorf("task %s: pre: %w", name, err)
	}
	if task.Post, err = parseHooks(section["post"]); err != nil {
		return nil, fmt.Errorf("task %s: post: %w", name, err)
	}

	return task, nil
}

// parseRetention accepts a single interval mapping or a list of mappings,
// one borg prune invocation each. Keys outside the fixed interval set fail
// config loading.
func parseRetention(task string, raw any) ([]models.RetentionSpec, error) {
	if raw == nil {
		return nil, nil
	}

	var rawSpecs []any
	switch v := raw.(type) {
	case []any:
		rawSpecs = v
	case map[string]any:
		rawSpecs = []any{v}
	default:
		return nil, fmt.Errorf("task %s: keep: expected a mapping or a list of mappings", task)
	}

	specs := make([]models.RetentionSpec, 0, len(rawSpecs))
	for _, rawSpec := range rawSpecs {
		section, ok := rawSpec.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("task %s: keep: expected a mapping", task)
		}

		var spec models.RetentionSpec
		for key, value := range section {
			if !retentionKeys[key] {
				return nil, fmt.Errorf("task %s: keep: unknown interval %q", task, key)
			}
			if key == "within" {
				within, ok := value.(string)
				if !ok {
					return nil, fmt.Errorf("task %s: keep: within takes a duration string", task)
				}
				spec.Within = within
				continue
			}
			count, ok := toInt(value)
			if !ok {
				return nil, fmt.Errorf("task %s: keep: %s takes a count", task, key)
			}
			switch key {
			case "last":
				spec.Last = count
			case "secondly":
				spec.Secondly = count
			case "minutely":
				spec.Minutely = count
			case "hourly":
				spec.Hourly = count
			case "daily":
				spec.Daily = count
			case "weekly":
				spec.Weekly = count
			case "monthly":
				spec.Monthly = count
			case "yearly":
				spec.Yearly = count
			}
		}
		if spec.Empty() {
			return nil, fmt.Errorf("task %s: keep: empty interval mapping", task)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// parseHooks accepts a single hook or a list of hooks, where each hook is
// either a script path string or a {shell: ...} mapping with an inline
// snippet.
func parseHooks(raw any) ([]models.Hook, error) {
	if raw == nil {
		return nil, nil
	}

	items, ok := raw.([]any)
	if !ok {
		items = []any{raw}
	}

	hooks := make([]models.Hook, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			hooks = append(hooks, models.Hook{Command: v})
		case map[string]any:
			snippet, ok := v["shell"].(string)
			if !ok {
				return nil, fmt.Errorf("hook mapping needs a shell key")
			}
			hooks = append(hooks, models.Hook{Command: snippet, Shell: true})
		default:
			return nil, fmt.Errorf("hook must be a script path or a shell mapping")
		}
	}
	return hooks, nil
}

func parseWake(raw any) (*models.WOLConfig, error) {
	section, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected a mapping")
	}

	wake := &models.WOLConfig{
		MACAddress:  getString(section, "mac-address"),
		BroadcastIP: getString(section, "broadcast-ip"),
		PollURL:     getString(section, "poll-url"),
	}
	if wake.MACAddress == "" {
		return nil, fmt.Errorf("mac-address is required")
	}
	if wake.BroadcastIP == "" {
		wake.BroadcastIP = "255.255.255.255"
	}

	var err error
	if wake.Timeout, err = getDuration(section, "timeout", 5*time.Minute); err != nil {
		return nil, err
	}
	if wake.PollInterval, err = getDuration(section, "poll-interval", 10*time.Second); err != nil {
		return nil, err
	}
	if wake.StabilizeWait, err = getDuration(section, "stabilize-wait", 10*time.Second); err != nil {
		return nil, err
	}
	return wake, nil
}

func (p *Parser) parseShutdown(raw any) (*models.SSHShutdownConfig, error) {
	section, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected a mapping")
	}

	shutdown := &models.SSHShutdownConfig{
		Host:     getString(section, "host"),
		Username: getString(section, "username"),
		KeyPath:  os.ExpandEnv(getString(section, "key-path")),
	}
	if shutdown.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	if shutdown.Username == "" {
		shutdown.Username = "root"
	}
	if shutdown.KeyPath == "" {
		return nil, fmt.Errorf("key-path is required")
	}
	if !filepath.IsAbs(shutdown.KeyPath) {
		shutdown.KeyPath = filepath.Join(p.confDir, shutdown.KeyPath)
	}

	shutdown.Port = 22
	if port, ok := toInt(section["port"]); ok {
		shutdown.Port = port
	}
	shutdown.ShutdownDelay = 1
	if delay, ok := toInt(section["shutdown-delay"]); ok {
		shutdown.ShutdownDelay = delay
	}
	return shutdown, nil
}

// readPassphraseFile returns the first line of the file, stripped.
func (p *Parser) readPassphraseFile(path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(p.confDir, path)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("passphrase file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("passphrase file %s: %w", path, err)
		}
		return "", fmt.Errorf("passphrase file %s is empty", path)
	}
	return strings.TrimSpace(scanner.Text()), nil
}

func getString(section map[string]any, key string) string {
	s, _ := section[key].(string)
	return s
}

func getStringSlice(section map[string]any, key string) []string {
	items, ok := section[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func getDuration(section map[string]any, key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := section[key]
	if !ok {
		return fallback, nil
	}
	s, ok := raw.(string)
	if !ok {
		return 0, fmt.Errorf("%s: expected a duration string", key)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func toInt(raw any) (int, bool) {
	switch v := raw.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
