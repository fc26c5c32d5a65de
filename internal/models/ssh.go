package models

// SSHShutdownConfig holds SSH shutdown settings for a repository host.
type SSHShutdownConfig struct {
	Host          string
	Port          int
	Username      string
	PrivateKey    []byte // loaded from KeyPath
	KeyPath       string
	ShutdownDelay int // minutes before shutdown
}

// SSHResult holds the result of an SSH operation.
type SSHResult struct {
	CommandRun bool
	Output     string
	Error      error
}
