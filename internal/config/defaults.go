package config

import "time"

// Default configuration constants for the LLD manager and workers
const (
	DefaultSocketDir      = "/tmp"
	DefaultWorkers        = 2
	MaxWorkers            = 100
	DefaultStatInterval   = 5 * time.Second
	DefaultRecvTimeout    = time.Second
	DefaultConnectTimeout = time.Minute
	DefaultStateDB        = "/tmp/treegix_lld.db"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "console"
	DefaultSampleRate     = 1.0
)
