package main

import "time"

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	InstallDir string
	LogLevel   string
}

type AcquireFlags struct {
	Timeout time.Duration // overall bound, on top of startup_timeout
}

type ReleaseFlags struct {
	Wait time.Duration // how long to wait for the guard lock
}

type ServeFlags struct {
	Listen        string
	BasePath      string
	MetricsListen string
	Lazy          bool // do not acquire before serving
}
