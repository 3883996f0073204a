package process

import (
	"os/exec"
	"regexp"
	"strconv"
)

// Spec describes how to launch a worker.
type Spec struct {
	Name    string   `json:"name"`     // used for logs and log file names
	Path    string   `json:"path"`     // executable to run
	Args    []string `json:"args"`     // optional arguments
	Env     []string `json:"env"`      // full environment; nil inherits the host's
	WorkDir string   `json:"work_dir"` // optional working dir
	// OutputDir receives stdout.log and stderr.log; empty uses a private temp dir
	// removed after exit.
	OutputDir string `json:"output_dir"`
}

// BuildCommand constructs an *exec.Cmd for the spec. Stdin is left nil so the
// child reads from the null device.
func (s Spec) BuildCommand() *exec.Cmd {
	// #nosec G204 -- the path is the staged worker binary
	cmd := exec.Command(s.Path, s.Args...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	if s.Env != nil {
		cmd.Env = s.Env
	}
	cmd.Stdin = nil
	configureSysProcAttr(cmd)
	return cmd
}

var announceRe = regexp.MustCompile(`(?i)listening on (\d+)`)

// ParseAnnouncement extracts the port from a readiness line such as
// "Listening on 54321". It reports false for any other line.
func ParseAnnouncement(line string) (int, bool) {
	m := announceRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	port, err := strconv.Atoi(m[1])
	if err != nil || port <= 0 || port > 65535 {
		return 0, false
	}
	return port, true
}
