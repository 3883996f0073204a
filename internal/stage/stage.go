package stage

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// ErrNotFound is returned when the binary to stage does not exist.
var ErrNotFound = errors.New("source binary not found")

// Installation is a scratch directory holding a private copy of a binary.
type Installation struct {
	Dir  string // unique scratch directory
	Path string // staged executable inside Dir
}

// Stager copies executables into fresh scratch directories so the running copy
// is independent of the original file, which may be replaced while it runs.
type Stager struct {
	fs     afero.Fs
	root   string
	prefix string
	now    func() time.Time
	logger *slog.Logger
}

// Config configures a Stager. Zero values pick defaults.
type Config struct {
	Root   string // parent of scratch dirs; defaults to os.TempDir()
	Prefix string // scratch dir name prefix; defaults to the binary base name
	Fs     afero.Fs
	Logger *slog.Logger
}

func New(cfg Config) *Stager {
	s := &Stager{
		fs:     cfg.Fs,
		root:   cfg.Root,
		prefix: cfg.Prefix,
		now:    time.Now,
		logger: cfg.Logger,
	}
	if s.fs == nil {
		s.fs = afero.NewOsFs()
	}
	if s.root == "" {
		s.root = os.TempDir()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Stage copies source into <root>/<prefix>-<unixnano>/<base(source)> and marks it executable.
func (s *Stager) Stage(source string) (Installation, error) {
	src, err := s.fs.Open(source)
	if err != nil {
		if os.IsNotExist(err) {
			return Installation{}, fmt.Errorf("%w: %s", ErrNotFound, source)
		}
		return Installation{}, fmt.Errorf("open %s: %w", source, err)
	}
	defer func() { _ = src.Close() }()

	base := filepath.Base(source)
	prefix := s.prefix
	if prefix == "" {
		prefix = base
	}
	dir, err := s.uniqueDir(prefix)
	if err != nil {
		return Installation{}, err
	}
	inst := Installation{Dir: dir, Path: filepath.Join(dir, base)}

	dst, err := s.fs.OpenFile(inst.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o755)
	if err != nil {
		s.Remove(inst)
		return Installation{}, fmt.Errorf("create staged binary: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		s.Remove(inst)
		return Installation{}, fmt.Errorf("copy binary: %w", err)
	}
	if err := dst.Close(); err != nil {
		s.Remove(inst)
		return Installation{}, fmt.Errorf("close staged binary: %w", err)
	}
	// umask may have stripped bits from the create mode
	if err := s.fs.Chmod(inst.Path, 0o755); err != nil {
		s.Remove(inst)
		return Installation{}, fmt.Errorf("chmod staged binary: %w", err)
	}
	s.logger.Debug("staged binary", "source", source, "path", inst.Path)
	return inst, nil
}

// uniqueDir creates a time-suffixed directory, bumping the suffix on collision.
func (s *Stager) uniqueDir(prefix string) (string, error) {
	if err := s.fs.MkdirAll(s.root, 0o750); err != nil {
		return "", fmt.Errorf("create scratch root: %w", err)
	}
	n := s.now().UnixNano()
	for i := 0; i < 100; i++ {
		dir := filepath.Join(s.root, prefix+"-"+strconv.FormatInt(n+int64(i), 10))
		if ok, _ := afero.DirExists(s.fs, dir); ok {
			continue
		}
		if err := s.fs.Mkdir(dir, 0o750); err != nil {
			if os.IsExist(err) {
				continue
			}
			return "", fmt.Errorf("create scratch dir: %w", err)
		}
		return dir, nil
	}
	return "", fmt.Errorf("create scratch dir: no free name for %s", prefix)
}

// Remove deletes the installation directory. Failures are logged, never returned.
func (s *Stager) Remove(inst Installation) {
	if inst.Dir == "" {
		return
	}
	if err := s.fs.RemoveAll(inst.Dir); err != nil {
		s.logger.Warn("remove scratch installation", "dir", inst.Dir, "error", err)
	}
}

// Reclaim removes dir when it is a scratch directory this stager could have
// created: a direct child of the root carrying the configured prefix. Other
// paths are left alone and false is returned.
func (s *Stager) Reclaim(dir string) bool {
	if dir == "" || s.prefix == "" {
		return false
	}
	dir = filepath.Clean(dir)
	if filepath.Dir(dir) != filepath.Clean(s.root) || !strings.HasPrefix(filepath.Base(dir), s.prefix+"-") {
		return false
	}
	s.Remove(Installation{Dir: dir})
	return true
}
