// Package provision uploads an installation's prompt templates and workflow
// scripts to a freshly started worker.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loykin/urai-sidecar/internal/supervisor"
	"github.com/loykin/urai-sidecar/pkg/client"
	"golang.org/x/sync/errgroup"
)

const (
	PromptsDir   = "prompts"
	WorkflowsDir = "workflows"
	PromptExt    = ".handlebars"
	WorkflowExt  = ".lua"

	defaultParallel = 4
	defaultTimeout  = 2 * time.Minute
)

// Kind tells prompts from workflows in a Result.
type Kind string

const (
	KindPrompt   Kind = "prompt"
	KindWorkflow Kind = "workflow"
)

// Result is the outcome of one upload. Err is nil on success.
type Result struct {
	Kind Kind
	File string
	Name string
	Err  error
}

// Uploader is the part of the worker client used for provisioning.
type Uploader interface {
	RegisterPrompt(ctx context.Context, name, prompt string) error
	RegisterWorkflow(ctx context.Context, name, code string) error
}

// Provisioner registers prompts and workflows found in an install directory.
type Provisioner struct {
	Parallel  int           // concurrent uploads; default 4
	Timeout   time.Duration // bound on a whole run; default 2m
	Logger    *slog.Logger
	NewClient func(ep supervisor.Endpoint) Uploader // defaults to pkg/client

	mu   sync.Mutex
	last []Result
	done chan struct{}
}

func (p *Provisioner) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Provision implements supervisor.Provisioner. Failures are logged and kept in
// LastResults; nothing is returned to the caller.
func (p *Provisioner) Provision(ctx context.Context, installDir string, ep supervisor.Endpoint) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	newClient := p.NewClient
	if newClient == nil {
		newClient = func(ep supervisor.Endpoint) Uploader {
			return client.New(client.Config{BaseURL: ep.URL(), Logger: p.logger()})
		}
	}
	res := p.Run(ctx, installDir, newClient(ep))

	failed := 0
	for _, r := range res {
		if r.Err != nil {
			failed++
		}
	}
	p.logger().Info("provisioning finished", "dir", installDir, "uploaded", len(res)-failed, "failed", failed)

	p.mu.Lock()
	p.last = res
	if p.done != nil {
		close(p.done)
		p.done = nil
	}
	p.mu.Unlock()
}

// LastResults returns the results of the most recent Provision run.
func (p *Provisioner) LastResults() []Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Result(nil), p.last...)
}

// Next returns a channel closed when the next Provision run completes.
func (p *Provisioner) Next() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done == nil {
		p.done = make(chan struct{})
	}
	return p.done
}

// Run uploads every prompt and workflow of installDir through up and returns
// one Result per file, prompts first, each group sorted by file name.
func (p *Provisioner) Run(ctx context.Context, installDir string, up Uploader) []Result {
	l := p.logger()
	var jobs []Result
	for _, g := range []struct {
		kind Kind
		dir  string
		ext  string
	}{
		{KindPrompt, PromptsDir, PromptExt},
		{KindWorkflow, WorkflowsDir, WorkflowExt},
	} {
		files, err := listFiles(filepath.Join(installDir, g.dir), g.ext)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				l.Warn("provisioning directory not found", "dir", filepath.Join(installDir, g.dir))
			} else {
				l.Warn("list provisioning directory", "dir", filepath.Join(installDir, g.dir), "error", err)
			}
			continue
		}
		for _, f := range files {
			jobs = append(jobs, Result{Kind: g.kind, File: f, Name: strings.TrimSuffix(filepath.Base(f), g.ext)})
		}
	}

	parallel := p.Parallel
	if parallel <= 0 {
		parallel = defaultParallel
	}
	var g errgroup.Group
	g.SetLimit(parallel)
	for i := range jobs {
		g.Go(func() error {
			jobs[i].Err = upload(ctx, up, jobs[i])
			if jobs[i].Err != nil {
				l.Warn("provisioning upload failed", "kind", jobs[i].Kind, "file", jobs[i].File, "error", jobs[i].Err)
			}
			return nil // failures are per file
		})
	}
	_ = g.Wait()
	return jobs
}

func upload(ctx context.Context, up Uploader, r Result) error {
	b, err := os.ReadFile(r.File)
	if err != nil {
		return fmt.Errorf("read %s: %w", r.File, err)
	}
	switch r.Kind {
	case KindPrompt:
		return up.RegisterPrompt(ctx, r.Name, string(b))
	default:
		return up.RegisterWorkflow(ctx, r.Name, string(b))
	}
}

func listFiles(dir, ext string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ext) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}
