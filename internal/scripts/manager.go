// Package scripts manages the script library: a directory of shell, Python
// and Node files that tasks can run by path.
//
// Every path handed to the Manager is relative to its root. Paths that
// resolve outside the root, including through symlinks, are rejected.
package scripts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cronix/internal/model"
	"cronix/internal/task/runner"
)

var (
	ErrNotFound    = errors.New("script not found")
	ErrExists      = errors.New("script already exists")
	ErrOutsideRoot = errors.New("access denied: path outside script directory")
	ErrUnsupported = errors.New("unsupported file type; supported: .py, .js, .sh")
	ErrNotFile     = errors.New("not a file")
	ErrInvalidPath = errors.New("invalid script path")
)

// DefaultRunTimeout bounds Run when no timeout is given.
const DefaultRunTimeout = 300 * time.Second

// KindOf maps a file name to the execution type that runs it. ok is false
// for unsupported extensions.
func KindOf(name string) (model.Kind, bool) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".py":
		return model.KindPython, true
	case ".js", ".mjs":
		return model.KindNode, true
	case ".sh", ".bash", ".zsh":
		return model.KindShell, true
	}
	return "", false
}

// Node is one entry of the library tree. Children is nil for files.
type Node struct {
	Name     string     `json:"name"`
	Type     string     `json:"type"` // "directory" or "file"
	Path     string     `json:"path"`
	Kind     model.Kind `json:"script_type,omitempty"`
	Size     int64      `json:"size,omitempty"`
	Children []Node     `json:"children"`
}

type Script struct {
	Path    string     `json:"path"`
	Kind    model.Kind `json:"type"`
	Content string     `json:"content"`
}

type Stats struct {
	TotalScripts   int                `json:"total_scripts"`
	ByKind         map[model.Kind]int `json:"by_type"`
	TotalSizeBytes int64              `json:"total_size_bytes"`
}

// RunResult is the outcome of an ad-hoc run.
type RunResult struct {
	Path       string       `json:"script_path"`
	Status     model.Status `json:"status"`
	Stdout     string       `json:"output"`
	Stderr     string       `json:"stderr"`
	Error      string       `json:"error,omitempty"`
	ExitCode   int          `json:"exit_code"`
	Duration   float64      `json:"duration"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

type Manager struct {
	root         string
	interpreters runner.Interpreters
	maxOutput    int
	grace        time.Duration
}

type Options struct {
	Interpreters runner.Interpreters
	MaxOutput    int
	KillGrace    time.Duration
}

// New roots a Manager at dir, creating it if needed.
func New(dir string, opt Options) (*Manager, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("scripts: empty directory")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("scripts: create %s: %w", abs, err)
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}
	return &Manager{root: abs, interpreters: opt.Interpreters, maxOutput: opt.MaxOutput, grace: opt.KillGrace}, nil
}

// Root is the absolute library directory.
func (m *Manager) Root() string { return m.root }

// resolve maps a library-relative path to an absolute one inside the root.
func (m *Manager) resolve(rel string) (string, string, error) {
	rel = strings.TrimSpace(strings.ReplaceAll(rel, "\\", "/"))
	if rel == "" {
		return "", "", ErrInvalidPath
	}
	if path.IsAbs(rel) {
		return "", "", ErrOutsideRoot
	}
	clean := path.Clean(rel)
	if clean == "." {
		return "", "", ErrInvalidPath
	}
	full := filepath.Join(m.root, filepath.FromSlash(clean))
	if !within(m.root, full) {
		return "", "", ErrOutsideRoot
	}
	return clean, full, nil
}

// existing resolves rel and checks that the file exists and its real path
// stays inside the root.
func (m *Manager) existing(rel string) (string, string, os.FileInfo, error) {
	clean, full, err := m.resolve(rel)
	if err != nil {
		return "", "", nil, err
	}
	real, err := filepath.EvalSymlinks(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", "", nil, fmt.Errorf("%w: %s", ErrNotFound, clean)
		}
		return "", "", nil, err
	}
	if !within(m.root, real) {
		return "", "", nil, ErrOutsideRoot
	}
	fi, err := os.Stat(real)
	if err != nil {
		return "", "", nil, err
	}
	return clean, full, fi, nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Tree lists the library as nested nodes: directories first, then files,
// each group by name. Unsupported files are skipped.
func (m *Manager) Tree() ([]Node, error) {
	return m.tree(m.root)
}

func (m *Manager) tree(dir string) ([]Node, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return entries[i].Name() < entries[j].Name()
	})
	nodes := make([]Node, 0, len(entries))
	for _, e := range entries {
		full := filepath.Join(dir, e.Name())
		rel, _ := filepath.Rel(m.root, full)
		rel = filepath.ToSlash(rel)
		switch {
		case e.IsDir():
			children, err := m.tree(full)
			if err != nil {
				if errors.Is(err, fs.ErrPermission) {
					continue
				}
				return nil, err
			}
			nodes = append(nodes, Node{Name: e.Name(), Type: "directory", Path: rel, Children: children})
		case e.Type().IsRegular():
			kind, ok := KindOf(e.Name())
			if !ok {
				continue
			}
			var size int64
			if fi, err := e.Info(); err == nil {
				size = fi.Size()
			}
			nodes = append(nodes, Node{Name: e.Name(), Type: "file", Path: rel, Kind: kind, Size: size})
		}
	}
	return nodes, nil
}

func (m *Manager) Get(rel string) (Script, error) {
	clean, full, fi, err := m.existing(rel)
	if err != nil {
		return Script{}, err
	}
	if !fi.Mode().IsRegular() {
		return Script{}, fmt.Errorf("%w: %s", ErrNotFile, clean)
	}
	kind, ok := KindOf(clean)
	if !ok {
		return Script{}, ErrUnsupported
	}
	b, err := os.ReadFile(full)
	if err != nil {
		return Script{}, err
	}
	return Script{Path: clean, Kind: kind, Content: string(b)}, nil
}

// Create writes a new script, creating parent directories as needed.
func (m *Manager) Create(rel, content string) (Script, error) {
	clean, full, err := m.resolve(rel)
	if err != nil {
		return Script{}, err
	}
	kind, ok := KindOf(clean)
	if !ok {
		return Script{}, ErrUnsupported
	}
	if _, err := os.Lstat(full); err == nil {
		return Script{}, fmt.Errorf("%w: %s", ErrExists, clean)
	}
	if err := m.mkdirParents(full); err != nil {
		return Script{}, err
	}
	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o755)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return Script{}, fmt.Errorf("%w: %s", ErrExists, clean)
		}
		return Script{}, err
	}
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return Script{}, err
	}
	if err := f.Close(); err != nil {
		return Script{}, err
	}
	return Script{Path: clean, Kind: kind, Content: content}, nil
}

// Update rewrites the script at rel. A different newRel renames it first.
func (m *Manager) Update(rel, newRel, content string) (Script, error) {
	clean, full, fi, err := m.existing(rel)
	if err != nil {
		return Script{}, err
	}
	if !fi.Mode().IsRegular() {
		return Script{}, fmt.Errorf("%w: %s", ErrNotFile, clean)
	}
	if strings.TrimSpace(newRel) == "" {
		newRel = clean
	}
	target, targetFull, err := m.resolve(newRel)
	if err != nil {
		return Script{}, err
	}
	kind, ok := KindOf(target)
	if !ok {
		return Script{}, ErrUnsupported
	}
	if target != clean {
		if _, err := os.Lstat(targetFull); err == nil {
			return Script{}, fmt.Errorf("%w: %s", ErrExists, target)
		}
		if err := m.mkdirParents(targetFull); err != nil {
			return Script{}, err
		}
		if err := os.Rename(full, targetFull); err != nil {
			return Script{}, err
		}
		m.pruneEmpty(filepath.Dir(full))
	}
	if err := os.WriteFile(targetFull, []byte(content), fi.Mode().Perm()); err != nil {
		return Script{}, err
	}
	return Script{Path: target, Kind: kind, Content: content}, nil
}

// Delete removes the script and any directories it leaves empty.
func (m *Manager) Delete(rel string) error {
	clean, full, fi, err := m.existing(rel)
	if err != nil {
		return err
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("%w: %s", ErrNotFile, clean)
	}
	if err := os.Remove(full); err != nil {
		return err
	}
	m.pruneEmpty(filepath.Dir(full))
	return nil
}

// mkdirParents creates the parents of full after checking that the deepest
// existing ancestor does not lead outside the root.
func (m *Manager) mkdirParents(full string) error {
	dir := filepath.Dir(full)
	for anc := dir; ; anc = filepath.Dir(anc) {
		real, err := filepath.EvalSymlinks(anc)
		if err == nil {
			if real != m.root && !within(m.root, real) {
				return ErrOutsideRoot
			}
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if anc == m.root || !within(m.root, anc) {
			break
		}
	}
	return os.MkdirAll(dir, 0o755)
}

func (m *Manager) pruneEmpty(dir string) {
	for dir != m.root && within(m.root, dir) {
		if os.Remove(dir) != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func (m *Manager) Stats() (Stats, error) {
	st := Stats{ByKind: map[model.Kind]int{}}
	err := filepath.WalkDir(m.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrPermission) {
				return fs.SkipDir
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		kind, ok := KindOf(d.Name())
		if !ok {
			return nil
		}
		st.TotalScripts++
		st.ByKind[kind]++
		if fi, err := d.Info(); err == nil {
			st.TotalSizeBytes += fi.Size()
		}
		return nil
	})
	return st, err
}

// Command returns the argv that runs the script at rel. Tasks use it to
// reference library files.
func (m *Manager) Command(rel string, args []string) (string, []string, error) {
	clean, full, fi, err := m.existing(rel)
	if err != nil {
		return "", nil, err
	}
	if !fi.Mode().IsRegular() {
		return "", nil, fmt.Errorf("%w: %s", ErrNotFile, clean)
	}
	kind, ok := KindOf(clean)
	if !ok {
		return "", nil, ErrUnsupported
	}
	return runner.ScriptCommandFor(kind, full, args, m.interpreters)
}

// Run executes the script once with the library root as working directory.
// Run failures are reported in the result; only lookup errors are returned.
func (m *Manager) Run(ctx context.Context, rel string, args []string, timeout time.Duration) (RunResult, error) {
	name, argv, err := m.Command(rel, args)
	if err != nil {
		return RunResult{}, err
	}
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}
	clean, _, _ := m.resolve(rel)
	out := RunResult{Path: clean, StartedAt: time.Now()}
	res, err := runner.Run(ctx, runner.Spec{Name: name, Args: argv, Dir: m.root, MaxOutput: m.maxOutput}, timeout, m.grace)
	out.FinishedAt = time.Now()
	out.Duration = out.FinishedAt.Sub(out.StartedAt).Seconds()
	out.Stdout, out.Stderr, out.ExitCode = res.Stdout, res.Stderr, res.ExitCode

	var exitErr *runner.ExitError
	switch {
	case err == nil:
		out.Status = model.StatusSuccess
	case errors.Is(err, runner.ErrTimeout):
		out.Status = model.StatusTimeout
		out.Error = fmt.Sprintf("Execution timed out after %d seconds", int(timeout/time.Second))
	case errors.Is(err, runner.ErrCanceled):
		out.Status = model.StatusCancelled
		out.Error = "run cancelled"
	case errors.As(err, &exitErr):
		out.Status = model.StatusFailed
		out.Error = exitErr.Error()
	default:
		out.Status = model.StatusFailed
		out.Error = err.Error()
	}
	return out, nil
}
