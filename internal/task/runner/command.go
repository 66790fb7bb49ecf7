package runner

import (
	"fmt"
	"runtime"
	"strings"

	"cronix/internal/model"
)

// Interpreters names the binaries used for each task kind. Empty fields fall
// back to the platform defaults.
type Interpreters struct {
	Shell  string
	Python string
	Node   string
}

func (in Interpreters) withDefaults() Interpreters {
	if strings.TrimSpace(in.Shell) == "" {
		if runtime.GOOS == "windows" {
			in.Shell = "powershell"
		} else {
			in.Shell = "/bin/sh"
		}
	}
	if strings.TrimSpace(in.Python) == "" {
		in.Python = "python3"
	}
	if strings.TrimSpace(in.Node) == "" {
		in.Node = "node"
	}
	return in
}

// CommandFor maps a task's kind and command string to an argv.
func CommandFor(kind model.Kind, command string, in Interpreters) (string, []string, error) {
	if strings.TrimSpace(command) == "" {
		return "", nil, fmt.Errorf("empty command")
	}
	in = in.withDefaults()
	switch kind {
	case model.KindShell, "":
		if runtime.GOOS == "windows" {
			return in.Shell, []string{"-Command", command}, nil
		}
		return in.Shell, []string{"-c", command}, nil
	case model.KindPython:
		return in.Python, []string{"-c", command}, nil
	case model.KindNode:
		return in.Node, []string{"-e", command}, nil
	default:
		return "", nil, fmt.Errorf("unsupported execution type: %q", kind)
	}
}

// ScriptCommandFor maps a script file to an argv that runs it with the
// interpreter of its kind. args follow the file path.
func ScriptCommandFor(kind model.Kind, file string, args []string, in Interpreters) (string, []string, error) {
	if strings.TrimSpace(file) == "" {
		return "", nil, fmt.Errorf("empty script path")
	}
	in = in.withDefaults()
	var name string
	switch kind {
	case model.KindShell:
		name = in.Shell
	case model.KindPython:
		name = in.Python
	case model.KindNode:
		name = in.Node
	default:
		return "", nil, fmt.Errorf("unsupported execution type: %q", kind)
	}
	argv := make([]string, 0, len(args)+2)
	if kind == model.KindShell && runtime.GOOS == "windows" {
		argv = append(argv, "-File")
	}
	argv = append(argv, file)
	return name, append(argv, args...), nil
}
