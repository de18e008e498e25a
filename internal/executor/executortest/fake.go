// Package executortest provides a scripted RemoteExecutor for tests.
package executortest

import (
	"context"
	"strings"
	"sync"

	"github.com/andrej220/logfleet/internal/domain"
)

const (
	OpRun      = "run"
	OpUpload   = "upload"
	OpDownload = "download"
)

// Call records one invocation against the fake.
type Call struct {
	Op        string
	MachineID int64
	Command   string
	Local     string
	Remote    string
}

type rule struct {
	machineID int64
	contains  string
	output    string
	err       error
	once      bool
	used      bool
}

// Fake answers commands from rules matched by machine and substring, in
// registration order. Unmatched probes answer "yes", everything else "".
type Fake struct {
	mu    sync.Mutex
	rules []*rule
	calls []Call

	// Handler, when set, is consulted before the rules. Returning false
	// falls through to them.
	Handler func(machineID int64, command string) (out string, handled bool, err error)
}

func New() *Fake { return &Fake{} }

// Respond answers every command on machineID (0 for any) containing substr.
func (f *Fake) Respond(machineID int64, substr, output string, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, &rule{machineID: machineID, contains: substr, output: output, err: err})
	return f
}

// RespondOnce is Respond for a single matching call.
func (f *Fake) RespondOnce(machineID int64, substr, output string, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, &rule{machineID: machineID, contains: substr, output: output, err: err, once: true})
	return f
}

func (f *Fake) answer(machineID int64, text string) (string, error) {
	if f.Handler != nil {
		if out, ok, err := f.Handler(machineID, text); ok {
			return out, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rules {
		if r.used || (r.machineID != 0 && r.machineID != machineID) || !strings.Contains(text, r.contains) {
			continue
		}
		if r.once {
			r.used = true
		}
		return r.output, r.err
	}
	if strings.Contains(text, "then echo yes; else echo no; fi") {
		return "yes", nil
	}
	return "", nil
}

func (f *Fake) record(c Call) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *Fake) RunCommand(_ context.Context, m domain.Machine, command string) (string, error) {
	f.record(Call{Op: OpRun, MachineID: m.ID, Command: command})
	return f.answer(m.ID, command)
}

func (f *Fake) UploadFile(_ context.Context, m domain.Machine, localPath, remotePath string) error {
	f.record(Call{Op: OpUpload, MachineID: m.ID, Local: localPath, Remote: remotePath})
	_, err := f.answer(m.ID, "upload "+remotePath)
	return err
}

func (f *Fake) DownloadFile(_ context.Context, m domain.Machine, remotePath, localPath string) error {
	f.record(Call{Op: OpDownload, MachineID: m.ID, Local: localPath, Remote: remotePath})
	_, err := f.answer(m.ID, "download "+remotePath)
	return err
}

// Calls returns a copy of every recorded call.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Commands returns the run commands sent to machineID (0 for all).
func (f *Fake) Commands(machineID int64) []string {
	var out []string
	for _, c := range f.Calls() {
		if c.Op == OpRun && (machineID == 0 || c.MachineID == machineID) {
			out = append(out, c.Command)
		}
	}
	return out
}

// Mentioning returns the run commands on machineID that contain substr.
func (f *Fake) Mentioning(machineID int64, substr string) []string {
	var out []string
	for _, c := range f.Commands(machineID) {
		if strings.Contains(c, substr) {
			out = append(out, c)
		}
	}
	return out
}
