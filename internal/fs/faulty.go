package fs

import (
	"errors"
	"os"
	"strings"
	"sync"
)

// ErrInjected is the default error returned by injected faults.
var ErrInjected = errors.New("injected fault error")

// Fault defines specific failure behavior. Byte limits count per open file;
// -1 disables a limit.
type Fault struct {
	FailAfterBytes     int64 // fail writes once this many bytes were written
	FailReadAfterBytes int64 // fail reads once this many bytes were read
	// TornWrites makes the failing write store the bytes up to
	// FailAfterBytes before it returns the error.
	TornWrites  bool
	FailOnSync  bool
	FailOnClose bool
	Err         error
}

// NoFault never fails.
var NoFault = Fault{FailAfterBytes: -1, FailReadAfterBytes: -1}

func (f Fault) err() error {
	if f.Err != nil {
		return f.Err
	}
	return ErrInjected
}

// FaultyFS is a FileSystem wrapper that can inject errors.
//
// Rules are evaluated on every call, so faults can be armed and healed while
// files stay open.
type FaultyFS struct {
	FS FileSystem

	mu      sync.Mutex
	rules   map[string]Fault // filename substring -> fault
	def     Fault
	written int64
}

// NewFaultyFS creates a new FaultyFS wrapping the provided FS (or Default if nil).
func NewFaultyFS(fs FileSystem) *FaultyFS {
	if fs == nil {
		fs = Default
	}
	return &FaultyFS{
		FS:    fs,
		rules: make(map[string]Fault),
		def:   NoFault,
	}
}

// SetDefault sets the fault applied to files no rule matches.
func (f *FaultyFS) SetDefault(fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.def = fault
}

// AddRule adds a fault injection rule for files whose name contains pattern.
func (f *FaultyFS) AddRule(pattern string, fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[pattern] = fault
}

// Heal removes every rule and resets the default to NoFault.
func (f *FaultyFS) Heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = make(map[string]Fault)
	f.def = NoFault
}

// Written returns the total bytes written through this FS.
func (f *FaultyFS) Written() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written
}

func (f *FaultyFS) faultFor(name string) Fault {
	f.mu.Lock()
	defer f.mu.Unlock()

	fault := f.def
	best := -1
	for pattern, rule := range f.rules {
		// Longest matching pattern wins.
		if strings.Contains(name, pattern) && len(pattern) > best {
			fault, best = rule, len(pattern)
		}
	}
	return fault
}

func (f *FaultyFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	file, err := f.FS.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &faultyFile{File: file, fs: f, name: name}, nil
}

type faultyFile struct {
	File
	fs   *FaultyFS
	name string

	mu      sync.Mutex
	written int64
	read    int64
}

// checkWrite returns how many of n bytes may be written and the injected
// error, if any.
func (ff *faultyFile) checkWrite(n int) (int, error) {
	fault := ff.fs.faultFor(ff.name)
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if fault.FailAfterBytes >= 0 && ff.written+int64(n) > fault.FailAfterBytes {
		allowed := 0
		if fault.TornWrites {
			allowed = int(max(0, fault.FailAfterBytes-ff.written))
		}
		ff.written += int64(allowed)
		return allowed, fault.err()
	}
	ff.written += int64(n)
	return n, nil
}

func (ff *faultyFile) checkRead(n int) error {
	fault := ff.fs.faultFor(ff.name)
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if fault.FailReadAfterBytes >= 0 && ff.read+int64(n) > fault.FailReadAfterBytes {
		return fault.err()
	}
	ff.read += int64(n)
	return nil
}

func (ff *faultyFile) countWritten(n int) {
	ff.fs.mu.Lock()
	ff.fs.written += int64(n)
	ff.fs.mu.Unlock()
}

func (ff *faultyFile) Write(p []byte) (int, error) {
	allowed, ferr := ff.checkWrite(len(p))
	if ferr != nil && allowed == 0 {
		return 0, ferr
	}
	n, err := ff.File.Write(p[:allowed])
	ff.countWritten(n)
	if ferr != nil {
		return n, ferr
	}
	return n, err
}

func (ff *faultyFile) WriteAt(p []byte, off int64) (int, error) {
	allowed, ferr := ff.checkWrite(len(p))
	if ferr != nil && allowed == 0 {
		return 0, ferr
	}
	n, err := ff.File.WriteAt(p[:allowed], off)
	ff.countWritten(n)
	if ferr != nil {
		return n, ferr
	}
	return n, err
}

func (ff *faultyFile) Read(p []byte) (int, error) {
	if err := ff.checkRead(len(p)); err != nil {
		return 0, err
	}
	return ff.File.Read(p)
}

func (ff *faultyFile) ReadAt(p []byte, off int64) (int, error) {
	if err := ff.checkRead(len(p)); err != nil {
		return 0, err
	}
	return ff.File.ReadAt(p, off)
}

func (ff *faultyFile) Sync() error {
	if fault := ff.fs.faultFor(ff.name); fault.FailOnSync {
		return fault.err()
	}
	return ff.File.Sync()
}

func (ff *faultyFile) Close() error {
	if fault := ff.fs.faultFor(ff.name); fault.FailOnClose {
		_ = ff.File.Close()
		return fault.err()
	}
	return ff.File.Close()
}
