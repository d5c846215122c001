// Package fs abstracts file access for file devices and the journal so
// tests can inject I/O faults.
//
// Production code passes nil or fs.Default. Tests wrap it in a FaultyFS and
// arm faults by path substring; faults apply to files that are already open
// and can be healed again:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule("vectors", fs.Fault{FailAfterBytes: 0, FailReadAfterBytes: -1})
//	// ... exercise the failure ...
//	ffs.Heal()
//
// Calls take no context: a syscall cannot be interrupted, so callers check
// their context between calls.
package fs
