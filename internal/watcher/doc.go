// Package watcher reports changes to individual files, such as the worker
// binary, so the coordinator can roll the fleet onto a new build.
//
// Files are watched through their parent directory so that replacing a file
// by rename or remove-and-create keeps being observed. Events are debounced
// per path: callers receive the last event of a burst and should treat it as
// a hint to re-read the file rather than as an exact change log.
package watcher
