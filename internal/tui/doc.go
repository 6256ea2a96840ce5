// Package tui provides terminal views built on Bubble Tea.
//
// TaskView follows a single task from planning through synthesis, polling
// the store and rendering each subtask's state as it resolves.
package tui
