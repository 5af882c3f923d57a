// Package control is the task-execution control plane: a registry of
// long-running, pausable tasks, a worker harness per task, and the
// cooperative pause/stop signaling between them.
//
// Bodies are opaque callbacks supplied by the business layer. The control
// plane owns lifecycle only; retries, backoff and result persistence belong
// to the body or to external collaborators.
package control
