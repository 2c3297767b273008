// Package registry tracks the worker processes participating in job
// execution. Workers register on startup and heartbeat on an interval;
// operational tooling reads the registry to see which workers are alive
// and what each one is doing.
//
// The registry is purely observational. Claiming jobs never consults it:
// a worker that loses its heartbeat keeps no lease, and jobs it held are
// recovered by the reaper based on job timestamps, not worker liveness.
package registry
