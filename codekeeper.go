// Package codekeeper is the in-process agent that records which methods of
// an application are actually invoked and uploads that data, together with
// an inventory of the code base, to a collector.
//
// The agent runs four independent tasks on one control loop:
//  1. Config refresh - polls the collector for the publication policy
//  2. Fingerprint check - detects code base changes via file metadata
//  3. Code base publication - uploads the signature inventory when it changed
//  4. Invocation publication - drains the registry and uploads batches
//
// The host calls OnMethodInvoked from any goroutine; that path never blocks on I/O.
package codekeeper

// MethodInvocationHook is called by the host's instrumentation for every
// invocation of a monitored method.
type MethodInvocationHook interface {
	OnMethodInvoked(signature string)
}

var _ MethodInvocationHook = (*Agent)(nil)
