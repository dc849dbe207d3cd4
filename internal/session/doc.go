// Package session owns the lifecycle of one tunnel: it acquires a virtual
// interface from the host, renders the engine configuration, hands the
// interface descriptor to the tunnel engine and tears everything down again.
//
// The host interface provider and the engine are collaborators behind small
// interfaces, so a Controller can be driven by fakes in tests and several
// Controllers can coexist in one process.
package session
