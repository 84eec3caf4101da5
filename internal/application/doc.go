// Package application wires configuration into a running service. It opens
// the bundle storage, builds the result cache and the allocation engine,
// registers Prometheus collectors and assembles the HTTP router and server,
// keeping the main package focused on CLI parsing and shutdown.
package application
