// Package gateway assembles the running process: the data listener
// serving the request pipeline and the admin listener serving metrics
// and health endpoints, with a small state machine around startup and
// graceful shutdown.
package gateway
