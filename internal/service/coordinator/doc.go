// Package coordinator decides whether the server has to be installed or
// updated and drives the confirm, stop, install and restart sequence around
// the provisioner. Outcomes are reported as closed sets of result types so
// callers can tell a declined prompt from a disabled feature or a failure.
package coordinator
