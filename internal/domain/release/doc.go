// Package release defines the domain model of the provisioner: where a server
// release comes from, which artifact belongs to the current platform, what was
// resolved remotely and what is recorded as installed locally.
package release
