// Package transport is the HTTP collaborator of the provisioner: a streaming
// GET for artifacts and a JSON GET for release metadata. Proxy settings are
// injected through ProxyConfig and never read from the process environment.
package transport
