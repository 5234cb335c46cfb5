// Package process controls the dependent process that runs the provisioned
// server executable. The coordinator stops it before replacing files and
// starts it again afterwards.
package process
