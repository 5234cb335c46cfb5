// Package config defines the provisioner settings and provides helpers to
// load, validate and save them in YAML format.
//
// Settings describe where releases come from, which artifact belongs to each
// platform, where the installation lives and how the dependent process is
// controlled. Unset values keep the defaults of Default.
package config
