// Package provisioner materializes the server installation on disk.
//
// It resolves the current release, compares it with the install record,
// downloads and unpacks the artifact into a staging directory and swaps the
// staged tree into place. The install record is written only after the swap,
// so a failed attempt leaves the previous installation and record untouched.
package provisioner
