// Package state persists the install record.
//
// The FileRepository stores the record of the currently installed server as a
// small JSON document beside the install directory. A missing file means
// "not installed"; a file that cannot be parsed is reported as corrupt rather
// than silently treated as missing.
package state
