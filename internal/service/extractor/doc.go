// Package extractor unpacks downloaded release artifacts into a directory.
//
// Supported formats are zip and gzip-compressed tar archives, extracted as a
// whole, and a plain gzip stream holding the server executable alone.
// Entries that would land outside the target directory are rejected.
package extractor
