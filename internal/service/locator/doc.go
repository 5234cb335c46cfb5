// Package locator resolves the downloadable artifact of the latest server
// release for the current platform. Every call goes to the source again;
// nothing is cached.
package locator
