// Package logger wraps zap to offer:
//   - a global sugared logger writing console-formatted entries to stderr,
//   - context helpers (ToContext/FromContext/WithName/WithKV),
//   - level parsing and configuration,
//   - leveled convenience functions (Infof, WarnKV, ErrorKV, etc.).
//
// Command output goes to stdout, so logs stay on stderr. Services receive a
// context and pull the named logger out of it.
package logger
