// Package version holds the symbolic version of this module.
package version

// Version is the symbolic version of the running code. It is overwritten at
// build time via -ldflags.
var Version = "v0.1.0"
