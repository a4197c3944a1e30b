/*
Package log provides structured logging for the controller using zerolog.

A single package-level Logger is configured once via Init at process
startup; the repeatable -v flag count maps onto zerolog levels (0 info,
1 debug, 2 and above trace). Every component builds a child logger off
the root with WithComponent, and job-, node- and opcode-scoped lines use
WithJob/WithNode/WithOpcode so related log lines share a consistent key
instead of ad-hoc string formatting.

The package owns the log-file handle: when a path is configured, Init
opens it and Reopen (driven by pkg/lifecycle's USR2 handler) closes and
reopens it in place for rotation.
*/
package log
