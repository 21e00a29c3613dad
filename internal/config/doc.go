// Package config reads the declarative installer configuration.
//
// An installer is described by a Lua file evaluated in a sandboxed gopher-lua VM.
// The read-only platform table from the platform package is injected first, so a
// configuration can branch on the host:
//
//	installer = {
//	  name = "Example Suite",
//	  version = "2.1.0",
//	  publisher = "Example Corp",
//	  target_dir = platform.is_windows and "C:/Example" or "~/example",
//	  repositories = {
//	    "https://repo.example.com/" .. platform.triple,
//	    { url = "https://mirror.example.com/" .. platform.triple, username = "ci" },
//	  },
//	  download = { workers = 4, retries = 3, progress_interval_ms = 500, pipeline = true },
//	  backup_retention = "delete",
//	  keyring = "release.asc",
//	  check_processes = { "example-app" },
//	  values = { Edition = "community" },
//	}
//
// # Sandbox
//
// The VM has no os, io, debug or module loading functions, a bounded call stack
// and a parse timeout. Component scripts run in the same sandbox (see NewSandbox).
//
// # Errors
//
// Lua failures are reported as *ParseError; semantic problems as *ValidationError
// naming the offending field. FormatError renders either for the terminal.
//
// # Generation
//
// Generator writes a Config back to Lua. The install engine embeds the generated
// file in the maintenance tool so it can run without the original configuration.
// Repository passwords are never written.
package config
