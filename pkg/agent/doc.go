// Package agent implements the reference agent executable's core: an
// LLM-driven loop with data dictionary tools over a SQLite database,
// plus the line-delimited stdio protocol it speaks to the backend.
package agent
