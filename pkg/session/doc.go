// Package session owns conversation state: session identity, ordered turn
// history, and last-turn metadata. It knows nothing about the agent
// process; the chat handler is the only writer.
//
// Operations on different session ids run in parallel; operations on the
// same id are linearized by a per-session mutex, so an assistant turn and
// its metadata always become visible together.
package session
