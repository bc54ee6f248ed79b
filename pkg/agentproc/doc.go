// Package agentproc owns the single external agent subprocess. It
// speaks a line-delimited JSON protocol over the child's stdin and
// stdout, tracks the agent lifecycle as an explicit state machine, and
// funnels every turn through one serialization lane so concurrent HTTP
// requests never interleave on the shared process.
package agentproc
