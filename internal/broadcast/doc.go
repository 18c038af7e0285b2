// Package broadcast is the reference broadcast server.
//
// It answers one register request per unix-socket connection. A successful
// registration allocates a writer (a pipe), hands the write end to the client
// as SCM_RIGHTS ancillary data and relays newline-delimited records read from
// the other end into the channel hub keyed by the root descriptor.
package broadcast
