// Package session owns client<->broadcast-server transport helpers.
//
// Ownership boundary:
// - register / register.result wire messages
// - transport timeouts and retry backoff primitives
// - peer credential policy
//
// Registration is one request and one response per connection. A successful
// response carries exactly one descriptor as SCM_RIGHTS ancillary data.
package session
