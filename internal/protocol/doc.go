// Package protocol owns the PCIC wire contract shared by codec and session.
//
// Ownership boundary:
// - error taxonomy (timeout, connection lost, config mismatch, malformed, closed)
// - envelope framing (subpackage envelope)
// - chunk and channel header parsing (subpackage chunk)
// - TCP session lifecycle and receive strategies (subpackage session)
package protocol
