// Package session owns the PCIC receive session for one sensor output.
//
// Ownership boundary:
// - algo debug toggling and output configuration around the TCP connect
// - receive strategies (threaded, pull, push) behind one receiver
// - timeout/loss classification, auto reconnect and backoff
// - the bounded frame queue read by Get
//
// Reassembly of channel splits lives in internal/reassembly; the session
// feeds it and owns the once-channel cache it fills.
package session
