package dialer

// Package dialer provides the outbound TCP dialer shared by the SOCKS5 probe
// and the tunnel engine's proxy bind.
//
// Dialers implement a small interface (DialContext) so tests can substitute
// in-memory connections.
