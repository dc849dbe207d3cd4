// Package socks5 implements the client side of the SOCKS5 steps tunnelkit
// needs: method negotiation (optionally with RFC 1929 username/password) and
// UDP ASSOCIATE.
//
// Requests are built with github.com/txthinking/socks5. Replies are parsed
// positionally from the raw bytes so that truncated or non-conforming servers
// can be classified instead of rejected outright.
//
// Prober uses these steps to report whether a proxy can relay UDP and where
// its relay lives. It never exchanges datagrams itself.
package socks5
