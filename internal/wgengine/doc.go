// Package wgengine runs a WireGuard tunnel with golang.zx2c4.com/wireguard
// over a packet descriptor handed over by the session controller.
//
// Peer traffic goes out through the standard UDP bind, or, when a proxy
// address is given, through a SOCKS5 UDP ASSOCIATE relay.
package wgengine
