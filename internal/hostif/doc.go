// Package hostif allocates virtual network interfaces from the host OS for
// a tunnel session.
//
// On Linux a TUN device is created with github.com/songgao/water and
// configured (MTU, address, routes, link state) over netlink with
// github.com/vishvananda/netlink. DNS servers and excluded applications have
// no portable meaning on a Linux host and are reported but not applied.
// Other platforms return ErrUnsupported.
package hostif
