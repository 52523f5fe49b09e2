// Package dialer provides the outbound boundary the intercepted traffic is
// handed to.
//
// Dialers implement a small interface (DialContext) and either connect
// directly or forward into the tunnel transport through its local SOCKS5
// endpoint. The tunnel protocol itself lives outside this tool.
package dialer
