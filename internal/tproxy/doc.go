// Package tproxy implements the transparent-interception listeners and the
// destination resolver for traffic redirected by the kernel's TPROXY rules.
//
// TCP listeners are opened with IP_TRANSPARENT; the original destination of
// an accepted connection is its local address, which TPROXY redirection
// rewrites to the real destination. UDP listeners additionally request
// original-destination ancillary records (IP_RECVORIGDSTADDR /
// IPV6_RECVORIGDSTADDR), which the Resolver decodes per datagram. Whether
// ancillary data is available is probed once at startup; without it, UDP
// destinations cannot be recovered and UDP/DNS interception is reported
// unsupported for the lifetime of the process.
//
// On other platforms, the listeners and receive paths are stubbed out and
// return errors.
package tproxy
