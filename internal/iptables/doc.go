// Package iptables builds and tears down the mangle-table rule sets that
// redirect traffic into the transparent proxy listeners.
//
// Each listening port owns three chains (mark, tproxy, divert) whose names
// are derived from the port number. Setup issues one iptables/ip6tables
// invocation per mutation, in a fixed order, and is safe to call on top of
// stale state left by a crashed instance. The single PREROUTING entry-point
// insertion is serialized across instances through a Locker, because
// concurrent instances sharing a host must count each other's entry rules
// before choosing between an unconditional jump and a statistic-nth
// load-balanced one.
//
// Mutations are not transactional: a failure partway through setup leaves a
// partial rule set in place, and the unconditional restore at the start of
// the next setup is the recovery path.
package iptables
