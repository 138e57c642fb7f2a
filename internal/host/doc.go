// Package host tracks which peers (sources and clients) the host environment can still
// reach. The broker's reaper reconciles its state against Tracker.Peers.
package host
