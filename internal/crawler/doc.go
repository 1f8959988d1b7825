// Package crawler holds the types shared by the NodeInfo crawler: per-host
// state, visit outcomes, and the interfaces that connect the fetcher, robots
// policy, keyer and artifact store.
package crawler
