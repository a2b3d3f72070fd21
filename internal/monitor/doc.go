// Package monitor implements the polling engine for numbered resource
// families: a retrying Fetcher, per-source Pollers with continuous-discovery
// and bounded-range strategies, and a Manager coordinating their concurrent
// lifecycles.
package monitor
