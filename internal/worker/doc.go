// Package worker implements the offline cache lifecycle: Install precaches the
// application shell, Activate removes namespaces left by previous version tags
// and takes over open pages, and Handle answers intercepted requests
// (network-first for navigations with an entry-point fallback, cache-first for
// everything else, with opportunistic runtime caching bounded by the Trimmer).
//
// The host drives the phases in order; each phase returns only once it has
// finished, which is the completion signal the host waits for.
package worker
