// Package server hosts the Fiber HTTP service that stands in front of the
// application origin. It owns the request-ID middleware, routes every
// non-diagnostic request to the interception handler, and keeps the active
// worker behind the Deployer so a new cache version can take over without a
// restart. Diagnostic surfaces live under /-/ and are registered by the routes
// subpackage; keep exports narrow and accept explicit dependencies.
package server
