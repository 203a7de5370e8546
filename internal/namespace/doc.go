// Package namespace derives the version-qualified cache namespace names.
// Every deploy carries a version tag; the precache and runtime namespaces are
// named <prefix>-static-<tag> and <prefix>-runtime-<tag>, so bumping the tag is
// the only way old content stops being served. Activation uses IsStale to find
// namespaces left behind by previous deploys.
package namespace
