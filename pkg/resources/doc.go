// Package resources implements Mariner's resource kinds: the closed set of
// variants the convergence engine applies (file, directory, link, execute,
// script, package, service, remote_file, template, route).
//
// Every variant honors the idempotence contract: Apply checks current host
// state against desired state and returns Unchanged without side effects
// when the host already matches, performing the minimal mutation otherwise.
// Unrecoverable errors are returned as Failed results, never panics.
// Adding a kind means adding a variant and its interface implementation;
// engine code never changes.
package resources
