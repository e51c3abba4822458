// Package capability maps raw device observations onto controller
// capabilities.
//
// Everything here is transport independent: Reconcile diffs two poll
// snapshots, Apply writes a change set through a Target while skipping
// values that are already current, and the curtain helpers translate
// between gateway attributes and capability values.
package capability
