// Package server implements `buildbox serve`, a webhook receiver that runs
// the build pipeline of a workspace whenever its target branch is pushed.
//
// A delivery to POST /in/{workspace} is checked (content type, size, HMAC
// signature, event type and ref) and answered with 202 before the run
// starts. Each workspace runs at most one pipeline at a time; a push that
// arrives while one is running gets 429 and is recorded as rejected.
//
// Runs are recorded in the history database and, when a token is
// configured, reported back to GitHub as commit statuses. GET
// /status/{workspace} returns the latest run and recent history; GET
// /health lists the served workspaces.
package server
