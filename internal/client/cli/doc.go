// Package cli provides the interactive famsync command-line client.
//
// NewApp wires configuration, the local credential store, the backend
// transports and the application services. App.Run restores the persisted
// session, keeps the access token fresh and the family view in sync with
// realtime changes in the background, and serves a REPL in the foreground.
//
// Signed out, the REPL offers signup, signin and reset-password. Signed in,
// it adds profile editing and the family commands: family, create, join,
// leave, regen, remove, search and sync. The route command marks the
// current screen, which decides whether a plain signout may drop the
// stored credential.
package cli
