// Package cli provides the interactive authkeeper command-line client.
//
// It wires configuration, the session file and the HTTP API client into a
// small REPL:
//
//	register   create an account
//	login      authenticate and store the token pair
//	me         show the current user (renews the access token if needed)
//	refresh    rotate the token pair explicitly
//	logout     revoke the refresh token and forget the session
//	health     check the server
//	exit|quit  leave the program
//
// The REPL is started via App.Run(ctx), which blocks until the user exits
// or input ends.
package cli
