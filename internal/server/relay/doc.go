// Package relay implements the server-side connection registry and router:
// it authenticates logins, tracks identity-to-connection mappings, forwards
// end-to-end-encrypted payloads between clients and announces presence
// changes. Message bodies are opaque to this package.
package relay
