// Package incident provides the authoritative, append-only incident ledger.
// Every producer (scanner, hunt loop, request handlers) creates and mutates
// incidents through the Ledger, which serializes id allocation and append.
package incident
