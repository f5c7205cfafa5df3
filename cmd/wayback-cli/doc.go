// Package main provides the entry point for wayback-cli.
//
// The CLI builds and queries ROA history without a server:
//
//	wayback-cli bootstrap --checkpoint ./ck --tal arin
//	wayback-cli update --checkpoint ./ck
//	wayback-cli search --checkpoint ./ck --prefix 192.0.2.0/24 --match covering
//	wayback-cli validate --checkpoint ./ck -p 192.0.2.0/24 -a 64500 -d 2021-06-01
//	wayback-cli export --checkpoint ./ck --dsn postgres://localhost/rpki
//
// The same queries run against a wayback-server with --server, which
// also accepts the admin commands ingest, status and checkpoint save.
package main
