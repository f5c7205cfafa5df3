// Package source lists and fetches daily ROA dumps.
//
// The Archive type understands the layout used by the RIPE NCC RPKI
// archive:
//
//	<base>/<tal>.tal/YYYY/MM/DD/roas.csv.xz
//
// served either over HTTP(S), where directory listings are HTML pages,
// or from a local directory tree (file:// base). Dumps are CSV files
// with a "URI,ASN,IP Prefix,Max Length,..." header.
package source
