// Package pgexport copies the ROA history into PostgreSQL for ad-hoc
// SQL analysis.
//
// Each export replaces the content of two tables in one transaction:
//
//	roa_history(tal text, prefix cidr, asn bigint, max_len int, current bool, date_ranges daterange[])
//	roa_anchor(tal text primary key, watermark date)
//
// Ranges are half-open daterange literals; an interval still open at the
// anchor watermark has no upper bound.
package pgexport
