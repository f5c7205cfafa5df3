// Package buildinfo exposes build-time version information.
//
// Values are injected via ldflags:
//
//	go build -ldflags "-X github.com/yndnr/wayback-rpki/internal/infra/buildinfo.Version=v1.0.0"
//
// When they are absent, Get falls back to the module and VCS data the Go
// toolchain embeds in the binary.
package buildinfo
