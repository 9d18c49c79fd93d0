// Package runtime provides the host-function surface the launcher hands to
// every loaded extension: a registry of Go functions and structs exposed to
// the guest as WIT-named imports.
//
// # Registering Hosts
//
// A Host is any struct whose Namespace method names the WIT interface it
// implements; its exported methods are registered under kebab-cased names
// derived from their Go names (GetHTTPURL -> get-http-url):
//
//	type ClockHost struct{}
//
//	func (ClockHost) Namespace() string { return "corectl:system/clock@1.0.0" }
//	func (ClockHost) Now(ctx context.Context) int64 { return time.Now().Unix() }
//
//	hr := runtime.NewHostRegistry()
//	hr.RegisterHost(ClockHost{})
//
// A host that needs exact WIT names instead of the kebab-case convention
// implements ExplicitRegistrar. A host with functions that suspend the guest
// (file I/O, network calls) implements AsyncHost and is bound through
// engine.WazeroModule's async path instead of the typed synchronous one.
//
// # Binding
//
// Bind installs every registered function against a compiled
// engine.WazeroModule before it runs. Imports the module doesn't declare are
// skipped rather than treated as an error, since one registry is shared
// across every extension in a run and not every extension imports every
// host interface.
package runtime
