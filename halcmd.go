// Package halcmd dispatches asynchronous commands and events over a single
// shared message channel to a wireless driver.
//
// A DispatchContext owns the channel. Commands send requests through it and
// either return at once (Send), wait for the request's acknowledgement
// handshake (RequestResponse) or wait for the first event under a dispatch
// key (RequestEvent). Results that the driver streams back in several
// messages are reassembled by a FragmentedExchange, which feeds an
// Accumulator and discards everything on timeout, parse failure or cancel.
//
// Inbound traffic is read on one goroutine started by Run or Start.
// Handlers therefore run one at a time and must not block on another
// exchange of the same context.
//
// The wire and nl packages provide transports and codecs: wire over any byte
// stream, nl over generic netlink.
package halcmd
