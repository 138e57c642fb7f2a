// Package wire defines the messages exchanged between the fetch broker and its sources,
// and the HTTP-shaped response descriptor the broker hands back to callers.
//
// Every message travels as a single JSON object carrying a "kind" discriminator and a
// "sentAt" timestamp next to its own fields:
//
//	{"kind":"fetch","seq":7,"version":"1.4.0","request":{"method":"GET","url":"https://app/run/x.js"},"sentAt":"..."}
//	{"kind":"response","seq":7,"status":200,"statusText":"OK","headers":{...},"body":"aGVsbG8="}
//
// Message kinds:
//   - announce: a source registers itself (spontaneously or after a discover request)
//   - fetch: the broker asks a source to answer a request in the dynamic namespace
//   - response: a source answers a fetch, correlated by seq
//   - upgrade: the broker tells a source that runs an older protocol version to upgrade
//   - text: free-form debug text from a source
//   - discover: the broker asks every reachable peer to announce itself
//   - heartbeat: a source keeps its liveness lease on lease-based transports
//
// Encode stamps the kind with sjson after marshaling the concrete message; Decode peeks the
// kind with gjson and unmarshals into the matching type.
package wire
