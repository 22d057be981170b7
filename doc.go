// Package gabp implements the server side of the Game Agent Bridge Protocol
// (GABP) v1.0, a length-framed, token-authenticated RPC and pub/sub protocol
// carried over a loopback TCP socket. A game or host application embeds the
// server to expose tools (callable operations) and event channels (push
// streams) to an external bridge process acting on behalf of AI agents.
//
// The package also provides a bridge-side Client for tests, examples, and
// lightweight integrations, plus an optional Server-Sent Events mirror for
// observing event channels from local tooling.
package gabp
