// Package model defines the provider-agnostic abstractions for talking to
// chat completion endpoints.
//
// Core pieces:
//   - Model: one streaming generation against one endpoint
//   - Client: retry policy, per-call timeout and client-side stop sequences
//     on top of a Model obtained from an EndpointProvider
//   - MockModel: scripted responses for tests and examples
//
// Providers (model/openai, model/anthropic) implement Model so subagents stay
// decoupled from vendor SDKs.
package model
