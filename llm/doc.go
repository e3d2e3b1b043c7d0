// Package llm is the model-calling transport for the gyre agent loop.
//
// It presents a provider-agnostic blocking interface: a conversation plus a
// tool schema goes in, a response with tool calls and token usage comes out.
// The default backend wraps gollm, so any provider gollm supports (OpenAI,
// Anthropic, and friends) works through the same Request/Response types.
//
// The package also carries a small model catalog with per-million-token
// pricing. The loop engine uses CostOf to attribute a dollar cost to every
// model call, which feeds the run's cost limit.
package llm
