// Package llm defines the reasoning capability consumed by the negotiation
// pipeline: a message list plus optional tools in, free text or a single
// tool invocation out. Provider adapters live in sub-packages.
package llm
