// Package profile adapts the identity/profile capability consumed by the
// negotiation pipeline. Two implementations exist: StaticSource answers from
// the local agent directory through a reasoning service, HTTPSource talks to
// a remote profile service with bearer tokens.
package profile
