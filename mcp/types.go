// Package mcp gates agent-protocol tool calls behind the policy engine and
// the licensing service. Payment flows over tool-call _meta: a challenge
// travels server → client under the challenge key, and the client resubmits
// its credential and preimage under the payment key.
package mcp

import (
	"context"

	pressgate "github.com/pressgate/pressgate"
)

// _meta keys for the payment handshake.
const (
	// PaymentMetaKey carries the client's proof of payment (client → server).
	PaymentMetaKey = "pressgate/payment"

	// ChallengeMetaKey carries the 402 challenge (server → client).
	ChallengeMetaKey = "pressgate/challenge"

	// EntitlementMetaKey carries consumption state after a granted call
	// (server → client).
	EntitlementMetaKey = "pressgate/entitlement"
)

// ToolContext is what the surface knows about one tool call.
type ToolContext struct {
	ToolName  string
	Arguments map[string]any
	Meta      map[string]any

	// APIKey is the caller's credential, extracted by the transport.
	APIKey string
}

// ContentItem is one piece of tool output.
type ContentItem struct {
	Type string
	Text string
}

// ToolResult is the surface-neutral tool call result.
type ToolResult struct {
	Content           []ContentItem
	IsError           bool
	Meta              map[string]any
	StructuredContent map[string]any
}

// ToolHandler is the signature gated handlers implement.
type ToolHandler func(ctx context.Context, args map[string]any, tc ToolContext) (ToolResult, error)

// PrincipalResolver authenticates an API key into a Principal.
type PrincipalResolver func(apiKey string) (pressgate.Principal, bool)

// paymentMeta is the client → server _meta payload shape.
type paymentMeta struct {
	Credential string `json:"credential"`
	Preimage   string `json:"preimage"`
}
