package interfaces

import "context"

// CallMetadata is attached to an external call at creation.
type CallMetadata struct {
	CreatedBy string            `json:"created_by_id"`
	Custom    map[string]string `json:"custom,omitempty"`
}

// CallProvider manages the external video call bound to a callId
// FUNCTIONAL DISCOVERY: Every method is fallible I/O against a remote service;
// implementations must not retry on their own
type CallProvider interface {
	CreateCall(ctx context.Context, callID string, meta CallMetadata) error
	DeleteCall(ctx context.Context, callID string, hard bool) error
}

// ChannelProvider manages the external chat channel bound to a callId
type ChannelProvider interface {
	CreateChannel(ctx context.Context, callID, name, createdBy string, members []string) error
	AddMember(ctx context.Context, callID, member string) error
	DeleteChannel(ctx context.Context, callID string) error
}

// UserProvider registers a user with the external service so it can be named
// as a channel creator or member. Repeated calls refresh the profile.
type UserProvider interface {
	UpsertUser(ctx context.Context, externalID, name, image string) error
}

// Provisioner bundles the capabilities for adapters that implement them together
type Provisioner interface {
	CallProvider
	ChannelProvider
	UserProvider
}
