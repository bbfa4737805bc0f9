package tm

import (
	"context"
	"encoding/json"
)

// Credential identifies one provider application and carries its secret token.
type Credential struct {
	Owner string
	App   string
	Token string
}

// Key returns the "owner/app" identity of the credential.
func (c Credential) Key() string {
	return c.Owner + "/" + c.App
}

// Rule is a filter rule accepted by the provider.
type Rule struct {
	ID    string
	Value string
}

// Event is one item delivered by the provider stream: the matched content and
// the ids of every rule that matched it.
type Event struct {
	Data          json.RawMessage
	MatchingRules []string
}

// Stream is an open provider event stream.
type Stream interface {
	// Close stops delivery. No callback runs after Close returns.
	Close() error
}

// StreamProvider is the narrow view of the content provider used by an
// Allocator. Each instance is bound to a single credential.
type StreamProvider interface {
	// SubmitRules adds the given rule values. With dryRun the provider only
	// validates them and nothing is persisted. Either every rule is accepted
	// or an error is returned.
	SubmitRules(ctx context.Context, values []string, dryRun bool) ([]Rule, error)

	// RetractRules removes rules by id.
	RetractRules(ctx context.Context, ids []string) error

	// ListRules returns every rule currently registered for the credential.
	ListRules(ctx context.Context) ([]Rule, error)

	// OpenStream starts delivering matched events to onEvent until the returned
	// Stream is closed or ctx is cancelled. onEvent runs on the transport's
	// goroutine.
	OpenStream(ctx context.Context, fields []string, onEvent func(Event)) (Stream, error)
}

// ProviderFactory creates a StreamProvider bound to a credential.
type ProviderFactory func(cred Credential) (StreamProvider, error)
