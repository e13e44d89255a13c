// Package classify wraps the external classification and media analysis
// capability behind narrow interfaces the core depends on.
package classify

import "context"

// Capability is the combined external classification/analysis surface.
// Classify returns the provider's raw response text; callers extract the
// structured verdict themselves (providers routinely wrap it in prose).
type Capability interface {
	Classify(ctx context.Context, text string, checkKind string) (string, error)
	AnalyzeMedia(ctx context.Context, data []byte, mime string) (string, error)
}
