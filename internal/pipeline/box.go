package pipeline

import (
	"context"
	"errors"

	"github.com/roach88/feedlog/internal/envelope"
)

// ErrNoBoxer is returned when content names recipients but no boxer accepts it.
var ErrNoBoxer = errors.New("no boxer could box")

// Boxer encrypts content for its recipients. ok is false when the boxer does
// not handle this content, letting the next boxer try.
type Boxer func(ctx context.Context, content map[string]any, recps []any) (boxed string, ok bool, err error)

// Unboxer decrypts boxed content. ok is false when the content is not
// addressed to this unboxer.
type Unboxer func(ctx context.Context, boxed string, env *envelope.Envelope) (content any, ok bool, err error)

// Recipients returns the recps list of content, or nil when it has none.
func Recipients(content any) []any {
	m, ok := content.(map[string]any)
	if !ok {
		return nil
	}
	switch r := m["recps"].(type) {
	case []any:
		if len(r) > 0 {
			return r
		}
	case []string:
		out := make([]any, len(r))
		for i, s := range r {
			out[i] = s
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

// BoxStage returns a stage that boxes content with recipients using the
// first boxer that accepts it. Content without recipients passes through.
func BoxStage(boxers func() []Boxer) Stage[any] {
	return func(ctx context.Context, content any) (any, error) {
		recps := Recipients(content)
		if recps == nil {
			return content, nil
		}
		m := content.(map[string]any)
		for _, box := range boxers() {
			boxed, ok, err := box(ctx, m, recps)
			if err != nil {
				return nil, err
			}
			if ok {
				return boxed, nil
			}
		}
		return nil, ErrNoBoxer
	}
}

// Unbox runs the unboxers in order against env. When one succeeds a copy of
// env carrying the plaintext is returned with Meta.Private and Meta.Original
// set. Envelopes whose content is not a string, or that no unboxer can open,
// are returned unchanged.
func Unbox(ctx context.Context, env *envelope.Envelope, unboxers []Unboxer) (*envelope.Envelope, error) {
	boxed, ok := env.Value.Content.(string)
	if !ok {
		return env, nil
	}
	for _, unbox := range unboxers {
		content, ok, err := unbox(ctx, boxed, env)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out := &envelope.Envelope{Key: env.Key, Value: env.Value}
		out.Value.Content = content
		out.Meta = &envelope.Meta{Private: true, Original: boxed}
		return out, nil
	}
	return env, nil
}
