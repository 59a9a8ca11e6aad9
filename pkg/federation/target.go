package federation

import (
	"context"

	"marginalia/pkg/types"
)

// ParentLookup finds locally stored annotations by id.
type ParentLookup interface {
	GetAnnotation(ctx context.Context, id string) (*types.Annotation, error)
}

// ResolveTarget decides which resource an inbound note annotates. A reply
// inherits its locally known parent's href; otherwise the first Link tag
// named "target" supplies it. The second result is false when neither
// yields an href and the note must be dropped. A selector carried on the
// note is kept only when it refers to the resolved href.
func ResolveTarget(ctx context.Context, lookup ParentLookup, note *Note) (types.Target, bool) {
	if note == nil {
		return types.Target{}, false
	}

	href := ""
	if note.InReplyTo != "" && lookup != nil {
		parent, err := lookup.GetAnnotation(ctx, string(note.InReplyTo))
		if err == nil && parent != nil && parent.Target.Href != "" {
			href = parent.Target.Href
		}
	}

	if href == "" {
		for _, tag := range note.Tag {
			if tag.Type == "Link" && tag.Name == "target" && tag.Href != "" {
				href = tag.Href
				break
			}
		}
	}

	if href == "" {
		return types.Target{}, false
	}

	target := types.Target{Href: href}
	if note.Target != nil && note.Target.Selector != nil && note.Target.Href == href {
		sel := *note.Target.Selector
		target.Selector = &sel
	}
	return target, true
}
