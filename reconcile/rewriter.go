package reconcile

import (
	"context"
	"strings"

	"github.com/brunobiangulo/emrsync/schema"
)

// IdentityResolver turns an embedded sub-entity into a surrogate id.
type IdentityResolver interface {
	Resolve(ctx context.Context, kind schema.Section, rec Record) (int64, error)
}

// rewriteOrder is the traversal order of the reference rewriter. Visits go
// first: a visit may embed a visit note whose author resolves before the
// visit's own provider and department.
func rewriteOrder() []schema.Section {
	return append([]schema.Section{schema.Visit}, schema.DependentSections()...)
}

// Rewrite returns a copy of doc in which every allow-listed embedded
// Provider or Department object is replaced by a scalar <field>_id. Fields
// that are absent or already scalar are left alone, so rewriting an already
// rewritten document changes nothing.
//
// Top-level "department" and "provider" sections, which the extraction
// contract does not require but models sometimes emit, are resolved through
// the same resolver and dropped.
func Rewrite(ctx context.Context, res IdentityResolver, doc Document) (Document, error) {
	out := doc.Clone()

	for _, kind := range []schema.Section{schema.Department, schema.Provider} {
		for i, rec := range out.Sections[kind] {
			if len(rec) == 0 {
				continue
			}
			if _, err := res.Resolve(ctx, kind, rec); err != nil {
				return Document{}, at(kind, i, "", err)
			}
		}
		delete(out.Sections, kind)
	}

	for _, s := range rewriteOrder() {
		refs := schema.ReferencesFor(s)
		if len(refs) == 0 {
			continue
		}
		for i, rec := range out.Sections[s] {
			for _, ref := range refs {
				if err := rewriteAt(ctx, res, rec, ref); err != nil {
					return Document{}, at(s, i, strings.Join(ref.Path, "."), err)
				}
			}
		}
	}
	return out, nil
}

// rewriteAt applies one allow-list entry to one record in place. The record
// must already be a private copy.
func rewriteAt(ctx context.Context, res IdentityResolver, rec Record, ref schema.Reference) error {
	parent := rec
	for _, p := range ref.Parent() {
		next, ok := asRecord(parent[p])
		if !ok {
			return nil
		}
		parent = next
	}

	embedded, ok := asRecord(parent[ref.Field()])
	if !ok {
		return nil
	}
	if len(embedded) == 0 {
		delete(parent, ref.Field())
		return nil
	}
	id, err := res.Resolve(ctx, ref.Kind, embedded)
	if err != nil {
		return err
	}
	parent[ref.Target()] = id
	delete(parent, ref.Field())
	return nil
}
