// Package reconcile synchronizes a persisted child collection with a list
// submitted by a caller. One Reconciler serves every child list of a
// discovery rule; the Policy decides whether submitted entries are matched by
// explicit identity and merged field by field, or matched by a derived key
// and replaced as a whole.
package reconcile

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/matt-riley/lldrules/internal/validation"
)

// Policy selects how submitted entries are matched against persisted rows.
type Policy int

const (
	// MergeByID matches entries carrying an identity to the persisted row
	// with that identity and merges only the fields they supply. Entries
	// without identity are always inserted as new rows.
	MergeByID Policy = iota
	// ReplaceWholesale builds a complete row from every entry, matches it
	// to a persisted row by Key, and replaces the row when it differs.
	ReplaceWholesale
)

func (p Policy) String() string {
	switch p {
	case MergeByID:
		return "merge_by_id"
	case ReplaceWholesale:
		return "replace_wholesale"
	default:
		return "unknown"
	}
}

// Unique declares a uniqueness constraint enforced over the reconciled
// collection.
type Unique[T any] struct {
	Fields []string
	Values func(T) []string
}

// Reconciler computes the changes that turn existing into submitted.
//
// T is the persisted row type, P the submitted entry type and K the key rows
// are matched by.
type Reconciler[T any, P any, K comparable] struct {
	Policy Policy

	// Key returns the matching key of a persisted or built row.
	Key func(T) K
	// Identity returns the explicit identity of an entry under MergeByID.
	Identity func(P) (K, bool)
	// IdentityField names the identity member for error paths.
	IdentityField string

	// Build creates a row from the entry at the 0-based index.
	Build func(index int, entry P) T
	// Merge applies an entry over the persisted row it matched.
	Merge func(existing T, index int, entry P) T
	Equal func(a, b T) bool

	Unique []Unique[T]
}

// Plan is the outcome of a reconciliation. Result holds the collection in
// submission order after the changes are applied.
type Plan[T any] struct {
	Insert []T
	Update []T
	Delete []T
	Result []T
}

// Empty reports whether applying the plan changes nothing.
func (p Plan[T]) Empty() bool {
	return len(p.Insert) == 0 && len(p.Update) == 0 && len(p.Delete) == 0
}

// Plan reconciles existing with submitted. path addresses the submitted list
// in error messages.
func (r Reconciler[T, P, K]) Plan(existing []T, submitted []P, path string) (Plan[T], error) {
	byKey := make(map[K]int, len(existing))
	for i, row := range existing {
		byKey[r.Key(row)] = i
	}
	referenced := make([]bool, len(existing))

	var plan Plan[T]
	plan.Result = make([]T, 0, len(submitted))
	for i, entry := range submitted {
		switch r.Policy {
		case MergeByID:
			id, ok := r.Identity(entry)
			if !ok {
				row := r.Build(i, entry)
				plan.Insert = append(plan.Insert, row)
				plan.Result = append(plan.Result, row)
				continue
			}
			at, found := byKey[id]
			if !found {
				return Plan[T]{}, validation.Errorf(validation.KindReferentialIntegrity,
					entryPath(path, i)+"/"+r.IdentityField, "object does not exist or belongs to another object")
			}
			referenced[at] = true
			merged := r.Merge(existing[at], i, entry)
			if !r.Equal(merged, existing[at]) {
				plan.Update = append(plan.Update, merged)
			}
			plan.Result = append(plan.Result, merged)

		case ReplaceWholesale:
			row := r.Build(i, entry)
			at, found := byKey[r.Key(row)]
			if !found || referenced[at] {
				plan.Insert = append(plan.Insert, row)
				plan.Result = append(plan.Result, row)
				continue
			}
			referenced[at] = true
			merged := r.Merge(existing[at], i, entry)
			if !r.Equal(merged, existing[at]) {
				plan.Update = append(plan.Update, merged)
			}
			plan.Result = append(plan.Result, merged)

		default:
			return Plan[T]{}, fmt.Errorf("reconcile: unknown policy %d", r.Policy)
		}
	}

	for i, row := range existing {
		if !referenced[i] {
			plan.Delete = append(plan.Delete, row)
		}
	}

	if err := r.checkUnique(plan.Result, path); err != nil {
		return Plan[T]{}, err
	}
	return plan, nil
}

func (r Reconciler[T, P, K]) checkUnique(rows []T, path string) error {
	for _, unique := range r.Unique {
		seen := make(map[string]struct{}, len(rows))
		for i, row := range rows {
			values := unique.Values(row)
			key := strings.Join(values, "\x00")
			if _, dup := seen[key]; dup {
				return validation.Errorf(validation.KindUniqueness, entryPath(path, i),
					"value (%s)=(%s) already exists", strings.Join(unique.Fields, ", "), strings.Join(values, ", "))
			}
			seen[key] = struct{}{}
		}
	}
	return nil
}

func entryPath(path string, index int) string {
	return strings.TrimSuffix(path, "/") + "/" + strconv.Itoa(index+1)
}
