package registry

import (
	"fmt"

	"k8s.io/apimachinery/pkg/labels"
)

// matcher decides whether a set of Properties satisfies a compiled filter
// expression.
type matcher interface {
	Matches(p Properties) bool
}

// emptyMatcher matches everything; used for the empty filter.
type emptyMatcher struct{}

func (emptyMatcher) Matches(Properties) bool { return true }

// selectorMatcher adapts a k8s.io/apimachinery label selector to the
// matcher interface. The core specification calls for LDAP-style
// equality/existence attribute expressions; label-selector syntax
// (key=value, key!=value, key in (a,b), bare key existence, !key) is
// expressively equivalent and lets this package reuse a well-tested parser
// instead of hand-rolling one.
type selectorMatcher struct {
	selector labels.Selector
}

func (m selectorMatcher) Matches(p Properties) bool {
	return m.selector.Matches(toLabelSet(p))
}

func newMatcher(filter string) (matcher, error) {
	if filter == "" {
		return emptyMatcher{}, nil
	}
	sel, err := labels.Parse(filter)
	if err != nil {
		return nil, fmt.Errorf("parse filter: %w", err)
	}
	return selectorMatcher{selector: sel}, nil
}

// toLabelSet stringifies Properties values so the apimachinery label
// selector, which only understands string values, can evaluate them.
func toLabelSet(p Properties) labels.Set {
	set := make(labels.Set, len(p))
	for k, v := range p {
		set[k] = fmt.Sprintf("%v", v)
	}
	return set
}
