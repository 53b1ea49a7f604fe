package tuning

import (
	"fmt"
	"sort"
	"strings"

	"github.com/loykin/atm/internal/store"
)

// method describes the search space of one classification method.
type method struct {
	tunables     map[string]store.Range
	categoricals map[string][]any
	constants    map[string]any
}

var methods = map[string]method{
	"logreg": {
		tunables: map[string]store.Range{
			"C":   {Type: "float", Min: 1e-5, Max: 1e5},
			"tol": {Type: "float", Min: 1e-5, Max: 1e-2},
		},
		categoricals: map[string][]any{"penalty": {"l1", "l2"}},
		constants:    map[string]any{"solver": "liblinear"},
	},
	"svm": {
		tunables: map[string]store.Range{
			"C":     {Type: "float", Min: 1e-5, Max: 1e5},
			"gamma": {Type: "float", Min: 1e-5, Max: 1e5},
		},
		categoricals: map[string][]any{"kernel": {"rbf", "sigmoid", "linear"}},
		constants:    map[string]any{"probability": true},
	},
	"rf": {
		tunables: map[string]store.Range{
			"n_estimators":      {Type: "int", Min: 10, Max: 500},
			"max_depth":         {Type: "int", Min: 2, Max: 20},
			"min_samples_split": {Type: "int", Min: 2, Max: 10},
		},
		categoricals: map[string][]any{"criterion": {"gini", "entropy"}},
	},
	"dt": {
		tunables: map[string]store.Range{
			"max_depth":         {Type: "int", Min: 2, Max: 20},
			"min_samples_split": {Type: "int", Min: 2, Max: 20},
		},
		categoricals: map[string][]any{"criterion": {"gini", "entropy"}},
	},
	"knn": {
		tunables: map[string]store.Range{
			"n_neighbors": {Type: "int", Min: 1, Max: 20},
			"leaf_size":   {Type: "int", Min: 1, Max: 50},
		},
		categoricals: map[string][]any{"weights": {"uniform", "distance"}},
	},
}

// Methods lists the known method codes.
func Methods() []string {
	out := make([]string, 0, len(methods))
	for k := range methods {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Partitions expands a method into one hyperpartition per combination of its
// categorical choices.
func Partitions(code string) ([]store.Hyperpartition, error) {
	m, ok := methods[strings.ToLower(strings.TrimSpace(code))]
	if !ok {
		return nil, fmt.Errorf("unknown method %q (known: %s)", code, strings.Join(Methods(), ", "))
	}
	keys := make([]string, 0, len(m.categoricals))
	for k := range m.categoricals {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	combos := []map[string]any{{}}
	for _, k := range keys {
		var next []map[string]any
		for _, c := range combos {
			for _, v := range m.categoricals[k] {
				n := make(map[string]any, len(c)+1)
				for ck, cv := range c {
					n[ck] = cv
				}
				n[k] = v
				next = append(next, n)
			}
		}
		combos = next
	}

	out := make([]store.Hyperpartition, 0, len(combos))
	for _, c := range combos {
		out = append(out, store.Hyperpartition{
			Method:       strings.ToLower(strings.TrimSpace(code)),
			Tunables:     m.tunables,
			Categoricals: c,
			Constants:    m.constants,
		})
	}
	return out, nil
}
