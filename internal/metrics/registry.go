// Central registry for storing time-sliced component metrics
package metrics

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

const namespaceSeparator = "/"

// One stored series: a metric name under a namespace path
type series struct {
	namespace string
	name      string
}

// Each time slice keeps the latest sample of every series recorded in its
// interval. Namespaces must start with one of the registry roots.
type Registry struct {
	mu     sync.RWMutex
	slices map[time.Time]map[series]Metric
	roots  mapset.Set[string]
}

// Creates a registry accepting the given namespace roots, or any namespace when none are given
func New(roots ...string) (registry *Registry) {
	registry = &Registry{
		slices: make(map[time.Time]map[series]Metric),
		roots:  mapset.NewSet(roots...),
	}
	return
}

func (registry *Registry) Roots() (roots []string) {
	roots = registry.roots.ToSlice()
	slices.Sort(roots)
	return
}

func JoinNamespace(parts []string) string {
	return strings.Join(parts, namespaceSeparator)
}

// Splits a namespace path, ignoring empty elements
func SplitNamespace(path string) (parts []string) {
	for part := range strings.SplitSeq(path, namespaceSeparator) {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return
}

func (registry *Registry) validate(metric Metric) (err error) {
	path := JoinNamespace(metric.Namespace)
	switch {
	case metric.Name == "":
		err = fmt.Errorf("%w: unnamed metric under '%s'", ErrInvalidMetric, path)
	case strings.Contains(metric.Name, namespaceSeparator):
		err = fmt.Errorf("%w: name '%s' contains '%s'", ErrInvalidMetric, metric.Name, namespaceSeparator)
	case len(metric.Namespace) == 0:
		err = fmt.Errorf("%w: metric '%s' has no namespace", ErrInvalidMetric, metric.Name)
	case slices.ContainsFunc(metric.Namespace, func(part string) bool {
		return part == "" || strings.Contains(part, namespaceSeparator)
	}):
		err = fmt.Errorf("%w: malformed namespace %q of '%s'", ErrInvalidMetric, metric.Namespace, metric.Name)
	case registry.roots.Cardinality() > 0 && !registry.roots.Contains(metric.Namespace[0]):
		err = fmt.Errorf("%w: '%s' of '%s'", ErrUnknownNamespace, path, metric.Name)
	}
	return
}
