package destination

import (
	"fmt"
	"sort"
	"sync"

	"jobbroker/internal/apperrors"
	"jobbroker/internal/auth"
)

// Picker selects a destination for a job. It must be pure with respect to
// its arguments and is called exactly once per job. Returning a name that is
// not a configured destination fails the submission with a configuration
// error before any job row is recorded.
type Picker func(jobDir, applicationName string, principal auth.Principal) (string, error)

// PickerFactory builds a picker over the (sorted) destination and
// application names known at startup.
type PickerFactory func(destinations, applications []string) Picker

// pickers is the registry of named picker implementations. Site-specific
// pickers are compiled in by registering here from an init function.
var (
	pickersMu sync.RWMutex
	pickers   = map[string]PickerFactory{
		"first":   pickFirst,
		"round":   pickRound,
		"byname":  pickByName,
		"byindex": pickByIndex,
	}
)

// RegisterPicker adds a named picker factory. Registering a duplicate name
// panics; it is a programming error in the extension.
func RegisterPicker(name string, factory PickerFactory) {
	pickersMu.Lock()
	defer pickersMu.Unlock()
	if _, exists := pickers[name]; exists {
		panic(fmt.Sprintf("picker %q already registered", name))
	}
	pickers[name] = factory
}

// NewPicker resolves a configured picker name. Unknown names are
// configuration errors at startup.
func NewPicker(name string, destinations map[string]*Destination, applications []string) (Picker, error) {
	pickersMu.RLock()
	factory, ok := pickers[name]
	pickersMu.RUnlock()
	if !ok {
		return nil, apperrors.Configuration(
			"picker",
			fmt.Sprintf("unknown destination picker %q", name),
		)
	}

	destNames := Names(destinations)
	if len(destNames) == 0 {
		return nil, apperrors.Configuration("picker", "no destinations configured")
	}
	appNames := append([]string(nil), applications...)
	sort.Strings(appNames)
	return factory(destNames, appNames), nil
}

// pickFirst always selects the first configured destination.
func pickFirst(destinations, applications []string) Picker {
	return func(jobDir, applicationName string, principal auth.Principal) (string, error) {
		return destinations[0], nil
	}
}

// pickRound rotates through the destinations, wrapping at the end.
func pickRound(destinations, applications []string) Picker {
	var mu sync.Mutex
	next := 0
	return func(jobDir, applicationName string, principal auth.Principal) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		name := destinations[next]
		next = (next + 1) % len(destinations)
		return name, nil
	}
}

// pickByName selects the destination named like the application.
func pickByName(destinations, applications []string) Picker {
	known := make(map[string]bool, len(destinations))
	for _, name := range destinations {
		known[name] = true
	}
	return func(jobDir, applicationName string, principal auth.Principal) (string, error) {
		if !known[applicationName] {
			return "", apperrors.Configuration(
				"picker",
				fmt.Sprintf("application %s has no destination of the same name", applicationName),
			)
		}
		return applicationName, nil
	}
}

// pickByIndex maps the nth application to the nth destination.
func pickByIndex(destinations, applications []string) Picker {
	index := make(map[string]int, len(applications))
	for i, name := range applications {
		index[name] = i
	}
	return func(jobDir, applicationName string, principal auth.Principal) (string, error) {
		i, ok := index[applicationName]
		if !ok || i >= len(destinations) {
			return "", apperrors.Configuration(
				"picker",
				fmt.Sprintf("application %s has no destination at its index", applicationName),
			)
		}
		return destinations[i], nil
	}
}
