// Package scope parses and validates DIRAC scope strings. A scope is a
// space-separated list of "group:<name>" and "property:<name>" tokens which
// is resolved to exactly one DIRAC group plus the requested properties.
package scope

import (
	"errors"
	"fmt"
	"strings"

	"github.com/diracgrid/diracx-auth/pkg/config"
)

// ErrInvalidScope is returned for any scope string that does not resolve to a
// valid group and property set for the VO.
var ErrInvalidScope = errors.New("invalid scope")

// Info is the result of scope validation: the single group the flow runs
// under and the properties the client asked for, in request order.
type Info struct {
	Group      string
	Properties []config.SecurityProperty
}

// ParseAndValidate resolves a raw scope string against the registry entry of
// the given VO. It is called once at flow initiation as a fail-fast and again
// at token issuance, where its result is authoritative.
func ParseAndValidate(rawScope, vo string, registry config.Registry) (*Info, error) {
	var (
		groups       []string
		properties   []config.SecurityProperty
		unrecognised []string
	)

	for _, token := range strings.Fields(rawScope) {
		switch {
		case strings.HasPrefix(token, "group:"):
			groups = append(groups, strings.TrimPrefix(token, "group:"))
		case strings.HasPrefix(token, "property:"):
			properties = append(properties, config.SecurityProperty(strings.TrimPrefix(token, "property:")))
		default:
			unrecognised = append(unrecognised, token)
		}
	}

	if len(unrecognised) > 0 {
		return nil, fmt.Errorf("%w: unrecognised scopes: %v", ErrInvalidScope, unrecognised)
	}

	entry, ok := registry.VO(vo)
	if !ok {
		return nil, fmt.Errorf("%w: unknown vo %q", ErrInvalidScope, vo)
	}

	var group string
	switch {
	case len(groups) == 0:
		if entry.DefaultGroup == "" {
			return nil, fmt.Errorf("%w: no group requested and vo %q has no default group", ErrInvalidScope, vo)
		}
		group = entry.DefaultGroup
	case len(groups) > 1:
		return nil, fmt.Errorf("%w: only one DIRAC group allowed but got %v", ErrInvalidScope, groups)
	default:
		group = groups[0]
		if _, ok := entry.Groups[group]; !ok {
			return nil, fmt.Errorf("%w: %s not in %s groups", ErrInvalidScope, group, vo)
		}
	}

	for _, p := range properties {
		if !p.Valid() {
			return nil, fmt.Errorf("%w: %q is not a valid property", ErrInvalidScope, p)
		}
	}

	return &Info{Group: group, Properties: properties}, nil
}
