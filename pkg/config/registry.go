package config

import "slices"

// GroupConfig describes a DIRAC group within a VO: the users allowed to
// assume it and the security properties it grants.
type GroupConfig struct {
	Users      []string           `mapstructure:"users"`
	Properties []SecurityProperty `mapstructure:"properties"`
}

// HasUser reports whether the given DIRAC username is a member of the group.
func (g *GroupConfig) HasUser(username string) bool {
	return slices.Contains(g.Users, username)
}

// VORegistry is the registry entry for a single virtual organisation.
//
// Users maps the subject identifier asserted by the VO's identity provider to
// the DIRAC username. This mapping is authoritative: an ID token whose subject
// is not listed here cannot be exchanged for a DIRAC token.
type VORegistry struct {
	DefaultGroup string                  `mapstructure:"default_group"`
	Users        map[string]string       `mapstructure:"users"`
	Groups       map[string]*GroupConfig `mapstructure:"groups"`
}

// Registry is the read-only DIRAC registry snapshot, keyed by VO name.
type Registry map[string]*VORegistry

// VO returns the registry entry for the named virtual organisation.
func (r Registry) VO(vo string) (*VORegistry, bool) {
	entry, ok := r[vo]
	return entry, ok
}

// Group returns the named group within the given VO.
func (r Registry) Group(vo, group string) (*GroupConfig, bool) {
	entry, ok := r[vo]
	if !ok {
		return nil, false
	}
	g, ok := entry.Groups[group]
	return g, ok
}

// UsernameForSubject resolves an identity-provider subject to the DIRAC
// username registered for it in the given VO.
func (r Registry) UsernameForSubject(vo, subject string) (string, bool) {
	entry, ok := r[vo]
	if !ok {
		return "", false
	}
	username, ok := entry.Users[subject]
	return username, ok
}
