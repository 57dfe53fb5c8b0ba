package config

import "strings"

// SecurityProperty is a DIRAC capability gating access to endpoints.
// The set of valid values is closed: scopes and tokens may only carry
// properties listed here.
type SecurityProperty string

// The DIRAC security properties.
const (
	// NormalUser allows ordinary client usage.
	NormalUser SecurityProperty = "NormalUser"
	// JobAdministrator allows managing any job.
	JobAdministrator SecurityProperty = "JobAdministrator"
	// JobMonitor allows monitoring of jobs.
	JobMonitor SecurityProperty = "JobMonitor"
	// JobSharing means jobs are shared across the group.
	JobSharing SecurityProperty = "JobSharing"
	// ProductionManagement allows managing production activities.
	ProductionManagement SecurityProperty = "ProductionManagement"
	// AlarmsManagement allows managing alarms and notifications.
	AlarmsManagement SecurityProperty = "AlarmsManagement"
	// ServiceAdministrator allows administering services.
	ServiceAdministrator SecurityProperty = "ServiceAdministrator"
	// CSAdministrator allows modifying the configuration service.
	CSAdministrator SecurityProperty = "CSAdministrator"
	// ProxyManagement allows handling stored credentials.
	ProxyManagement SecurityProperty = "ProxyManagement"
	// FullDelegation allows unrestricted credential delegation.
	FullDelegation SecurityProperty = "FullDelegation"
	// LimitedDelegation allows delegation of limited credentials.
	LimitedDelegation SecurityProperty = "LimitedDelegation"
	// PrivateLimitedDelegation allows delegation of limited credentials for private use.
	PrivateLimitedDelegation SecurityProperty = "PrivateLimitedDelegation"
	// GenericPilot marks a generic pilot credential.
	GenericPilot SecurityProperty = "GenericPilot"
	// Pilot marks a pilot credential.
	Pilot SecurityProperty = "Pilot"
	// LimitedPilot marks a pilot restricted to its own jobs.
	LimitedPilot SecurityProperty = "LimitedPilot"
	// SiteManager allows site-level operations.
	SiteManager SecurityProperty = "SiteManager"
	// FileCatalogManagement allows administering the file catalog.
	FileCatalogManagement SecurityProperty = "FileCatalogManagement"
	// UserManagement allows managing users and groups.
	UserManagement SecurityProperty = "UserManagement"
	// Operator marks operator-level access.
	Operator SecurityProperty = "Operator"
	// TrustedHost marks a trusted service host.
	TrustedHost SecurityProperty = "TrustedHost"
)

var knownProperties = map[SecurityProperty]struct{}{
	NormalUser:               {},
	JobAdministrator:         {},
	JobMonitor:               {},
	JobSharing:               {},
	ProductionManagement:     {},
	AlarmsManagement:         {},
	ServiceAdministrator:     {},
	CSAdministrator:          {},
	ProxyManagement:          {},
	FullDelegation:           {},
	LimitedDelegation:        {},
	PrivateLimitedDelegation: {},
	GenericPilot:             {},
	Pilot:                    {},
	LimitedPilot:             {},
	SiteManager:              {},
	FileCatalogManagement:    {},
	UserManagement:           {},
	Operator:                 {},
	TrustedHost:              {},
}

// Valid reports whether p is one of the known DIRAC security properties.
func (p SecurityProperty) Valid() bool {
	_, ok := knownProperties[p]
	return ok
}

// PropertySet is the set of properties held by a request principal.
type PropertySet map[SecurityProperty]struct{}

// NewPropertySet builds a set from a list of property names.
func NewPropertySet(props []SecurityProperty) PropertySet {
	set := make(PropertySet, len(props))
	for _, p := range props {
		set[p] = struct{}{}
	}
	return set
}

// Contains reports whether the set holds p.
func (s PropertySet) Contains(p SecurityProperty) bool {
	_, ok := s[p]
	return ok
}

// PropertyExpr is a boolean expression over the properties held by a
// principal. Build expressions with Has, AllOf, AnyOf and NotExpr.
type PropertyExpr interface {
	// Evaluate reports whether the expression holds for the given set.
	Evaluate(held PropertySet) bool
	String() string
}

type leafExpr struct{ prop SecurityProperty }

type andExpr struct{ exprs []PropertyExpr }

type orExpr struct{ exprs []PropertyExpr }

type notExpr struct{ expr PropertyExpr }

// Has matches principals holding the given property.
func Has(p SecurityProperty) PropertyExpr {
	return leafExpr{prop: p}
}

// AllOf matches principals satisfying every sub-expression.
func AllOf(exprs ...PropertyExpr) PropertyExpr {
	return andExpr{exprs: exprs}
}

// AnyOf matches principals satisfying at least one sub-expression.
func AnyOf(exprs ...PropertyExpr) PropertyExpr {
	return orExpr{exprs: exprs}
}

// NotExpr matches principals NOT satisfying the sub-expression.
func NotExpr(e PropertyExpr) PropertyExpr {
	return notExpr{expr: e}
}

func (e leafExpr) Evaluate(held PropertySet) bool { return held.Contains(e.prop) }
func (e leafExpr) String() string                 { return string(e.prop) }

func (e andExpr) Evaluate(held PropertySet) bool {
	for _, sub := range e.exprs {
		if !sub.Evaluate(held) {
			return false
		}
	}
	return true
}

func (e andExpr) String() string { return "(" + joinExprs(e.exprs, " & ") + ")" }

func (e orExpr) Evaluate(held PropertySet) bool {
	for _, sub := range e.exprs {
		if sub.Evaluate(held) {
			return true
		}
	}
	return false
}

func (e orExpr) String() string { return "(" + joinExprs(e.exprs, " | ") + ")" }

func (e notExpr) Evaluate(held PropertySet) bool { return !e.expr.Evaluate(held) }
func (e notExpr) String() string                 { return "!" + e.expr.String() }

func joinExprs(exprs []PropertyExpr, sep string) string {
	parts := make([]string, len(exprs))
	for i, e := range exprs {
		parts[i] = e.String()
	}
	return strings.Join(parts, sep)
}
