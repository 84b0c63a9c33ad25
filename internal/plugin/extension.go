package plugin

import (
	"strings"
)

// ExtensionPoint names a hook a plugin may export.
type ExtensionPoint string

// Extension points recognised by the runtime.
const (
	ExtensionOnApp                 ExtensionPoint = "onApp"
	ExtensionOnWindow              ExtensionPoint = "onWindow"
	ExtensionOnRendererWindow      ExtensionPoint = "onRendererWindow"
	ExtensionOnUnload              ExtensionPoint = "onUnload"
	ExtensionMiddleware            ExtensionPoint = "middleware"
	ExtensionDecorateMenu          ExtensionPoint = "decorateMenu"
	ExtensionDecorateHeader        ExtensionPoint = "decorateHeader"
	ExtensionDecorateNotification  ExtensionPoint = "decorateNotification"
	ExtensionDecorateNotifications ExtensionPoint = "decorateNotifications"
	ExtensionDecorateConfig        ExtensionPoint = "decorateConfig"
	ExtensionDecorateEnv           ExtensionPoint = "decorateEnv"
)

// ExtensionPoints lists every extension point in declaration order.
var ExtensionPoints = []ExtensionPoint{
	ExtensionOnApp,
	ExtensionOnWindow,
	ExtensionOnRendererWindow,
	ExtensionOnUnload,
	ExtensionMiddleware,
	ExtensionDecorateMenu,
	ExtensionDecorateHeader,
	ExtensionDecorateNotification,
	ExtensionDecorateNotifications,
	ExtensionDecorateConfig,
	ExtensionDecorateEnv,
}

// ParseExtensionPoint returns the extension point named s.
func ParseExtensionPoint(s string) (ExtensionPoint, bool) {
	for _, p := range ExtensionPoints {
		if string(p) == s {
			return p, true
		}
	}
	return "", false
}

// IsDecorator reports whether p threads a value through plugins.
func (p ExtensionPoint) IsDecorator() bool {
	return strings.HasPrefix(string(p), "decorate")
}

// IsLifecycle reports whether p is a notification hook.
func (p ExtensionPoint) IsLifecycle() bool {
	return strings.HasPrefix(string(p), "on")
}

func (p ExtensionPoint) bit() ExtensionSet {
	for i, q := range ExtensionPoints {
		if q == p {
			return 1 << uint(i)
		}
	}
	return 0
}

// ExtensionSet is a set of extension points.
type ExtensionSet uint16

// NewExtensionSet builds a set from points.
func NewExtensionSet(points ...ExtensionPoint) ExtensionSet {
	var s ExtensionSet
	for _, p := range points {
		s = s.Add(p)
	}
	return s
}

// ExtensionSetFromNames builds a set from exported names, ignoring names that
// are not extension points.
func ExtensionSetFromNames(names []string) ExtensionSet {
	var s ExtensionSet
	for _, n := range names {
		if p, ok := ParseExtensionPoint(n); ok {
			s = s.Add(p)
		}
	}
	return s
}

// Add returns s with p added.
func (s ExtensionSet) Add(p ExtensionPoint) ExtensionSet {
	return s | p.bit()
}

// Has reports whether p is in s.
func (s ExtensionSet) Has(p ExtensionPoint) bool {
	b := p.bit()
	return b != 0 && s&b != 0
}

// IsEmpty reports whether s has no members.
func (s ExtensionSet) IsEmpty() bool {
	return s == 0
}

// Points returns the members of s in declaration order.
func (s ExtensionSet) Points() []ExtensionPoint {
	var out []ExtensionPoint
	for _, p := range ExtensionPoints {
		if s.Has(p) {
			out = append(out, p)
		}
	}
	return out
}

func (s ExtensionSet) String() string {
	points := s.Points()
	names := make([]string, len(points))
	for i, p := range points {
		names[i] = string(p)
	}
	return strings.Join(names, ",")
}
