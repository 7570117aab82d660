// Package logging provides the module-wide logging convention: a
// logrus entry pre-populated with a "component" field, passed explicitly
// into each long-lived component's constructor rather than read from a
// package-level global.
package logging

import "github.com/sirupsen/logrus"

// New returns a *logrus.Entry scoped to component, derived from base (or
// logrus.StandardLogger() if base is nil).
func New(base *logrus.Logger, component string) *logrus.Entry {
	if base == nil {
		base = logrus.StandardLogger()
	}
	return base.WithField("component", component)
}
