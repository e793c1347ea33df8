// Package notifications sends render lifecycle push notifications through
// ntfy. An unset topic yields a noop service so callers never branch on
// whether notifications are configured.
package notifications
