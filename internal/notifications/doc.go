// Package notifications delivers pipeline messages via pluggable notifiers.
//
// The default implementation publishes to ntfy using the topic configured in
// config.toml and degrades to a no-op when notifications are disabled. Stage
// handlers depend only on the Notifier interface.
package notifications
