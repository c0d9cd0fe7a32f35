// Package events carries job and stage lifecycle events between the workers,
// the HTTP progress stream, and optional external sinks.
//
// LocalBus is an in-process fan-out hub. RedisBus relays events through
// redis pub/sub so several daemons sharing one data directory observe each
// other's progress, and it doubles as a cross-process queue wake signal.
// KafkaSink exports every event to a topic; Tee attaches sinks to a bus.
package events
