// Package logging provides named, leveled loggers and the hub that collects
// their output.
//
// # Loggers
//
// A Registry holds at most one Logger per name. Each logger has its own
// threshold and enabled flag; the registry adds a global override that
// raises the effective threshold of every logger:
//
//	reg := logging.NewRegistry("loggate", logging.WithSink(sink))
//	log := reg.Get("JSONSERVER")
//	log.Infof("Started on port %d", port)
//
// A record is produced only when its level is at least
// max(global override, logger threshold) and the logger is enabled.
// Suppressed calls do not format their arguments.
//
// # Hub
//
// The Hub subscribes to a registry, keeps the most recent records in a ring
// buffer and forwards new records to attached sinks. Its state is owned by
// the goroutine running Hub.Run; producers hand records over through a
// queue and never wait for the hub:
//
//	hub := logging.NewHub(logging.DefaultHubCapacity)
//	reg.Subscribe(hub)
//	go hub.Run(ctx)
//
//	backlog, detach, err := hub.Attach(ctx, sink)
//
// Records from one logger reach the hub in call order. Records from
// different goroutines are ordered only by hand-off; use Record.Time to
// order them by wall clock.
package logging
