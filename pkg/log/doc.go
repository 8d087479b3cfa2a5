/*
Package log provides structured logging for rhea using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific child loggers, configurable levels, and helper
functions for the common case of a package-level logger used from deep
call chains (the apply path in particular, where threading a logger
through every function signature would be intrusive).

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Thread-safe for concurrent use from the apply thread, producers,
    and the HTTP handlers in pkg/metrics

Context Loggers:
  - WithComponent("fsmdriver" / "statemachine" / "kvengine"): tag every
    line from a subsystem
  - WithRegion(regionID): tag lines scoped to one region's engine
  - WithKey(key): tag lines about a specific lock or sequence key

# Usage

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	driverLog := log.WithComponent("fsmdriver")
	driverLog.Debug().Uint64("index", n).Msg("applied committed index")
	driverLog.Error().Err(err).Msg("latched apply error")

WithKey tags lines about one key, so a single misbehaving key's logs
can be grepped out of a busy node:

	keyLog := log.WithKey(string(op.Key))
	keyLog.Warn().Str("owner", owner.AcquirerID).Msg("lock preempted")

# Levels

The driver logs a latched state-machine error (which includes a failed
snapshot load) at Error, and a failed post-latch leadership transfer at
Warn. Snapshot saves and engine opens are logged at Info. Routine
applies and lock state transitions are not logged.
*/
package log
