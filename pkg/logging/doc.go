// Package logging provides the structured, subsystem-scoped logger used
// throughout fleetkeeper.
//
// A *Logger wraps log/slog and is handed to each component at construction
// time rather than reached for as a global. Components call With once to
// get a subsystem-tagged child logger:
//
//	log := logging.New(logging.Options{Level: logging.LevelInfo, Output: os.Stderr})
//	supLog := log.With("supervisor")
//	supLog.Info("component %s entering RUNNING", name)
//
// On the device, Options.RotatingFile routes output through lumberjack so
// the agent's own log file is rotated and bounded on flash storage.
package logging
