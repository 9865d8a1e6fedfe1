/*
Package log provides sink's structured logging, a thin wrapper around
zerolog giving every worker process component-tagged, level-filtered JSON
(or console) output.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})
	log.Info("resource worker started")

	pipelineLog := log.WithComponent("pipeline")
	pipelineLog.Info().Msg("applying command")

# Context loggers

WithComponent tags a subsystem (pipeline, query, sync, listener). WithEntity
and WithResourceID add the type+id or resource-instance id most log lines
in this codebase actually key off; WithConnID scopes a line to one listener
connection. These compose via zerolog's own With() chaining when a line
needs more than one.
*/
package log
