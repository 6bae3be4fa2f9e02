// Package batch runs update stages step by step on behalf of the CLI and
// cron. Each step reports an ActionResult instead of panicking or exiting,
// so a caller can checkpoint, resume from the persisted state with Next, or
// stop between steps.
//
// The runner is where the commit gate lives: the orchestrator commits any
// validated stage, while the runner cancels a stage whose cached validation
// results contain an ERROR.
package batch
