package workers

import "log"

// DaemonConfig carries the poll/backoff knobs the daemon loop needs beyond
// what a single Cycle requires.
type DaemonConfig struct {
	PollSeconds     int
	MaxPollSeconds  int
	PollJitterMillis int
}

// RunDaemonLoop runs Cycle forever, backing off idle cycles exponentially
// (doubling each idle pass, capped at MaxPollSeconds, reset to PollSeconds on
// any cycle that did work) and logging (never propagating) cycle errors.
func RunDaemonLoop(cycle *Cycle, cfg DaemonConfig) error {
	idleBackoffSeconds := cfg.PollSeconds
	if idleBackoffSeconds < 1 {
		idleBackoffSeconds = 1
	}

	for {
		outcome, err := cycle.Run("", false)
		switch {
		case err == nil && outcome == DidWork:
			idleBackoffSeconds = cfg.PollSeconds
			if idleBackoffSeconds < 1 {
				idleBackoffSeconds = 1
			}
		case err == nil && outcome == Idle:
			SleepWithJitter(idleBackoffSeconds, cfg.PollJitterMillis)
			idleBackoffSeconds = NextIdleBackoffSeconds(idleBackoffSeconds, cfg.PollSeconds, cfg.MaxPollSeconds)
		default:
			log.Printf("worker=%s daemon-cycle-error=%s", cycle.cfg.WorkerID, cycle.sanitizeErrorMessage(err.Error()))
			SleepWithJitter(idleBackoffSeconds, cfg.PollJitterMillis)
			idleBackoffSeconds = NextIdleBackoffSeconds(idleBackoffSeconds, cfg.PollSeconds, cfg.MaxPollSeconds)
		}
	}
}
