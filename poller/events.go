package poller

import (
	"log/slog"

	"windlass.sh/core/notifier"
	"windlass.sh/core/poller/journal"
)

// event payloads written to the journal

type runPublishedEvent struct {
	Run       int64    `json:"run"`
	BuildURL  string   `json:"build_url"`
	Artifacts []string `json:"artifacts"`
	Tag       string   `json:"tag"`
}

type triggerFiredEvent struct {
	Reason    string `json:"reason"`
	Commits   int    `json:"commits"`
	Boundary  string `json:"boundary,omitempty"`
	BuildRepo string `json:"build_repo"`
	DryRun    bool   `json:"dry_run"`
}

type cycleErrorEvent struct {
	Stage string `json:"stage"`
	Run   string `json:"run,omitempty"`
	Error string `json:"error"`
}

// record appends to the journal without letting a journal failure
// disturb the cycle.
func record(j *journal.Journal, n *notifier.Notifier, l *slog.Logger, kind string, payload any) {
	if j == nil {
		return
	}
	if err := j.Record(kind, payload, n); err != nil {
		l.Warn("journal write failed", "kind", kind, "error", err)
	}
}
