package model

// RPC payloads exchanged between the HTTP servers and the broker daemon.
// Field names on the wire follow the annotation GUI's existing vocabulary.

// AssignParams is the request payload for the assign_next and take_back
// broker commands.
type AssignParams struct {
	User          string `json:"username"`
	Domain        Domain `json:"domain"`
	Mode          string `json:"mode"`
	Round         int    `json:"re_anno"`
	LastVideoPath string `json:"last_video_path,omitempty"`
}

// RoundCounts carries the per-round progress counters shown by the GUI.
// The *_num fields count currently available videos; the *_all_num fields
// count the total usable set regardless of pool membership.
type RoundCounts struct {
	OneAvailable   int `json:"one_anno_num"`
	TwoAvailable   int `json:"two_anno_num"`
	ThreeAvailable int `json:"three_anno_num"`
	OneUsable      int `json:"one_anno_all_num"`
	TwoUsable      int `json:"two_anno_all_num"`
	ThreeUsable    int `json:"three_anno_all_num"`
}

// AssignResult is the broker's answer to an assign_next or take_back
// request. Task is set only when State is committed, or when a takeback
// re-surfaces the previous ledger entry.
type AssignResult struct {
	State         AssignState `json:"state"`
	Task          *Task       `json:"task,omitempty"`
	Round         int         `json:"round"`
	HistoryNumber int         `json:"history_number"`
	IsFinished    bool        `json:"is_finished"`
	Counts        RoundCounts `json:"counts"`
}

// CommitParams is the request payload for commit_annotation. Payload bytes
// travel separately (the HTTP layer writes them to OutputRef before the
// commit is recorded); the broker validates and records the commit.
type CommitParams struct {
	User       string `json:"username"`
	Domain     Domain `json:"domain"`
	VideoPath  string `json:"video_path"`
	SavePath   string `json:"save_path"`
	Round      int    `json:"re_anno"`
	IsFinished bool   `json:"is_finished"`
}

// CommitResult reports the ledger position after a commit.
type CommitResult struct {
	VideoPath     string `json:"video_path"`
	HistoryNumber int    `json:"history_number"`
	Duplicate     bool   `json:"duplicate"`
}

// DrawbackParams is the request payload for the administrative drawback
// command.
type DrawbackParams struct {
	Domain    Domain `json:"domain"`
	VideoPath string `json:"video_path"`
}

// DrawbackResult names the user the video was drawn back from.
type DrawbackResult struct {
	VideoPath string `json:"video_path"`
	User      string `json:"user"`
}

// ProgressParams is the request payload for the progress command.
type ProgressParams struct {
	User   string `json:"username"`
	Domain Domain `json:"domain"`
}

// ProgressResult reports a user's per-round counters and finished total.
type ProgressResult struct {
	User     string      `json:"username"`
	Domain   Domain      `json:"domain"`
	Counts   RoundCounts `json:"counts"`
	Finished int         `json:"finished"`
}

// DomainStats is one domain's pool census inside a StatsResult.
type DomainStats struct {
	Unassigned int    `json:"unassigned"`
	Assigned   int    `json:"assigned"`
	Invariant  string `json:"invariant"` // "ok" or the validation failure
}

// StatsResult is the broker-wide census returned by the stats command.
type StatsResult struct {
	PID         int                    `json:"pid"`
	UptimeSec   int64                  `json:"uptime_sec"`
	Domains     map[Domain]DomainStats `json:"domains"`
	EventsSeen  int64                  `json:"events_seen"`
	LastReloads map[Domain]string      `json:"last_reloads,omitempty"`
}
