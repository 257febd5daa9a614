// Package rounds implements the escalation policy: pure set algebra over
// history ledgers deciding which videos a user may re-annotate in rounds
// 1-3, plus the progress counters the GUI displays.
package rounds

import (
	"fmt"

	"github.com/annolab/annobroker/internal/model"
)

// HistoryReader is the narrow ledger view the policy needs.
type HistoryReader interface {
	HistorySet(user string, domain model.Domain, round int) (map[string]bool, error)
	Finished(user string, domain model.Domain) (map[string]bool, error)
}

// Usable computes the candidate set for round n: videos the user annotated
// in round n-1 but not yet in round n. Only defined for rounds 1-3.
func Usable(h HistoryReader, user string, domain model.Domain, round int) (map[string]bool, error) {
	if round < 1 || round > model.MaxRound {
		return nil, fmt.Errorf("usable set undefined for round %d", round)
	}
	prev, err := h.HistorySet(user, domain, round-1)
	if err != nil {
		return nil, err
	}
	cur, err := h.HistorySet(user, domain, round)
	if err != nil {
		return nil, err
	}

	usable := make(map[string]bool, len(prev))
	for key := range prev {
		if !cur[key] {
			usable[key] = true
		}
	}
	return usable, nil
}

// Available returns, in pool insertion order, the unassigned tasks the user
// may take for the given round. Round 0 serves fresh-origin tasks; rounds
// 1-3 serve reannotation-origin tasks restricted to the usable set. Videos
// in the user's finished-marker list are never offered, at any round.
func Available(doc *model.PoolDocument, h HistoryReader, user string, round int) ([]model.Task, error) {
	finished, err := h.Finished(user, doc.Domain)
	if err != nil {
		return nil, err
	}

	var usable map[string]bool
	if round > 0 {
		usable, err = Usable(h, user, doc.Domain, round)
		if err != nil {
			return nil, err
		}
	}

	var out []model.Task
	for _, t := range doc.Unassigned {
		if finished[t.VideoPath] {
			continue
		}
		if round == 0 {
			if t.Origin == model.OriginFresh {
				out = append(out, t)
			}
			continue
		}
		if t.Origin == model.OriginReanno && usable[t.VideoPath] {
			out = append(out, t)
		}
	}
	return out, nil
}

// Counts reports the per-round progress counters: the full usable set size
// ("all" totals) and the currently available subset for rounds 1-3.
// Exposed for the GUI; not used by assignment decisions.
func Counts(doc *model.PoolDocument, h HistoryReader, user string) (model.RoundCounts, error) {
	var c model.RoundCounts
	for round := 1; round <= model.MaxRound; round++ {
		usable, err := Usable(h, user, doc.Domain, round)
		if err != nil {
			return model.RoundCounts{}, err
		}
		available, err := Available(doc, h, user, round)
		if err != nil {
			return model.RoundCounts{}, err
		}

		switch round {
		case 1:
			c.OneUsable, c.OneAvailable = len(usable), len(available)
		case 2:
			c.TwoUsable, c.TwoAvailable = len(usable), len(available)
		case 3:
			c.ThreeUsable, c.ThreeAvailable = len(usable), len(available)
		}
	}
	return c, nil
}
