// Package ledger keeps the per-user annotation history: one append-only
// plain-text file per (user, domain, round) with one video path per line,
// plus a finished-marker file per (user, domain). An absent file is an
// empty history, not an error (a fresh user simply has no files yet).
package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/annolab/annobroker/internal/fileio"
	"github.com/annolab/annobroker/internal/model"
)

const ledgersDir = "ledgers"

type Ledger struct {
	root string
}

func New(root string) *Ledger {
	return &Ledger{root: root}
}

// HistoryPath returns the ledger file for (user, domain, round). Round 0
// has no suffix; rounds 1-3 append "_<round>".
func (l *Ledger) HistoryPath(user string, domain model.Domain, round int) string {
	name := user + ".txt"
	if round > 0 {
		name = fmt.Sprintf("%s_%d.txt", user, round)
	}
	return filepath.Join(l.root, ledgersDir, string(domain), name)
}

// FinishedPath returns the finished-marker file for (user, domain).
func (l *Ledger) FinishedPath(user string, domain model.Domain) string {
	return filepath.Join(l.root, ledgersDir, string(domain), user+"_finish.txt")
}

// History returns the ordered entries for (user, domain, round).
func (l *Ledger) History(user string, domain model.Domain, round int) ([]string, error) {
	return readLines(l.HistoryPath(user, domain, round))
}

// HistorySet returns the entries of History as a membership set.
func (l *Ledger) HistorySet(user string, domain model.Domain, round int) (map[string]bool, error) {
	lines, err := l.History(user, domain, round)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(lines))
	for _, line := range lines {
		set[line] = true
	}
	return set, nil
}

// Last returns the most recent entry, or ok=false for an empty history.
func (l *Ledger) Last(user string, domain model.Domain, round int) (string, bool, error) {
	lines, err := l.History(user, domain, round)
	if err != nil || len(lines) == 0 {
		return "", false, err
	}
	return lines[len(lines)-1], true, nil
}

// Append appends videoPath to the history. If videoPath already equals the
// tail entry the append is skipped (duplicate defense for re-saves and
// upload retransmissions). Returns the resulting history length and whether
// the append was skipped.
func (l *Ledger) Append(user string, domain model.Domain, round int, videoPath string) (int, bool, error) {
	lines, err := l.History(user, domain, round)
	if err != nil {
		return 0, false, err
	}
	if len(lines) > 0 && lines[len(lines)-1] == videoPath {
		return len(lines), true, nil
	}

	path := l.HistoryPath(user, domain, round)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, false, fmt.Errorf("create ledger dir: %w", err)
	}
	if err := fileio.AppendLine(path, videoPath); err != nil {
		return 0, false, err
	}
	return len(lines) + 1, false, nil
}

// RemoveLast drops the tail entry. The caller (the assigner, under the
// domain mutex) has already verified the tail matches the take-back target.
func (l *Ledger) RemoveLast(user string, domain model.Domain, round int) error {
	lines, err := l.History(user, domain, round)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return fmt.Errorf("remove last from empty history for %s/%s round %d", user, domain, round)
	}

	lines = lines[:len(lines)-1]
	path := l.HistoryPath(user, domain, round)
	content := ""
	if len(lines) > 0 {
		content = strings.Join(lines, "\n") + "\n"
	}
	return fileio.AtomicWriteRaw(path, []byte(content))
}

// MarkFinished records a terminal-complete video for the user. Duplicate
// marks are skipped. Returns whether a new marker was written.
func (l *Ledger) MarkFinished(user string, domain model.Domain, videoPath string) (bool, error) {
	finished, err := l.Finished(user, domain)
	if err != nil {
		return false, err
	}
	if finished[videoPath] {
		return false, nil
	}

	path := l.FinishedPath(user, domain)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, fmt.Errorf("create ledger dir: %w", err)
	}
	if err := fileio.AppendLine(path, videoPath); err != nil {
		return false, err
	}
	return true, nil
}

// Finished returns the user's finished-marker set.
func (l *Ledger) Finished(user string, domain model.Domain) (map[string]bool, error) {
	lines, err := readLines(l.FinishedPath(user, domain))
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(lines))
	for _, line := range lines {
		set[line] = true
	}
	return set, nil
}

func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read ledger file %s: %w", path, err)
	}

	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}
