package monitor

import (
	"sort"
	"strings"
)

// tagPatterns maps a category tag to lowercase substrings matched against
// process names. Tags feed the process condition's tag matching and the
// processes listing, never control flow inside the sampler.
var tagPatterns = map[string][]string{
	"game":    {"steam", "lutris", "heroic", "wine", "proton", "gamescope", "minecraft"},
	"browser": {"firefox", "chromium", "chrome", "brave", "vivaldi", "librewolf"},
	"media":   {"vlc", "mpv", "spotify", "plex", "jellyfin", "obs"},
	"dev":     {"code", "goland", "idea", "nvim", "vim", "emacs", "docker", "containerd"},
	"comms":   {"discord", "slack", "signal", "telegram", "zoom", "teams"},
}

func classify(rec ProcessRecord) []string {
	name := strings.ToLower(rec.Name)
	var tags []string
	for tag, needles := range tagPatterns {
		for _, needle := range needles {
			if strings.Contains(name, needle) {
				tags = append(tags, tag)
				break
			}
		}
	}
	sort.Strings(tags)
	return tags
}

// TagNames lists the known categorization tags, sorted.
func TagNames() []string {
	names := make([]string, 0, len(tagPatterns))
	for tag := range tagPatterns {
		names = append(names, tag)
	}
	sort.Strings(names)
	return names
}

// trackedProcess pairs the latest record with bookkeeping for scan-miss
// debouncing: a pid is only dropped after it is absent from two
// consecutive scans.
type trackedProcess struct {
	record ProcessRecord
	misses int
}

const missLimit = 2

// processDiff is the outcome of reconciling one scan against the tracked set.
type processDiff struct {
	started []ProcessRecord
	ended   []ProcessRecord
}

// reconcile merges a fresh scan into tracked, returning started/ended
// transitions. Records are replaced wholesale; FirstSeen survives from
// the previous observation.
func reconcile(tracked map[int32]*trackedProcess, scan []ProcessRecord) processDiff {
	var diff processDiff
	seen := make(map[int32]struct{}, len(scan))
	for _, rec := range scan {
		seen[rec.PID] = struct{}{}
		if existing, ok := tracked[rec.PID]; ok {
			rec.FirstSeen = existing.record.FirstSeen
			existing.record = rec
			existing.misses = 0
			continue
		}
		rec.FirstSeen = rec.LastSeen
		tracked[rec.PID] = &trackedProcess{record: rec}
		diff.started = append(diff.started, rec)
	}
	for pid, tp := range tracked {
		if _, ok := seen[pid]; ok {
			continue
		}
		tp.misses++
		if tp.misses >= missLimit {
			diff.ended = append(diff.ended, tp.record)
			delete(tracked, pid)
		}
	}
	return diff
}
