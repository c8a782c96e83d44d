//go:build linux

package sandbox

import (
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// applyAddressSpaceLimit sets RLIMIT_AS on the just-started child via
// prlimit. Best effort: the shell may already be past exec when this lands.
func applyAddressSpaceLimit(pid, limitMB int) error {
	bytes := uint64(limitMB) << 20
	lim := unix.Rlimit{Cur: bytes, Max: bytes}
	return unix.Prlimit(pid, unix.RLIMIT_AS, &lim, nil)
}

// treeResidentBytes sums the resident set size of pid and every descendant,
// walking /proc once to build the parent map. Processes that disappear or
// cannot be read mid-walk are ignored.
func treeResidentBytes(pid int) (int64, bool) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return 0, false
	}

	type procStat struct {
		ppid     int
		rssPages int64
	}
	stats := make(map[int]procStat)
	for _, ent := range entries {
		p, err := strconv.Atoi(ent.Name())
		if err != nil {
			continue
		}
		ppid, rss, ok := readStat(p)
		if !ok {
			continue
		}
		stats[p] = procStat{ppid: ppid, rssPages: rss}
	}
	if _, ok := stats[pid]; !ok {
		return 0, false
	}

	children := make(map[int][]int, len(stats))
	for p, st := range stats {
		children[st.ppid] = append(children[st.ppid], p)
	}

	pageSize := int64(os.Getpagesize())
	var total int64
	queue := []int{pid}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		total += stats[p].rssPages * pageSize
		queue = append(queue, children[p]...)
	}
	return total, true
}

// readStat parses ppid and rss (in pages) out of /proc/<pid>/stat. The comm
// field may contain spaces and parentheses, so fields are counted from the
// last ')'.
func readStat(pid int) (ppid int, rssPages int64, ok bool) {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0, 0, false
	}
	s := string(data)
	i := strings.LastIndexByte(s, ')')
	if i < 0 {
		return 0, 0, false
	}
	fields := strings.Fields(s[i+1:])
	// After comm: state=0, ppid=1, ..., rss=21.
	if len(fields) < 22 {
		return 0, 0, false
	}
	ppid, err = strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, false
	}
	rssPages, err = strconv.ParseInt(fields[21], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return ppid, rssPages, true
}
