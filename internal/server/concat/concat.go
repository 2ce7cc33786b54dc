// Package concat implements segment concatenation (C7): a per-directory
// manifest file that accumulates completed encoded segments and, once it
// reaches the configured count, is merged into one file with FFmpeg's
// concat demuxer.
package concat

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ManifestName is the per-directory file that lists completed segments
// awaiting concatenation, in append order.
const ManifestName = "to_be_concat.temp"

// Manager owns the manifest append/evaluate/concat cycle for every
// directory it is asked about. Exactly one goroutine may append to or
// evaluate a given directory's manifest at a time.
type Manager struct {
	ffmpegPath   string
	concatAmount int

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewManager returns a Manager that triggers a concat run once a
// directory's manifest reaches concatAmount entries. concatAmount must be
// >= 1; at 1 every new entry alone satisfies the threshold, making each
// concat run a pass-through over a single file.
func NewManager(ffmpegPath string, concatAmount int) *Manager {
	return &Manager{
		ffmpegPath:   ffmpegPath,
		concatAmount: concatAmount,
		locks:        make(map[string]*sync.Mutex),
	}
}

func (m *Manager) lockFor(dir string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[dir]
	if !ok {
		l = &sync.Mutex{}
		m.locks[dir] = l
	}
	return l
}

// OnSegmentEncoded appends encodedPath to dir's manifest and, if the
// manifest now holds exactly concatAmount entries, runs the concat.
// Implements encode.ConcatTrigger.
func (m *Manager) OnSegmentEncoded(dir, encodedPath string) error {
	lock := m.lockFor(dir)
	lock.Lock()
	defer lock.Unlock()

	manifestPath := filepath.Join(dir, ManifestName)
	if err := appendManifestEntry(manifestPath, encodedPath); err != nil {
		return fmt.Errorf("concat: append manifest: %w", err)
	}

	entries, err := readManifestSorted(manifestPath)
	if err != nil {
		return fmt.Errorf("concat: read manifest: %w", err)
	}
	if len(entries) != m.concatAmount {
		return nil
	}

	return m.runConcat(manifestPath, entries)
}

// FlushAll runs a concat pass over every remaining manifest entry for the
// given directories, regardless of whether the threshold is met. Used by
// the clock component (C10) during the client-stopping-point shutdown
// sequence to clear trailing partial concats.
func (m *Manager) FlushAll(dirs []string) {
	for _, dir := range dirs {
		lock := m.lockFor(dir)
		lock.Lock()
		manifestPath := filepath.Join(dir, ManifestName)
		entries, err := readManifestSorted(manifestPath)
		if err == nil && len(entries) > 0 {
			_ = m.runConcat(manifestPath, entries)
		}
		lock.Unlock()
	}
}

func appendManifestEntry(manifestPath, entryPath string) error {
	f, err := os.OpenFile(manifestPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	abs, err := filepath.Abs(entryPath)
	if err != nil {
		abs = entryPath
	}
	_, err = fmt.Fprintf(f, "file '%s'\n", abs)
	return err
}

var manifestEntryPattern = regexp.MustCompile(`'([^']+)'`)

func readManifestSorted(manifestPath string) ([]string, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	entries := make([]string, 0, len(lines))
	for _, line := range lines {
		m := manifestEntryPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		entries = append(entries, m[1])
	}
	sort.Strings(entries)
	return entries, nil
}

func (m *Manager) runConcat(manifestPath string, entries []string) error {
	dir := filepath.Dir(manifestPath)
	outputName := createConcatOutputName(entries[0], entries[len(entries)-1])
	outputPath := filepath.Join(dir, outputName)

	// ffmpeg writes to a uuid-named staging file first, then the result is
	// renamed into place. A crash mid-write never leaves a half-written
	// file sitting under the final name, where the janitor or a concurrent
	// concat run elsewhere in the tree could mistake it for a finished one.
	stagingPath := filepath.Join(dir, uuid.NewString()+filepath.Ext(outputPath))

	cmd := exec.Command(m.ffmpegPath,
		"-f", "concat",
		"-safe", "0",
		"-i", manifestPath,
		"-c", "copy",
		stagingPath,
	)
	if err := cmd.Run(); err != nil {
		os.Remove(stagingPath)
		return fmt.Errorf("ffmpeg concat: %w", err)
	}
	if err := os.Rename(stagingPath, outputPath); err != nil {
		return fmt.Errorf("rename concat output into place: %w", err)
	}

	if err := os.Remove(manifestPath); err != nil {
		return fmt.Errorf("remove manifest: %w", err)
	}
	absOutputPath, err := filepath.Abs(outputPath)
	if err != nil {
		absOutputPath = outputPath
	}
	for _, entry := range entries {
		if entry == outputPath || entry == absOutputPath {
			// ConcatAmount == 1: the sole input and the output are the same
			// path (createConcatOutputName is an identity on a single
			// entry). It was just produced above, not consumed; removing it
			// here would delete the concat's own result.
			continue
		}
		if err := os.Remove(entry); err != nil {
			return fmt.Errorf("remove concatenated input %s: %w", entry, err)
		}
	}
	return nil
}

// createConcatOutputName substitutes the trailing non-dash-containing
// suffix of firstPath's basename (its end-time segment) with lastPath's
// corresponding suffix, preserving firstPath's start-time prefix. This
// mirrors the original implementation's regex behaviour, which is
// ambiguous for filenames with more than one dash; the trailing
// dash-delimited suffix is what gets replaced.
func createConcatOutputName(firstPath, lastPath string) string {
	firstBase := filepath.Base(firstPath)
	lastBase := filepath.Base(lastPath)

	firstDash := strings.LastIndex(firstBase, "-")
	lastDash := strings.LastIndex(lastBase, "-")
	if firstDash < 0 || lastDash < 0 {
		return firstBase
	}
	return firstBase[:firstDash+1] + lastBase[lastDash+1:]
}
