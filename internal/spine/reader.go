// Package spine implements the append-only JSON-lines event spine:
// a tail-following reader with rotation detection, a one-shot replay
// variant sharing the same parse pipeline, and an emitter for writing
// router.intent / router.veto / router.authority_demotion records.
// Grounded on original_source/router/spine_reader.py and
// original_source/router/emit.py, adapted to the teacher's Go idiom
// (channels instead of generators, zap logging instead of silent
// pass).
package spine

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/synthdesk/router/internal/event"
)

// Reader is a tail-follow reader over a spine file, with inode-change
// and size-shrink rotation detection.
type Reader struct {
	path         string
	pollInterval time.Duration
	offset       int64
	ino          uint64
	haveIno      bool
	log          *zap.Logger
}

// NewReader builds a Reader for the spine file at path. pollInterval
// is clamped to a minimum of 100ms, matching the original's floor.
func NewReader(path string, pollInterval time.Duration, log *zap.Logger) *Reader {
	if pollInterval < 100*time.Millisecond {
		pollInterval = 100 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reader{path: path, pollInterval: pollInterval, log: log}
}

// scanExisting reads the whole file once to find the end offset,
// tolerating a missing file by returning 0.
func (r *Reader) scanExisting() int64 {
	f, err := os.Open(r.path)
	if err != nil {
		return 0
	}
	defer f.Close()

	var offset int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		offset += int64(len(scanner.Bytes())) + 1
	}
	return offset
}

// refreshOffset detects rotation (inode change or shrink) and rescans
// from the start when detected.
func (r *Reader) refreshOffset() {
	info, err := os.Stat(r.path)
	if err != nil {
		return
	}
	ino := inodeOf(info)

	if !r.haveIno || ino != r.ino || info.Size() < r.offset {
		r.offset = r.scanExisting()
		r.ino = ino
		r.haveIno = true
	}
}

// Tail streams events from the spine, following appends and polling
// at pollInterval until ctx is canceled. skipExisting, when true,
// seeks to the current end of file before the first read, as at
// process start when replay already covered history.
func (r *Reader) Tail(ctx context.Context, skipExisting bool) <-chan event.Event {
	out := make(chan event.Event)

	go func() {
		defer close(out)

		if skipExisting {
			r.offset = r.scanExisting()
		}
		if info, err := os.Stat(r.path); err == nil {
			r.ino = inodeOf(info)
			r.haveIno = true
		}

		ticker := time.NewTicker(r.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			if _, err := os.Stat(r.path); err != nil {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					continue
				}
			}

			r.refreshOffset()
			r.readAvailable(out)

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return out
}

func (r *Reader) readAvailable(out chan<- event.Event) {
	f, err := os.Open(r.path)
	if err != nil {
		return
	}
	defer f.Close()

	if _, err := f.Seek(r.offset, 0); err != nil {
		return
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		r.offset += int64(len(line)) + 1

		trimmed := strings.TrimSpace(string(line))
		if trimmed == "" {
			continue
		}
		ev, ok := parseLine(trimmed)
		if !ok {
			r.log.Debug("spine: skipping malformed line")
			continue
		}
		out <- ev
	}
}

// Replay reads the spine from the start exactly once, sharing the
// same parse pipeline as Tail, and returns when the file is
// exhausted. Used at startup to reconstruct state before switching to
// Tail.
func Replay(path string, log *zap.Logger) []event.Event {
	if log == nil {
		log = zap.NewNop()
	}

	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var events []event.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		trimmed := strings.TrimSpace(scanner.Text())
		if trimmed == "" {
			continue
		}
		ev, ok := parseLine(trimmed)
		if !ok {
			log.Debug("spine: skipping malformed line during replay")
			continue
		}
		events = append(events, ev)
	}
	return events
}

// parseLine decodes one JSON-lines record into an Event, preserving
// the raw timestamp string for lexicographic epoch comparisons.
func parseLine(line string) (event.Event, bool) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return event.Event{}, false
	}

	evType, _ := raw["event_type"].(string)
	if evType == "" {
		return event.Event{}, false
	}

	eventID, _ := raw["event_id"].(string)
	rawTS, _ := raw["ts"].(string)
	if rawTS == "" {
		rawTS, _ = raw["timestamp"].(string)
	}

	payload, _ := raw["payload"].(map[string]any)
	if payload == nil {
		payload = map[string]any{}
	}

	ts, _ := time.Parse(time.RFC3339Nano, rawTS)

	return event.Event{
		EventType:    evType,
		EventID:      eventID,
		Timestamp:    ts,
		RawTimestamp: rawTS,
		Payload:      payload,
	}, true
}

func inodeOf(info os.FileInfo) uint64 {
	return statInode(info)
}
