package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"

	"github.com/peerpress/peerpress/internal/xerrors"
)

// decodeLines parses JSONL segment content, skipping blank lines.
func decodeLines(raw []byte) ([]Event, error) {
	var events []Event
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, xerrors.Wrap(err, "decode event line")
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// VerifyChain recomputes the hash chain over events, starting from seed
// ("" for a first segment, the prior segment's final hash otherwise).
// Any mismatch indicates tampering or corruption.
func VerifyChain(events []Event, seed string) error {
	prev := seed
	for i, ev := range events {
		canonical, err := ev.canonicalBytes()
		if err != nil {
			return xerrors.Wrapf(err, "audit: verify event %d", i)
		}
		if want := chainHash(prev, canonical); ev.Hash != want {
			return xerrors.Newf("audit: chain broken at event %d (%s): hash %s, want %s", i, ev.Event, ev.Hash, want)
		}
		prev = ev.Hash
	}
	return nil
}

// VerifySegment verifies one segment file and returns its final hash so
// the caller can chain into the next segment.
func VerifySegment(path, seed string) (finalHash string, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", xerrors.Wrapf(err, "audit: read segment %s", path)
	}
	events, err := decodeLines(raw)
	if err != nil {
		return "", xerrors.Wrapf(err, "audit: parse segment %s", path)
	}
	if err := VerifyChain(events, seed); err != nil {
		return "", err
	}
	if len(events) == 0 {
		return seed, nil
	}
	return events[len(events)-1].Hash, nil
}

// ReadSegment returns all events in a segment file without verifying.
func ReadSegment(path string) ([]Event, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "audit: read segment %s", path)
	}
	return decodeLines(raw)
}
