// ABOUTME: Replay fingerprint for event logs and transport-side delta coalescing
// ABOUTME: Coalescing only concatenates adjacent content_delta events; order never changes

package stream

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// DigestOf hashes (seq, type, data) of every event in order
func DigestOf(events []Event) string {
	h := xxhash.New()
	for _, ev := range events {
		_, _ = h.WriteString(strconv.Itoa(ev.Seq))
		_, _ = h.Write([]byte{0})
		_, _ = h.WriteString(string(ev.Type))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write(ev.Data)
		_, _ = h.Write([]byte{'\n'})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// Coalesce concatenates runs of consecutive content_delta events into one
// event carrying the first event's sequence number. Other events pass through.
func Coalesce(events []Event) []Event {
	out := make([]Event, 0, len(events))
	var run []string

	flush := func() {
		if len(run) < 2 {
			run = nil
			return
		}
		last := &out[len(out)-1]
		if data, err := json.Marshal(TextPayload{Text: strings.Join(run, "")}); err == nil {
			last.Data = data
		}
		run = nil
	}

	for _, ev := range events {
		if ev.Type != TypeContentDelta {
			flush()
			out = append(out, ev)
			continue
		}

		var p TextPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			flush()
			out = append(out, ev)
			continue
		}
		if run == nil {
			out = append(out, ev)
		}
		run = append(run, p.Text)
	}
	flush()
	return out
}
