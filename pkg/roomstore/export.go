package roomstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/colloquy-dev/colloquy/pkg/discussion"
)

// ExportFormat selects the transcript rendering.
type ExportFormat string

const (
	ExportMarkdown ExportFormat = "markdown"
	ExportJSON     ExportFormat = "json"
)

// Export renders the room's transcript as a self-contained document.
func (s *Store) Export(roomID string, format ExportFormat) ([]byte, error) {
	m, err := s.Get(roomID)
	if err != nil {
		return nil, err
	}
	turns, err := s.Turns(roomID)
	if err != nil {
		return nil, err
	}

	switch format {
	case ExportJSON:
		return exportJSON(m, turns)
	case ExportMarkdown, "":
		return exportMarkdown(m, turns), nil
	default:
		return nil, fmt.Errorf("roomstore: unknown export format %q", format)
	}
}

func exportJSON(m Manifest, turns []discussion.Turn) ([]byte, error) {
	doc := struct {
		Room  Manifest          `json:"room"`
		Turns []discussion.Turn `json:"turns"`
	}{Room: m, Turns: turns}
	return json.MarshalIndent(doc, "", "  ")
}

func exportMarkdown(m Manifest, turns []discussion.Turn) []byte {
	var buf bytes.Buffer

	title := m.Title
	if title == "" {
		title = m.ID
	}
	fmt.Fprintf(&buf, "# %s\n\n", title)
	if m.Topic != "" {
		fmt.Fprintf(&buf, "**Topic:** %s\n\n", m.Topic)
	}
	fmt.Fprintf(&buf, "Created %s · %d turns\n\n",
		m.CreatedAt.Format("2006-01-02 15:04 MST"), len(turns))

	if len(m.Agents) > 0 {
		buf.WriteString("## Participants\n\n")
		for _, a := range m.Agents {
			if a.Role != "" {
				fmt.Fprintf(&buf, "- **%s** (%s)\n", a.Name, a.Role)
			} else {
				fmt.Fprintf(&buf, "- **%s**\n", a.Name)
			}
		}
		buf.WriteString("\n")
	}

	buf.WriteString("## Transcript\n\n")
	for _, t := range turns {
		fmt.Fprintf(&buf, "**%s** · %s\n\n%s\n\n",
			t.SpeakerName,
			t.Timestamp.Format(time.Kitchen),
			t.Content)
	}
	return buf.Bytes()
}
