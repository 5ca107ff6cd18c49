// Package export renders a conversation transcript as a human readable
// YAML document and reads it back.
package export

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"multichat/domain/billing"
	"multichat/domain/conversation"

	"gopkg.in/yaml.v3"
)

// TimestampLayout is used in export file names
const TimestampLayout = "20060102T150405Z"

// Document is the exported view of one conversation
type Document struct {
	Name        string    `yaml:"name"`
	ExportedAt  time.Time `yaml:"exported_at"`
	Past        []string  `yaml:"past"`
	Generated   []string  `yaml:"generated"`
	ModelName   []string  `yaml:"model_name"`
	Cost        []float64 `yaml:"cost"`
	TotalTokens []int     `yaml:"total_tokens"`
	TotalCost   float64   `yaml:"total_cost"`
}

// FileName builds <name>_conversation_<timestamp>.txt with path separators stripped
func FileName(name string, at time.Time) string {
	safe := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, name)
	return fmt.Sprintf("%s_conversation_%s.txt", safe, at.UTC().Format(TimestampLayout))
}

// Export serializes conv. Floats are written in shortest round-trip form so
// ParseExport restores identical values.
func Export(conv *conversation.Conversation, at time.Time) (string, []byte, error) {
	doc := Document{
		Name:        conv.Name,
		ExportedAt:  at.UTC(),
		Past:        conv.Past,
		Generated:   conv.Generated,
		ModelName:   conv.ModelName,
		Cost:        conv.Cost,
		TotalTokens: conv.TotalTokens,
		TotalCost:   conv.TotalCost,
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# conversation: %s\n", oneLine(conv.Name))
	fmt.Fprintf(&buf, "# turns: %d\n", len(conv.Past))
	fmt.Fprintf(&buf, "# total cost: %s\n", billing.FormatCost(conv.TotalCost))

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return "", nil, fmt.Errorf("encode export: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", nil, fmt.Errorf("encode export: %w", err)
	}

	return FileName(conv.Name, at), buf.Bytes(), nil
}

// ParseExport reads a document produced by Export
func ParseExport(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse export: %w", err)
	}
	n := len(doc.Past)
	if len(doc.Generated) != n || len(doc.Cost) != n {
		return nil, fmt.Errorf("parse export: past, generated and cost lengths differ (%d/%d/%d)", n, len(doc.Generated), len(doc.Cost))
	}
	return &doc, nil
}

func oneLine(s string) string {
	return strings.NewReplacer("\n", " ", "\r", " ").Replace(s)
}
