package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/trackwire/trackwire/internal/track"
)

// Core event payloads are diagnostic tables serialized as
// {"rows":[{"texts":[{"text":...},...]},...]}. Each row classifies by shape:
// three cells with a numeric second cell describe a subsystem and its fault
// count (a "group" row), two cells describe one fault and whether it is
// active (a "leaf" row, tagged with the most recent group's subsystem name).

type tableDoc struct {
	Rows []struct {
		Texts []struct {
			Text string `json:"text"`
		} `json:"texts"`
	} `json:"rows"`
}

// extractTextRows pulls the non-empty cell texts of every row, in order.
func extractTextRows(payload string) ([][]string, error) {
	var doc tableDoc
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, fmt.Errorf("parse table json: %w", err)
	}

	var rows [][]string
	for _, row := range doc.Rows {
		var texts []string
		for _, cell := range row.Texts {
			if t := strings.TrimSpace(cell.Text); t != "" {
				texts = append(texts, t)
			}
		}
		if len(texts) > 0 {
			rows = append(rows, texts)
		}
	}
	return rows, nil
}

// classifyRow turns one row's cell texts into frame params. The returned
// system name latches: group rows set it, leaf rows carry it. Rows of any
// other shape produce nothing.
func classifyRow(texts []string, lastSystem string) ([]wireParam, string) {
	switch {
	case len(texts) == 3 && isDigits(texts[1]):
		system := Transliterate(texts[0])
		return []wireParam{
			{name: "type", typ: track.ParamInt, value: "1"},
			{name: "system", typ: track.ParamString, value: system},
			{name: "err_cnt", typ: track.ParamInt, value: texts[1]},
		}, system

	case len(texts) == 2:
		out := []wireParam{
			{name: "type", typ: track.ParamInt, value: "2"},
			{name: "err", typ: track.ParamString, value: Transliterate(texts[0])},
			{name: "active", typ: track.ParamInt, value: boolParam(strings.EqualFold(texts[1], "Active"))},
		}
		if lastSystem != "" {
			out = append(out, wireParam{name: "system", typ: track.ParamString, value: lastSystem})
		}
		return out, lastSystem
	}
	return nil, lastSystem
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
