package stream

import (
	"encoding/json"
	"strings"
)

// outboundFrame is the payload sent for one user message.
type outboundFrame struct {
	Message string `json:"message"`
	System  string `json:"system,omitempty"`
}

type fragmentKind int

const (
	fragmentText fragmentKind = iota
	fragmentComplete
	fragmentError
	fragmentIgnore
)

type fragment struct {
	kind   fragmentKind
	text   string
	errMsg string
}

// controlFrame is what an inbound frame may carry besides plain text. The
// wire protocol mixes raw text fragments with JSON control objects.
type controlFrame struct {
	Error    string `json:"error"`
	Status   string `json:"status"`
	Complete bool   `json:"complete"`
	Message  string `json:"message"`
}

// decodeFragment classifies one inbound frame. Text is preserved verbatim;
// only the classification looks at trimmed content.
func decodeFragment(data []byte) fragment {
	s := string(data)
	if strings.TrimSpace(s) == "" {
		return fragment{kind: fragmentIgnore}
	}

	// Informational notices the service sends on connect for fresh users.
	if strings.Contains(s, "no chat history") || strings.Contains(s, "No history found") {
		return fragment{kind: fragmentIgnore}
	}

	if strings.HasPrefix(s, "Error:") {
		return fragment{kind: fragmentError, errMsg: strings.TrimSpace(strings.TrimPrefix(s, "Error:"))}
	}

	var ctrl controlFrame
	if err := json.Unmarshal(data, &ctrl); err == nil {
		switch {
		case ctrl.Error != "":
			return fragment{kind: fragmentError, errMsg: ctrl.Error}
		case ctrl.Status == "complete" || ctrl.Complete:
			return fragment{kind: fragmentComplete}
		case ctrl.Message != "":
			return fragment{kind: fragmentText, text: ctrl.Message}
		}
		// JSON without a recognized control field flows through as text.
	}

	return fragment{kind: fragmentText, text: s}
}

// looksComplete reports whether a fragment reads like the end of a reply.
// A stand-in for the missing end-of-stream frame; the idle timer and the hard
// ceiling back it up.
func looksComplete(text string, lengthThreshold int) bool {
	if lengthThreshold > 0 && len(text) > lengthThreshold {
		return true
	}
	if strings.HasSuffix(text, "\n\n") {
		return true
	}
	trimmed := strings.TrimRight(text, " \t")
	return strings.HasSuffix(trimmed, ".") ||
		strings.HasSuffix(trimmed, "!") ||
		strings.HasSuffix(trimmed, "?")
}
