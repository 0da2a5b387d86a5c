package domain

import "strings"

// Mode selects how the interpreter treats the submitted program.
type Mode string

const (
	// ModeNone only carries the online flag.
	ModeNone Mode = ""
	// ModeRun executes the program.
	ModeRun Mode = "run"
	// ModeExplain produces a step-by-step trace of the program.
	ModeExplain Mode = "explain"
)

// Interpreter flag characters.
const (
	flagOnline  = "o"
	flagRun     = "r"
	flagExplain = "e"
)

// Params is the immutable description of one interpreter invocation.
// Flags are derived from Mode only; callers can never pass raw flags through.
type Params struct {
	Mode      Mode   `json:"mode"`
	Code      string `json:"code"`
	Inputs    string `json:"inputs,omitempty"`
	Version   string `json:"version"`
	SessionID string `json:"session,omitempty"`
}

// RunParams returns run-mode parameters.
func RunParams(code, version string) Params {
	return Params{Mode: ModeRun, Code: code, Version: version}
}

// ExplainParams returns explain-mode parameters.
func ExplainParams(code, version string) Params {
	return Params{Mode: ModeExplain, Code: code, Version: version}
}

// WithInputs returns a copy carrying the given input text.
func (p Params) WithInputs(inputs string) Params {
	p.Inputs = inputs
	return p
}

// WithSession returns a copy bound to a subscriber id.
func (p Params) WithSession(id string) Params {
	p.SessionID = id
	return p
}

// CodeLines splits the program on newlines.
func (p Params) CodeLines() []string {
	return strings.Split(p.Code, "\n")
}

// InputLines splits the input text on newlines. Empty input yields no lines.
func (p Params) InputLines() []string {
	if p.Inputs == "" {
		return []string{}
	}
	return strings.Split(p.Inputs, "\n")
}

// Flags returns the command-line flag string, e.g. "-or".
func (p Params) Flags() string {
	flags := "-" + flagOnline
	switch p.Mode {
	case ModeRun:
		flags += flagRun
	case ModeExplain:
		flags += flagExplain
	}
	return flags
}
