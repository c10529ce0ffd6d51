// Package fsd encodes and parses the FSD line protocol spoken by desktop
// ATC clients.
//
// A message is one line of ASCII text terminated by CRLF. Fields are
// separated by ':'; the first field starts with a one to three character
// type prefix ("@", "%", "#AA", "$FP", ...) immediately followed by the
// sender's callsign. The details of the message layouts follow the FSD
// Unofficial docs: https://fsd-doc.norrisng.ca/site/.
package fsd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// MaxLineLength bounds a single received line; longer lines are a
// protocol error.
const MaxLineLength = 4096

// Version is the server banner announced on connect.
const Version = "VATSIM FSD V3.14"

// Standard FSD error codes sent with $ER.
const (
	ErrCodeOK              = 0
	ErrCodeCallsignInUse   = 1
	ErrCodeCallsignInvalid = 2
	ErrCodeRegistered      = 3
	ErrCodeSyntax          = 4
	ErrCodeSourceInvalid   = 5
	ErrCodeNoSuchCallsign  = 7
	ErrCodeNoFlightPlan    = 8
	ErrCodeNoWeather       = 9
	ErrCodeRevision        = 10
	ErrCodeLevelTooHigh    = 11
	ErrCodeInvalidControl  = 14
)

type MalformedMessageError struct {
	Err string
}

func (m MalformedMessageError) Error() string {
	return m.Err
}

// ProtocolError is a rejection that is reported to the client with an
// $ER message carrying Code before the connection is closed.
type ProtocolError struct {
	Code  int
	Param string
	Msg   string
}

func (e *ProtocolError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("fsd error %d (%s): %s", e.Code, e.Param, e.Msg)
	}
	return fmt.Sprintf("fsd error %d: %s", e.Code, e.Msg)
}

// ErrEmptyLine is returned by Parse for blank lines.
var ErrEmptyLine = errors.New("fsd: empty line")

// Message is any FSD message. Encode returns the line without the CRLF
// terminator.
type Message interface {
	Encode() string
}

// Unknown is a syntactically plausible line whose type the parser does
// not handle. Servers ignore these.
type Unknown struct {
	Line string
}

func (u Unknown) Encode() string { return u.Line }

///////////////////////////////////////////////////////////////////////////
// Message specs

type fieldSpec struct {
	idx     int
	pattern string
}

func (f fieldSpec) Match(s string) bool {
	return f.pattern == "" || s == f.pattern
}

// MessageSpec recognizes one message layout.
type MessageSpec struct {
	id        string
	minFields int
	match     []fieldSpec
	parse     func(sender string, fields []string) (Message, error)
}

// NewMessageSpec returns a spec for messages whose first field starts
// with the prefix given by the first ':'-separated component of id.
// Further components must match the corresponding fields exactly; empty
// components match anything. "$CQ::FP" thus matches "$CQABC_APP:SERVER:FP:DAL42".
func NewMessageSpec(id string, minFields int, parse func(sender string, fields []string) (Message, error)) *MessageSpec {
	s := &MessageSpec{minFields: minFields, parse: parse}
	for i, f := range strings.Split(id, ":") {
		if i == 0 {
			s.id = f
		} else if f != "" {
			s.match = append(s.match, fieldSpec{idx: i, pattern: f})
		}
	}
	return s
}

// Match reports whether fields have this spec's layout; when they do,
// the sender is the remainder of the first field after the prefix.
func (s *MessageSpec) Match(fields []string) (string, bool) {
	if !strings.HasPrefix(fields[0], s.id) {
		return "", false
	}
	for _, m := range s.match {
		if m.idx >= len(fields) || !m.Match(fields[m.idx]) {
			return "", false
		}
	}
	return fields[0][len(s.id):], true
}

// Specs are tried in order; the first match wins, so more specific
// layouts precede more general ones with the same prefix.
var messageSpecs = []*MessageSpec{
	NewMessageSpec("@", 10, parsePosition),
	NewMessageSpec("%", 7, parseATCPosition),
	NewMessageSpec("$DI", 3, parseServerIdent),
	NewMessageSpec("$ID", 3, parseClientIdent),
	NewMessageSpec("#AA", 6, parseAddATC),
	NewMessageSpec("#AP", 2, parseAddPilot),
	NewMessageSpec("#DA", 1, parseDeleteATC),
	NewMessageSpec("#DP", 1, parseDeletePilot),
	NewMessageSpec("$FP", 17, parseFlightPlan),
	NewMessageSpec("#PC::CCP:BC", 6, parseBeaconCode),
	NewMessageSpec("$AX::METAR", 4, parseMetarRequest),
	NewMessageSpec("$AR::METAR", 4, parseMetar),
	NewMessageSpec("$CQ::FP", 4, parseFlightPlanQuery),
	NewMessageSpec("$CQ::ATC", 3, parseATCQuery),
	NewMessageSpec("$CR::ATC", 4, parseATCValidation),
	NewMessageSpec("#SB::PI:GEN", 5, parsePlaneInfo),
	NewMessageSpec("#SB::PI", 3, parsePlaneInfoRequest),
	NewMessageSpec("#TM", 3, parseTextMessage),
	NewMessageSpec("$ER", 5, parseError),
}

// Parse decodes one line (with or without its terminator). Lines of a
// type the parser does not know are returned as Unknown with a nil
// error. A known type with missing or malformed fields yields a
// MalformedMessageError.
func Parse(line string) (Message, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return nil, ErrEmptyLine
	}

	fields := strings.Split(line, ":")
	for _, spec := range messageSpecs {
		sender, ok := spec.Match(fields)
		if !ok {
			continue
		}
		if len(fields) < spec.minFields {
			return nil, MalformedMessageError{fmt.Sprintf("%s: expected >= %d fields, got %d", spec.id, spec.minFields, len(fields))}
		}
		return spec.parse(sender, fields)
	}
	return Unknown{Line: line}, nil
}

///////////////////////////////////////////////////////////////////////////
// Framing

// NewScanner returns a scanner that yields lines without their CR/LF
// terminators and fails with bufio.ErrTooLong on lines longer than
// MaxLineLength.
func NewScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 512), MaxLineLength)
	return sc
}

// Frame encodes messages as CRLF-terminated lines.
func Frame(msgs ...Message) []byte {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(m.Encode())
		b.WriteString("\r\n")
	}
	return []byte(b.String())
}

// clean makes a value safe to embed in a field.
func clean(s string) string {
	if !strings.ContainsAny(s, ":\r\n") {
		return s
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case ':', '\r', '\n':
			return ' '
		}
		return r
	}, s)
}
