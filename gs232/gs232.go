// Package gs232 decodes the GS-232B rotator commands sent by tracking
// clients and formats the replies.
//
// Supported commands:
//
//	C2                 report azimuth and elevation
//	W<az> <el>         move to azimuth and elevation
//	C2W<az> <el>       move, then report
//	W<az> <el>C2       move, then report
//	S                  stop
//	\set_pos <az> <el> move (hamlib-style alias sent by some trackers)
//	M_<direction>      jog up/down/left/right/stop (local control only)
package gs232

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Replies.
const (
	ACK = "ACK\r\n"
	// Reject is sent when a move would cross the soft limits.
	Reject = "?> \r\n"
)

// Kind classifies a command line.
type Kind int

const (
	Unknown Kind = iota
	Jog
	QueryMove
	Query
	Move
	Stop
	SetPos
)

func (k Kind) String() string {
	switch k {
	case Jog:
		return "jog"
	case QueryMove:
		return "query+move"
	case Query:
		return "query"
	case Move:
		return "move"
	case Stop:
		return "stop"
	case SetPos:
		return "set_pos"
	}
	return "unknown"
}

const setPosPrefix = `\set_pos`

// Command is a classified command line. Body holds the arguments: the jog
// direction, or the "<az> <el>" of a move.
type Command struct {
	Kind Kind
	Body string
}

// Decode splits received bytes into trimmed command lines. Bytes that are not
// valid UTF-8 are dropped. A chunk without a line terminator is one command.
func Decode(data []byte) []string {
	if !utf8.Valid(data) {
		data = []byte(strings.ToValidUTF8(string(data), ""))
	}
	var lines []string
	for _, line := range strings.FieldsFunc(string(data), func(r rune) bool {
		return r == '\r' || r == '\n'
	}) {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// Parse classifies a trimmed line. The first matching form wins, so C2W...
// is never taken for a bare C2.
func Parse(line string) Command {
	switch {
	case strings.HasPrefix(line, "M_"):
		return Command{Kind: Jog, Body: line[2:]}
	case strings.HasPrefix(line, "C2W"):
		return Command{Kind: QueryMove, Body: strings.TrimSpace(line[3:])}
	case strings.HasPrefix(line, "W") && strings.HasSuffix(line, "C2"):
		return Command{Kind: QueryMove, Body: strings.TrimSpace(line[1 : len(line)-2])}
	case strings.HasPrefix(line, "C2"):
		return Command{Kind: Query}
	case strings.HasPrefix(line, "W"):
		return Command{Kind: Move, Body: strings.TrimSpace(line[1:])}
	case line == "S":
		return Command{Kind: Stop}
	case strings.HasPrefix(line, setPosPrefix):
		return Command{Kind: SetPos, Body: strings.TrimSpace(line[len(setPosPrefix):])}
	}
	return Command{Kind: Unknown, Body: line}
}

// ParseError is a malformed command argument list.
type ParseError struct {
	Body string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parsing %q: %v", e.Body, e.Err)
	}
	return fmt.Sprintf("parsing %q: want <az> <el>", e.Body)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ParseAngles parses "<az> <el>". Extra fields are ignored.
func ParseAngles(body string) (az, el float64, err error) {
	parts := strings.Fields(body)
	if len(parts) < 2 {
		return 0, 0, &ParseError{Body: body}
	}
	if az, err = strconv.ParseFloat(parts[0], 64); err != nil {
		return 0, 0, &ParseError{Body: body, Err: err}
	}
	if el, err = strconv.ParseFloat(parts[1], 64); err != nil {
		return 0, 0, &ParseError{Body: body, Err: err}
	}
	return az, el, nil
}

// FormatPosition formats a C2 reply from corrected degrees, truncated.
func FormatPosition(az, el float64) string {
	return fmt.Sprintf("AZ=%03d EL=%03d\r\n", int(az), int(el))
}
