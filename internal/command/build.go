// Package command builds the timestamped hex command strings understood by
// the blind firmware. Commands are plain hex text; the codec package encrypts
// them before they go over the air.
package command

import (
	"time"

	"github.com/edink84/blindctl/internal/codec"
)

// Handshake opcodes. OpUserQuery asks the blind for its status and user
// records, OpSetUserKey registers this controller as a known user, and
// OpSetTime pushes the controller's clock to the blind.
const (
	OpUserQuery  = "02C005"
	OpSetUserKey = "02C001"
	OpSetTime    = "09A001"
)

// QueryTimestamp renders t as the 16-character suffix appended to query-style
// commands: year (mod 100), month, day, hour, minute and second as two hex
// characters each, then milliseconds as four. All fields come from the same
// instant.
func QueryTimestamp(t time.Time) string {
	return codec.FormatHexNum(t.Year()%100, false) +
		codec.FormatHexNum(int(t.Month()), false) +
		codec.FormatHexNum(t.Day(), false) +
		codec.FormatHexNum(t.Hour(), false) +
		codec.FormatHexNum(t.Minute(), false) +
		codec.FormatHexNum(t.Second(), false) +
		codec.FormatHexNum(t.Nanosecond()/int(time.Millisecond), true)
}

// BuildQuery returns opcode followed by the query timestamp for t. Both the
// user query and the set-user-key command use this shape.
func BuildQuery(opcode string, t time.Time) string {
	return opcode + QueryTimestamp(t)
}

// BuildSetTime returns opcode followed by the set-time fields for t. The
// field order differs from the query suffix: weekday first (Sunday is zero),
// then hour, minute, second, year (mod 100), month and day. Milliseconds are
// not sent.
func BuildSetTime(opcode string, t time.Time) string {
	return opcode +
		codec.FormatHexNum(int(t.Weekday()), false) +
		codec.FormatHexNum(t.Hour(), false) +
		codec.FormatHexNum(t.Minute(), false) +
		codec.FormatHexNum(t.Second(), false) +
		codec.FormatHexNum(t.Year()%100, false) +
		codec.FormatHexNum(int(t.Month()), false) +
		codec.FormatHexNum(t.Day(), false)
}
