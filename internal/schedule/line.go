package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dgnsrekt/simsync/internal/model"
)

// Record is a decoded blockage: a polyline closed between Start and End.
type Record struct {
	Start    time.Time     `json:"startTime"`
	End      time.Time     `json:"endTime"`
	Polyline []model.Point `json:"polyline"`
}

// DecodeBlockageLine parses "<start>-<end>:x1,y1,x2,y2,..." against anchor.
//
// Blank and comment lines are the caller's concern; they are rejected here.
func DecodeBlockageLine(line string, anchor Anchor) (Record, error) {
	window, coords, ok := strings.Cut(line, ":")
	if !ok {
		return Record{}, fmt.Errorf("%w: missing ':' in %q", ErrMalformedLine, line)
	}

	tokens := strings.Split(strings.TrimSpace(window), "-")
	if len(tokens) != 2 {
		return Record{}, fmt.Errorf("%w: expected <start>-<end>, got %q", ErrMalformedLine, window)
	}

	start, err := DecodeOffset(tokens[0], anchor)
	if err != nil {
		return Record{}, fmt.Errorf("%w: start: %w", ErrMalformedLine, err)
	}
	end, err := DecodeOffset(tokens[1], anchor)
	if err != nil {
		return Record{}, fmt.Errorf("%w: end: %w", ErrMalformedLine, err)
	}
	if !start.Before(end) {
		return Record{}, fmt.Errorf("%w: start %s is not before end %s",
			ErrMalformedLine, start.Format(time.DateTime), end.Format(time.DateTime))
	}

	points, err := parsePolyline(coords)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %w", ErrMalformedLine, err)
	}

	return Record{Start: start, End: end, Polyline: points}, nil
}

func parsePolyline(s string) ([]model.Point, error) {
	fields := strings.Split(strings.TrimSpace(s), ",")
	if len(fields)%2 != 0 {
		return nil, fmt.Errorf("odd coordinate count %d", len(fields))
	}

	values := make([]int, len(fields))
	for i, f := range fields {
		v, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, fmt.Errorf("coordinate %d: %q is not an integer", i+1, f)
		}
		if v < 0 {
			return nil, fmt.Errorf("coordinate %d: %d is negative", i+1, v)
		}
		values[i] = v
	}

	points := make([]model.Point, 0, len(values)/2)
	for i := 0; i < len(values); i += 2 {
		points = append(points, model.Point{X: values[i], Y: values[i+1]})
	}
	if len(points) < 2 {
		return nil, fmt.Errorf("polyline needs at least 2 points, got %d", len(points))
	}
	return points, nil
}

// EncodeBlockageLine renders r in the bulk-upload line format.
func EncodeBlockageLine(r Record, anchor Anchor) (string, error) {
	if len(r.Polyline) < 2 {
		return "", fmt.Errorf("%w: polyline needs at least 2 points, got %d", ErrMalformedLine, len(r.Polyline))
	}
	if !r.Start.Before(r.End) {
		return "", fmt.Errorf("%w: start is not before end", ErrMalformedLine)
	}

	start, err := EncodeOffset(r.Start, anchor)
	if err != nil {
		return "", err
	}
	end, err := EncodeOffset(r.End, anchor)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(start)
	sb.WriteByte('-')
	sb.WriteString(end)
	sb.WriteByte(':')
	for i, p := range r.Polyline {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(p.X))
		sb.WriteByte(',')
		sb.WriteString(strconv.Itoa(p.Y))
	}
	return sb.String(), nil
}
