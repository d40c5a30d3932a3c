package transport

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// STOMP 1.2 commands used by the client and the test broker.
const (
	CmdConnect     = "CONNECT"
	CmdStomp       = "STOMP"
	CmdConnected   = "CONNECTED"
	CmdSend        = "SEND"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdDisconnect  = "DISCONNECT"
	CmdMessage     = "MESSAGE"
	CmdReceipt     = "RECEIPT"
	CmdError       = "ERROR"
)

// Subprotocol is the WebSocket subprotocol for STOMP 1.2.
const Subprotocol = "v12.stomp"

// Header is a single STOMP header. Order is preserved because the first
// occurrence of a repeated header wins.
type Header struct {
	Key   string
	Value string
}

// Frame is one STOMP frame.
type Frame struct {
	Command string
	Headers []Header
	Body    []byte
}

// NewFrame builds a frame from alternating header keys and values.
func NewFrame(command string, kv ...string) *Frame {
	f := &Frame{Command: command}
	for i := 0; i+1 < len(kv); i += 2 {
		f.Headers = append(f.Headers, Header{Key: kv[i], Value: kv[i+1]})
	}
	return f
}

// Get returns the first value of key.
func (f *Frame) Get(key string) (string, bool) {
	for _, h := range f.Headers {
		if h.Key == key {
			return h.Value, true
		}
	}
	return "", false
}

// Value returns the first value of key or "".
func (f *Frame) Value(key string) string {
	v, _ := f.Get(key)
	return v
}

// Marshal renders the frame in wire format, NUL terminated.
func (f *Frame) Marshal() []byte {
	var buf bytes.Buffer
	escape := f.Command != CmdConnect && f.Command != CmdConnected && f.Command != CmdStomp

	buf.WriteString(f.Command)
	buf.WriteByte('\n')
	hasLength := false
	for _, h := range f.Headers {
		if h.Key == "content-length" {
			hasLength = true
		}
		if escape {
			buf.WriteString(escapeHeader(h.Key))
			buf.WriteByte(':')
			buf.WriteString(escapeHeader(h.Value))
		} else {
			buf.WriteString(h.Key)
			buf.WriteByte(':')
			buf.WriteString(h.Value)
		}
		buf.WriteByte('\n')
	}
	if len(f.Body) > 0 && !hasLength {
		buf.WriteString("content-length:")
		buf.WriteString(strconv.Itoa(len(f.Body)))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

// ParseFrames decodes every frame in data. Heart-beat EOLs between frames are
// skipped, so a payload made only of EOLs yields no frames and no error.
func ParseFrames(data []byte) ([]*Frame, error) {
	var frames []*Frame
	for {
		data = trimEOL(data)
		if len(data) == 0 {
			return frames, nil
		}
		f, rest, err := parseFrame(data)
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
		data = rest
	}
}

func parseFrame(data []byte) (*Frame, []byte, error) {
	line, data, ok := readLine(data)
	if !ok {
		return nil, nil, fmt.Errorf("frame: missing command line")
	}
	f := &Frame{Command: line}
	unescape := f.Command != CmdConnect && f.Command != CmdConnected && f.Command != CmdStomp

	for {
		line, data, ok = readLine(data)
		if !ok {
			return nil, nil, fmt.Errorf("frame %s: unterminated headers", f.Command)
		}
		if line == "" {
			break
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			return nil, nil, fmt.Errorf("frame %s: malformed header %q", f.Command, line)
		}
		if unescape {
			var err error
			if key, err = unescapeHeader(key); err != nil {
				return nil, nil, fmt.Errorf("frame %s: %w", f.Command, err)
			}
			if value, err = unescapeHeader(value); err != nil {
				return nil, nil, fmt.Errorf("frame %s: %w", f.Command, err)
			}
		}
		f.Headers = append(f.Headers, Header{Key: key, Value: value})
	}

	if cl, ok := f.Get("content-length"); ok {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			return nil, nil, fmt.Errorf("frame %s: bad content-length %q", f.Command, cl)
		}
		if len(data) < n+1 || data[n] != 0 {
			return nil, nil, fmt.Errorf("frame %s: body shorter than content-length %d", f.Command, n)
		}
		f.Body = data[:n:n]
		return f, data[n+1:], nil
	}

	end := bytes.IndexByte(data, 0)
	if end < 0 {
		return nil, nil, fmt.Errorf("frame %s: missing NUL terminator", f.Command)
	}
	f.Body = data[:end:end]
	return f, data[end+1:], nil
}

func readLine(data []byte) (string, []byte, bool) {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return "", nil, false
	}
	line := data[:i]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return string(line), data[i+1:], true
}

func trimEOL(data []byte) []byte {
	for len(data) > 0 && (data[0] == '\n' || data[0] == '\r') {
		data = data[1:]
	}
	return data
}

var headerEscaper = strings.NewReplacer(`\`, `\\`, "\r", `\r`, "\n", `\n`, ":", `\c`)

func escapeHeader(s string) string {
	return headerEscaper.Replace(s)
}

func unescapeHeader(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			sb.WriteByte(s[i])
			continue
		}
		if i+1 >= len(s) {
			return "", fmt.Errorf("dangling escape in header %q", s)
		}
		i++
		switch s[i] {
		case '\\':
			sb.WriteByte('\\')
		case 'r':
			sb.WriteByte('\r')
		case 'n':
			sb.WriteByte('\n')
		case 'c':
			sb.WriteByte(':')
		default:
			return "", fmt.Errorf("undefined escape \\%c in header %q", s[i], s)
		}
	}
	return sb.String(), nil
}
