// Package transcript reads the assistant host's JSON Lines conversation log
// and extracts completion promises from assistant output.
package transcript

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

// ErrNoAssistantMessage is returned when the transcript holds no assistant output.
var ErrNoAssistantMessage = errors.New("transcript: no assistant message")

// MaxLineBytes bounds a single transcript line, excluding the newline.
const MaxLineBytes = 10 << 20

type entry struct {
	Type    string   `json:"type"`
	Role    string   `json:"role"`
	Message *message `json:"message"`
}

type message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// LastAssistantText returns the text of the last assistant entry in the
// transcript at path.
func LastAssistantText(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("transcript: open %s: %w", path, err)
	}
	defer f.Close()
	return LastAssistantTextFrom(f)
}

// LastAssistantTextFrom scans r line by line. Malformed lines and lines
// longer than MaxLineBytes are skipped.
func LastAssistantTextFrom(r io.Reader) (string, error) {
	reader := bufio.NewReaderSize(r, 64*1024)
	var (
		buf   []byte
		last  string
		found bool
	)
	for {
		line, oversized, err := readLine(reader, buf)
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("transcript: read: %w", err)
		}
		buf = line
		if !oversized {
			if text, ok := assistantText(line); ok {
				last, found = text, true
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
	}
	if !found {
		return "", ErrNoAssistantMessage
	}
	return last, nil
}

// readLine reads one newline-terminated line into buf. Lines whose content
// exceeds MaxLineBytes are drained and reported as oversized.
func readLine(r *bufio.Reader, buf []byte) ([]byte, bool, error) {
	buf = buf[:0]
	oversized := false
	for {
		fragment, err := r.ReadSlice('\n')
		if !oversized {
			if len(buf)+len(fragment) > MaxLineBytes+1 {
				oversized = true
				buf = buf[:0]
			} else {
				buf = append(buf, fragment...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if !oversized && len(bytes.TrimRight(buf, "\r\n")) > MaxLineBytes {
			oversized = true
			buf = buf[:0]
		}
		return buf, oversized, err
	}
}

func assistantText(line []byte) (string, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return "", false
	}
	var e entry
	if err := json.Unmarshal(line, &e); err != nil {
		return "", false
	}
	if !e.isAssistant() {
		return "", false
	}
	return e.Message.text()
}

func (e entry) isAssistant() bool {
	if e.Message == nil {
		return false
	}
	return e.Type == "assistant" || e.Role == "assistant" || e.Message.Role == "assistant"
}

// text joins the text blocks of a message. Content is either a string or a
// list of typed blocks; tool-only turns report ok=false.
func (m *message) text() (string, bool) {
	if len(m.Content) == 0 {
		return "", false
	}
	var plain string
	if err := json.Unmarshal(m.Content, &plain); err == nil {
		return plain, true
	}
	var blocks []contentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return "", false
	}
	var parts []string
	for _, block := range blocks {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "\n"), true
}

var promisePattern = regexp.MustCompile(`(?s)<promise>(.*?)</promise>`)

// ExtractPromise returns the normalized content of the first
// <promise>…</promise> tag in text.
func ExtractPromise(text string) (string, bool) {
	match := promisePattern.FindStringSubmatch(text)
	if match == nil {
		return "", false
	}
	return NormalizePromise(match[1]), true
}

// NormalizePromise trims value and collapses internal whitespace.
func NormalizePromise(value string) string {
	return strings.Join(strings.Fields(value), " ")
}
