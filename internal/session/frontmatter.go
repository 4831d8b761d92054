package session

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	errMissingFrontMatter   = errors.New("missing frontmatter")
	errMalformedFrontMatter = errors.New("malformed frontmatter")
)

// decodeDocument extracts the state block and prompt from a document that
// starts with `---` YAML fences.
func decodeDocument(content []byte) (*Session, error) {
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return nil, errMissingFrontMatter
	}
	rest := normalized[4:]
	var meta, body []byte
	if bytes.HasPrefix(rest, []byte("---\n")) {
		body = rest[4:]
	} else {
		parts := bytes.SplitN(rest, []byte("\n---\n"), 2)
		if len(parts) < 2 {
			return nil, errMalformedFrontMatter
		}
		meta, body = parts[0], parts[1]
	}
	var envelope stateEnvelope
	if err := yaml.Unmarshal(meta, &envelope); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	sess, err := envelope.toSession()
	if err != nil {
		return nil, err
	}
	sess.Prompt = strings.TrimSpace(string(body))
	return sess, nil
}

// encodeDocument renders state + prompt with YAML fences.
func encodeDocument(sess *Session) ([]byte, error) {
	if sess.ID == "" {
		return nil, fmt.Errorf("session: missing id")
	}
	envelope := stateEnvelope{}
	envelope.fromSession(sess)
	data, err := yaml.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("session: encode frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(data, "\n"))
	buf.WriteString("\n---\n\n")
	buf.WriteString(sess.Prompt)
	buf.WriteString("\n")
	return buf.Bytes(), nil
}

type stateEnvelope struct {
	GoalLoop stateMetadata `yaml:"goalloop"`
}

type stateMetadata struct {
	ID                string `yaml:"id"`
	Name              string `yaml:"name"`
	Status            string `yaml:"status"`
	Iteration         int    `yaml:"iteration"`
	MaxIterations     int    `yaml:"max_iterations"`
	CompletionPromise string `yaml:"completion_promise"`
	AgentSession      string `yaml:"agent_session,omitempty"`
	Reason            string `yaml:"reason,omitempty"`
	Started           string `yaml:"started"`
	Updated           string `yaml:"updated"`
	Ended             string `yaml:"ended,omitempty"`
}

func (e stateEnvelope) toSession() (*Session, error) {
	m := e.GoalLoop
	if m.ID == "" {
		return nil, fmt.Errorf("%w: id is required", errMalformedFrontMatter)
	}
	status, err := ParseStatus(m.Status)
	if err != nil {
		return nil, err
	}
	if m.Iteration < 1 {
		return nil, fmt.Errorf("iteration must be >= 1, got %d", m.Iteration)
	}
	if m.MaxIterations < 0 {
		return nil, fmt.Errorf("max_iterations must be >= 0, got %d", m.MaxIterations)
	}
	started, err := parseTime(m.Started)
	if err != nil {
		return nil, fmt.Errorf("started: %w", err)
	}
	updated, err := parseTime(m.Updated)
	if err != nil {
		return nil, fmt.Errorf("updated: %w", err)
	}
	var ended time.Time
	if m.Ended != "" {
		if ended, err = parseTime(m.Ended); err != nil {
			return nil, fmt.Errorf("ended: %w", err)
		}
	}
	return &Session{
		ID:                m.ID,
		Name:              m.Name,
		Status:            status,
		Iteration:         m.Iteration,
		MaxIterations:     m.MaxIterations,
		CompletionPromise: NormalizePromise(m.CompletionPromise),
		AgentSession:      m.AgentSession,
		Reason:            m.Reason,
		StartedAt:         started,
		UpdatedAt:         updated,
		EndedAt:           ended,
	}, nil
}

func (e *stateEnvelope) fromSession(sess *Session) {
	e.GoalLoop = stateMetadata{
		ID:                sess.ID,
		Name:              sess.Name,
		Status:            string(sess.Status),
		Iteration:         sess.Iteration,
		MaxIterations:     sess.MaxIterations,
		CompletionPromise: sess.CompletionPromise,
		AgentSession:      sess.AgentSession,
		Reason:            sess.Reason,
		Started:           sess.StartedAt.UTC().Format(timeLayout),
		Updated:           sess.UpdatedAt.UTC().Format(timeLayout),
	}
	if !sess.EndedAt.IsZero() {
		e.GoalLoop.Ended = sess.EndedAt.UTC().Format(timeLayout)
	}
}

const timeLayout = time.RFC3339

func parseTime(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
