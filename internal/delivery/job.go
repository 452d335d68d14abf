package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"wagate/internal/protocol"
	"wagate/internal/queue"
	"wagate/internal/storage"
)

var (
	ErrInvalidJob       = errors.New("delivery: invalid job")
	ErrMediaUnavailable = errors.New("delivery: media unavailable")
)

// Job is the queue payload of one outbound message.
type Job struct {
	MessageID  string            `json:"message_id"`
	AccountID  string            `json:"account_id"`
	CampaignID string            `json:"campaign_id,omitempty"`
	Recipient  string            `json:"recipient"`
	Body       string            `json:"body"`
	Variables  map[string]string `json:"variables,omitempty"`
	Media      *Media            `json:"media,omitempty"`

	// Pacing bounds in milliseconds. Zero takes the worker defaults.
	PaceMinMS int64 `json:"pace_min_ms,omitempty"`
	PaceMaxMS int64 `json:"pace_max_ms,omitempty"`
}

// Media references either a file under the media root or a remote URL.
type Media struct {
	Path string `json:"path,omitempty"`
	URL  string `json:"url,omitempty"`
	Type string `json:"type,omitempty"`
}

func (j Job) Validate() error {
	switch {
	case strings.TrimSpace(j.MessageID) == "":
		return fmt.Errorf("%w: message_id required", ErrInvalidJob)
	case strings.TrimSpace(j.AccountID) == "":
		return fmt.Errorf("%w: account_id required", ErrInvalidJob)
	case strings.TrimSpace(j.Recipient) == "":
		return fmt.Errorf("%w: recipient required", ErrInvalidJob)
	case j.Body == "" && j.Media == nil:
		return fmt.Errorf("%w: body or media required", ErrInvalidJob)
	case j.PaceMinMS < 0 || j.PaceMaxMS < 0:
		return fmt.Errorf("%w: negative pacing", ErrInvalidJob)
	}
	return nil
}

// Pace returns the job's pacing bounds, falling back to the defaults.
func (j Job) Pace(defMin, defMax time.Duration) (time.Duration, time.Duration) {
	lo, hi := defMin, defMax
	if j.PaceMinMS > 0 || j.PaceMaxMS > 0 {
		lo = time.Duration(j.PaceMinMS) * time.Millisecond
		hi = time.Duration(j.PaceMaxMS) * time.Millisecond
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

func decodeJob(raw json.RawMessage) (Job, error) {
	var j Job
	if err := json.Unmarshal(raw, &j); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	return j, j.Validate()
}

// Enqueue records the message as pending and queues its delivery job. An
// empty MessageID gets a UUID.
func Enqueue(ctx context.Context, q queue.Queue, msgs storage.Messages, j Job, runAt time.Time) (Job, queue.Job, error) {
	if j.MessageID == "" {
		j.MessageID = uuid.NewString()
	}
	if err := j.Validate(); err != nil {
		return j, queue.Job{}, err
	}
	raw, err := json.Marshal(j)
	if err != nil {
		return j, queue.Job{}, err
	}
	err = msgs.CreateMessage(ctx, storage.Message{
		ID:         j.MessageID,
		AccountID:  j.AccountID,
		CampaignID: j.CampaignID,
		Recipient:  j.Recipient,
		Status:     storage.MessagePending,
	})
	if err != nil {
		return j, queue.Job{}, fmt.Errorf("delivery: create message: %w", err)
	}
	qj, err := q.Enqueue(ctx, queue.Job{Payload: raw, RunAt: runAt})
	return j, qj, err
}

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Render substitutes {{name}} placeholders. Unknown names stay verbatim.
func Render(body string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(body, "{{") {
		return body
	}
	return placeholder.ReplaceAllStringFunc(body, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}

// resolveMedia prefers a local file under root and falls back to the URL.
func resolveMedia(root string, m *Media) (protocol.Payload, error) {
	var p protocol.Payload
	if m == nil {
		return p, nil
	}
	p.MediaType = m.Type
	if path, ok := underRoot(root, m.Path); ok {
		p.MediaPath = path
		return p, nil
	}
	if m.URL != "" {
		p.MediaURL = m.URL
		return p, nil
	}
	return p, fmt.Errorf("%w: %q", ErrMediaUnavailable, m.Path)
}

func underRoot(root, ref string) (string, bool) {
	if strings.TrimSpace(root) == "" || strings.TrimSpace(ref) == "" {
		return "", false
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", false
	}
	path := ref
	if !filepath.IsAbs(path) {
		path = filepath.Join(absRoot, path)
	}
	path = filepath.Clean(path)
	rel, err := filepath.Rel(absRoot, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	st, err := os.Stat(path)
	if err != nil || !st.Mode().IsRegular() {
		return "", false
	}
	return path, true
}
