package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vigia-electoral/vigia/internal/session"
	"go.uber.org/zap"
)

const (
	// EventSchoolUpdate is the only named event the listener acts on. It is an
	// opaque refetch trigger; the payload is never treated as source of truth.
	EventSchoolUpdate = "school:update"

	eventConnected = "connected"
	redialPause    = time.Second
	maxLineBytes   = 1 << 20
)

var (
	errMissingBaseURL  = errors.New("stream: base url is required")
	errMissingSession  = errors.New("stream: session store is required")
	errMissingCallback = errors.New("stream: update callback is required")
)

// Config describes the dependencies of the push-update listener.
type Config struct {
	BaseURL        string
	Session        *session.Store
	OnSchoolUpdate func(payload json.RawMessage)
	HTTPClient     *http.Client
	Logger         *zap.Logger
}

// Listener maintains one server-push channel per credential value. It opens a
// stream while a credential exists, invokes the callback on school:update
// events, and tears the stream down when the credential changes or the
// context ends. Other messages are ignored.
type Listener struct {
	baseURL  string
	session  *session.Store
	onUpdate func(json.RawMessage)
	http     *http.Client
	logger   *zap.Logger
}

// NewListener constructs the listener.
func NewListener(cfg Config) (*Listener, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	if cfg.Session == nil {
		return nil, errMissingSession
	}
	if cfg.OnSchoolUpdate == nil {
		return nil, errMissingCallback
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// No timeout: the stream is long-lived by design.
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		baseURL:  baseURL,
		session:  cfg.Session,
		onUpdate: cfg.OnSchoolUpdate,
		http:     httpClient,
		logger:   logger,
	}, nil
}

// Run supervises the push channel until the context ends. It blocks; callers
// run it in its own goroutine.
func (l *Listener) Run(ctx context.Context) error {
	changes, cancelWatch := l.session.Watch()
	defer cancelWatch()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		token := l.session.Token()
		if token == "" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-changes:
			}
			continue
		}

		if err := l.consume(ctx, token, changes); err != nil && ctx.Err() == nil {
			l.logger.Debug("push channel closed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(redialPause):
			}
		}
	}
}

// consume opens one channel scoped to the given credential and reads it until
// the stream ends, the context is cancelled, or the credential changes.
func (l *Listener) consume(ctx context.Context, token string, changes <-chan struct{}) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		for {
			select {
			case <-streamCtx.Done():
				return
			case <-changes:
				if l.session.Token() != token {
					cancel()
					return
				}
			}
		}
	}()

	endpoint := l.baseURL + "/events?token=" + url.QueryEscape(token)
	request, err := http.NewRequestWithContext(streamCtx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", "text/event-stream")

	response, err := l.http.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close() //nolint:errcheck

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("stream: unexpected status %d", response.StatusCode)
	}

	scanner := bufio.NewScanner(response.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	eventName := ""
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			l.dispatch(eventName, data.String())
			eventName = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	return scanner.Err()
}

func (l *Listener) dispatch(eventName, data string) {
	switch eventName {
	case EventSchoolUpdate:
		if data != "" {
			l.onUpdate(json.RawMessage(data))
		}
	case eventConnected, "":
		// ignored
	default:
		l.logger.Debug("unrecognized push event dropped", zap.String("event", eventName))
	}
}
