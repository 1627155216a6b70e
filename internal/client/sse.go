package client

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
)

// errStop ends readSSE without an error.
var errStop = errors.New("stop")

type sseEvent struct {
	ID    string
	Event string
	Data  string
}

// readSSE parses a text/event-stream body and calls fn for each event. It
// returns when the body ends, ctx is done, or fn returns an error.
func readSSE(ctx context.Context, r io.Reader, fn func(sseEvent) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var ev sseEvent
	var data []string
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := scanner.Text()
		if line == "" {
			if len(data) > 0 || ev.Event != "" {
				ev.Data = strings.Join(data, "\n")
				if err := fn(ev); err != nil {
					if errors.Is(err, errStop) {
						return nil
					}
					return err
				}
			}
			ev, data = sseEvent{}, nil
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			ev.ID = value
		case "event":
			ev.Event = value
		case "data":
			data = append(data, value)
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}
