// Package streamlog persists generation stream chunks in Pebble so a client
// can replay a stream from any sequence number.
package streamlog

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// Chunk types.
const (
	ChunkText   = "text"
	ChunkFinish = "finish"
	ChunkError  = "error"
)

// Chunk is one entry of a stream. Seq starts at 0 and has no gaps.
type Chunk struct {
	Seq   int    `json:"seq"`
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

// Terminal reports whether the chunk ends its stream.
func (c Chunk) Terminal() bool {
	return c.Type == ChunkFinish || c.Type == ChunkError
}

// Log is a Pebble-backed chunk log.
type Log struct {
	db *pebble.DB
}

// Open opens (or creates) a log in dir. An empty dir keeps the log in memory.
func Open(dir string) (*Log, error) {
	opts := &pebble.Options{}
	if dir == "" {
		opts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("streamlog: open %q: %w", dir, err)
	}
	return &Log{db: db}, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("streamlog: close: %w", err)
	}
	return nil
}

func prefix(streamID string) []byte {
	return []byte("s/" + streamID + "/")
}

func key(streamID string, seq int) []byte {
	return []byte(fmt.Sprintf("s/%s/%020d", streamID, seq))
}

// upper returns the exclusive upper bound of a stream's key range.
func upper(streamID string) []byte {
	p := prefix(streamID)
	p[len(p)-1]++
	return p
}

// Append stores c under its sequence number.
func (l *Log) Append(streamID string, c Chunk) error {
	if streamID == "" {
		return errors.New("streamlog: stream ID is required")
	}
	val, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("streamlog: marshal chunk: %w", err)
	}
	if err := l.db.Set(key(streamID, c.Seq), val, pebble.Sync); err != nil {
		return fmt.Errorf("streamlog: append %s/%d: %w", streamID, c.Seq, err)
	}
	return nil
}

// Read returns the chunks of streamID with Seq >= fromSeq, in order.
func (l *Log) Read(streamID string, fromSeq int) ([]Chunk, error) {
	if fromSeq < 0 {
		fromSeq = 0
	}
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: key(streamID, fromSeq),
		UpperBound: upper(streamID),
	})
	if err != nil {
		return nil, fmt.Errorf("streamlog: read %s: %w", streamID, err)
	}
	defer iter.Close()

	var chunks []Chunk
	for iter.First(); iter.Valid(); iter.Next() {
		var c Chunk
		if err := json.Unmarshal(iter.Value(), &c); err != nil {
			return nil, fmt.Errorf("streamlog: decode %s: %w", iter.Key(), err)
		}
		chunks = append(chunks, c)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("streamlog: read %s: %w", streamID, err)
	}
	return chunks, nil
}

// Next returns the sequence number after the last stored chunk of streamID,
// or 0 when the stream has none.
func (l *Log) Next(streamID string) (int, error) {
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix(streamID),
		UpperBound: upper(streamID),
	})
	if err != nil {
		return 0, fmt.Errorf("streamlog: next %s: %w", streamID, err)
	}
	defer iter.Close()

	if !iter.Last() {
		if err := iter.Error(); err != nil {
			return 0, fmt.Errorf("streamlog: next %s: %w", streamID, err)
		}
		return 0, nil
	}
	var c Chunk
	if err := json.Unmarshal(iter.Value(), &c); err != nil {
		return 0, fmt.Errorf("streamlog: decode %s: %w", iter.Key(), err)
	}
	return c.Seq + 1, nil
}

// Delete removes every chunk of streamID.
func (l *Log) Delete(streamID string) error {
	if err := l.db.DeleteRange(prefix(streamID), upper(streamID), pebble.Sync); err != nil {
		return fmt.Errorf("streamlog: delete %s: %w", streamID, err)
	}
	return nil
}
