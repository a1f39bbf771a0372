package tools

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"sync"
)

// ChunkQueue is a bounded FIFO of opaque audio chunks. When a session is
// not ready yet the gateway may park a small number of chunks here instead
// of dropping them; overflow evicts the oldest chunk so the queue never
// grows past its cap.
type ChunkQueue struct {
	mu     sync.Mutex
	chunks []string
	max    int
}

func NewChunkQueue(max int) *ChunkQueue {
	if max < 1 {
		max = 1
	}
	return &ChunkQueue{
		chunks: make([]string, 0, max),
		max:    max,
	}
}

// Push appends a chunk and reports how many chunks were evicted to make
// room.
func (q *ChunkQueue) Push(chunk string) (dropped int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.chunks) >= q.max {
		drop := len(q.chunks) - q.max + 1
		q.chunks = q.chunks[drop:]
		dropped = drop
	}
	q.chunks = append(q.chunks, chunk)
	return dropped
}

// Drain returns the queued chunks in arrival order and empties the queue.
func (q *ChunkQueue) Drain() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.chunks
	q.chunks = make([]string, 0, q.max)
	return out
}

func (q *ChunkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.chunks)
}

// DecodePayload validates a base64 audio payload as received from the
// browser, tolerating a data URL prefix. The relay never inspects the
// samples; it only refuses payloads it could not forward.
func DecodePayload(b64 string) ([]byte, error) {
	if i := strings.IndexByte(b64, ','); i >= 0 && strings.HasPrefix(b64, "data:") {
		b64 = b64[i+1:]
	}
	if b64 == "" {
		return nil, errors.New("empty audio payload")
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("empty audio payload")
	}
	return data, nil
}

// PCMRate extracts the sample rate from a mime type such as
// "audio/pcm;rate=16000". Unknown or missing rates default to 16000.
func PCMRate(mimeType string) int {
	for _, param := range strings.Split(mimeType, ";") {
		param = strings.TrimSpace(param)
		if rest, ok := strings.CutPrefix(param, "rate="); ok {
			if rate, err := strconv.Atoi(rest); err == nil && rate > 0 {
				return rate
			}
		}
	}
	return 16000
}
