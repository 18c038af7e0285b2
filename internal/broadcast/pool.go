package broadcast

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/danmuck/castline/internal/observability"
	"github.com/danmuck/castline/internal/protocol/root"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrPoolExhausted = errors.New("broadcast: writer pool exhausted")
	ErrWriterSetup   = errors.New("broadcast: writer setup failed")
	ErrPoolClosed    = errors.New("broadcast: writer pool closed")
)

// Writer is one allocated broadcast writer. The write end is handed to the
// client; the read end stays with the server.
type Writer struct {
	ID         string
	ChannelKey string
	Root       root.Descriptor
	CreatedAt  time.Time

	read  *os.File
	write *os.File
}

// WriteEnd is the descriptor transferred to the client.
func (w *Writer) WriteEnd() *os.File {
	return w.write
}

// WriterPool bounds the number of live writers and relays their records into a hub.
type WriterPool struct {
	max       int
	maxRecord int
	hub       *Hub
	pipe      func() (*os.File, *os.File, error)

	mu     sync.Mutex
	active map[string]*Writer
	closed bool
	wg     sync.WaitGroup
}

func NewWriterPool(max int, maxRecordBytes int, hub *Hub) *WriterPool {
	if max <= 0 {
		max = DefaultServiceConfig().MaxWriters
	}
	if maxRecordBytes <= 0 {
		maxRecordBytes = DefaultServiceConfig().MaxRecordBytes
	}
	return &WriterPool{
		max:       max,
		maxRecord: maxRecordBytes,
		hub:       hub,
		pipe:      os.Pipe,
		active:    make(map[string]*Writer),
	}
}

// Allocate reserves a slot and creates the writer pipe. Identical roots
// share a channel key; each call gets a fresh writer.
func (p *WriterPool) Allocate(r root.Descriptor) (*Writer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	if len(p.active) >= p.max {
		return nil, fmt.Errorf("%w: max=%d", ErrPoolExhausted, p.max)
	}
	rd, wr, err := p.pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWriterSetup, err)
	}
	w := &Writer{
		ID:         uuid.NewString(),
		ChannelKey: r.Key(),
		Root:       append(root.Descriptor(nil), r...),
		CreatedAt:  time.Now(),
		read:       rd,
		write:      wr,
	}
	p.active[w.ID] = w
	observability.SetWritersActive(len(p.active))
	return w, nil
}

// Activate closes the server copy of the write end and starts relaying.
// The slot is released when every client copy of the write end is closed.
func (p *WriterPool) Activate(w *Writer) {
	_ = w.write.Close()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.release(w)
		p.relay(w)
	}()
}

// Abort drops a writer that never reached the client.
func (p *WriterPool) Abort(w *Writer) {
	_ = w.write.Close()
	p.release(w)
}

func (p *WriterPool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Close stops all relays and waits for them to finish.
func (p *WriterPool) Close() error {
	p.mu.Lock()
	p.closed = true
	writers := make([]*Writer, 0, len(p.active))
	for _, w := range p.active {
		writers = append(writers, w)
	}
	p.mu.Unlock()

	for _, w := range writers {
		_ = w.read.Close()
	}
	p.wg.Wait()
	return nil
}

func (p *WriterPool) release(w *Writer) {
	_ = w.read.Close()
	p.mu.Lock()
	delete(p.active, w.ID)
	n := len(p.active)
	p.mu.Unlock()
	observability.SetWritersActive(n)
}

func (p *WriterPool) relay(w *Writer) {
	// One extra byte so a record of exactly maxRecord bytes fits with its newline.
	br := bufio.NewReaderSize(w.read, p.maxRecord+1)
	oversize := false
	var relayed uint64
	for {
		line, err := br.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			if !oversize {
				observability.RecordDropped("oversize")
				log.Warn().Str("writer_id", w.ID).Int("max_bytes", p.maxRecord).Msg("broadcast.WriterPool.relay dropping oversize record")
			}
			oversize = true
			continue
		}
		body := bytes.TrimSuffix(line, []byte("\n"))
		if !oversize && len(body) > p.maxRecord {
			// bufio never buffers less than 16 bytes.
			observability.RecordDropped("oversize")
			oversize = true
		}
		if oversize {
			oversize = false
		} else if rec := bytes.TrimRight(body, "\r"); len(rec) > 0 {
			p.hub.Publish(Record{
				ChannelKey: w.ChannelKey,
				WriterID:   w.ID,
				Data:       append([]byte(nil), rec...),
				At:         time.Now(),
			})
			relayed++
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				log.Warn().Err(err).Str("writer_id", w.ID).Msg("broadcast.WriterPool.relay read failed")
			}
			log.Debug().Str("writer_id", w.ID).Str("channel", w.ChannelKey).Uint64("records", relayed).Msg("broadcast.WriterPool.relay writer closed")
			return
		}
	}
}
