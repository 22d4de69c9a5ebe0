package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/pierrec/lz4/v4"

	"github.com/PatternDirClean/PDStream/core"
)

// Target is where a channel sends its accumulated payload.
//
// Open is called once per send and returns the Sink for that send. Long-lived
// targets hand out the same underlying writer every time; one-shot targets
// open a fresh resource and release it in Sink.Done. Close is called once
// when the channel closes.
type Target interface {
	Open() (Sink, error)
	Close() error
	String() string
}

// Sink receives one send: Write, then Flush, then Done.
type Sink interface {
	io.Writer
	Flush() error
	Done() error
}

type flusher interface {
	Flush() error
}

// =============================================================================
// Stream targets
// =============================================================================

type streamTarget struct {
	w     io.Writer
	owned bool
	name  string
}

// Stream sends to a long-lived writer owned by the channel. The writer is
// flushed after every send (if it has a Flush method) and closed with the
// channel (if it is an io.Closer).
func Stream(w io.Writer) Target {
	return &streamTarget{w: w, owned: true, name: "stream"}
}

// Shared sends to a long-lived writer the channel does not own, such as
// os.Stdout. It is never closed by the channel.
func Shared(w io.Writer) Target {
	return &streamTarget{w: w, name: "shared"}
}

func (t *streamTarget) Open() (Sink, error) {
	return streamSink{t.w}, nil
}

func (t *streamTarget) Close() error {
	if !t.owned {
		return nil
	}
	if c, ok := t.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (t *streamTarget) String() string { return t.name }

type streamSink struct {
	io.Writer
}

func (s streamSink) Flush() error {
	if f, ok := s.Writer.(flusher); ok {
		return f.Flush()
	}
	return nil
}

func (s streamSink) Done() error { return nil }

// =============================================================================
// File target
// =============================================================================

// FileOptions configures a File target.
type FileOptions struct {
	// Append adds each send to the end of the file; otherwise every send
	// truncates it first.
	Append bool

	// Perm is used when the file is created. Defaults to 0o644.
	Perm os.FileMode

	// Retry governs opening the file. The zero value opens once.
	Retry core.RetryPolicy

	// BufferSize of the per-send writer. Defaults to bufio's default.
	BufferSize int
}

type fileTarget struct {
	path string
	opts FileOptions
}

// File sends to the file at path, opened for every send and closed after it.
func File(path string, opts FileOptions) Target {
	if opts.Perm == 0 {
		opts.Perm = 0o644
	}
	return &fileTarget{path: path, opts: opts}
}

func (t *fileTarget) Open() (Sink, error) {
	flag := os.O_WRONLY | os.O_CREATE
	if t.opts.Append {
		flag |= os.O_APPEND
	} else {
		flag |= os.O_TRUNC
	}

	var f *os.File
	err := t.opts.Retry.Do(context.Background(), func() error {
		var err error
		f, err = os.OpenFile(t.path, flag, t.opts.Perm)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", t.path, err)
	}

	var bw *bufio.Writer
	if t.opts.BufferSize > 0 {
		bw = bufio.NewWriterSize(f, t.opts.BufferSize)
	} else {
		bw = bufio.NewWriter(f)
	}
	return &fileSink{Writer: bw, f: f}, nil
}

func (t *fileTarget) Close() error { return nil }

func (t *fileTarget) String() string { return "file:" + t.path }

type fileSink struct {
	*bufio.Writer
	f *os.File
}

func (s *fileSink) Done() error {
	return s.f.Close()
}

// =============================================================================
// Compressed target
// =============================================================================

// CompressionLevel controls the speed/ratio tradeoff.
type CompressionLevel int

const (
	CompressionFast    CompressionLevel = iota // Fastest, lower ratio
	CompressionDefault                         // Balanced
	CompressionBest                            // Best ratio, slower
)

// compressorPool reuses LZ4 writers to reduce allocations.
var compressorPool = sync.Pool{
	New: func() interface{} {
		return lz4.NewWriter(nil)
	},
}

type compressedTarget struct {
	inner Target
	level CompressionLevel
}

// Compressed wraps inner so that every send is written as one complete LZ4
// frame. Frames from consecutive sends are concatenated.
func Compressed(inner Target, level CompressionLevel) Target {
	return &compressedTarget{inner: inner, level: level}
}

func (t *compressedTarget) Open() (Sink, error) {
	sink, err := t.inner.Open()
	if err != nil {
		return nil, err
	}

	zw := compressorPool.Get().(*lz4.Writer)
	zw.Reset(sink)
	switch t.level {
	case CompressionFast:
		_ = zw.Apply(lz4.CompressionLevelOption(lz4.Fast))
	case CompressionBest:
		_ = zw.Apply(lz4.CompressionLevelOption(lz4.Level9))
	default:
		_ = zw.Apply(lz4.CompressionLevelOption(lz4.Level4))
	}
	return &compressedSink{zw: zw, inner: sink}, nil
}

func (t *compressedTarget) Close() error { return t.inner.Close() }

func (t *compressedTarget) String() string { return "lz4:" + t.inner.String() }

type compressedSink struct {
	zw    *lz4.Writer
	inner Sink
}

func (s *compressedSink) Write(p []byte) (int, error) {
	return s.zw.Write(p)
}

// Flush ends the frame and flushes the underlying sink.
func (s *compressedSink) Flush() error {
	if err := s.zw.Close(); err != nil {
		return err
	}
	return s.inner.Flush()
}

func (s *compressedSink) Done() error {
	s.zw.Reset(nil)
	compressorPool.Put(s.zw)
	return s.inner.Done()
}
