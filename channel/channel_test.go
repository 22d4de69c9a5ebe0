package channel

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PatternDirClean/PDStream/core"
)

// recordingWriter is a long-lived sink that records what it receives.
type recordingWriter struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	writes  int
	flushes int
	closes  int
	failing error
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failing != nil {
		return 0, w.failing
	}
	w.writes++
	return w.buf.Write(p)
}

func (w *recordingWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushes++
	return nil
}

func (w *recordingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closes++
	return nil
}

func (w *recordingWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func (w *recordingWriter) counts() (writes, flushes, closes int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writes, w.flushes, w.closes
}

func quiet() Option { return WithLogger(core.NewNoOpLogger()) }

// TestSync_WriteThrough verifies immediate channels send after every mutation
// Given: A Sync text channel over a recording stream
// When: Three appends happen
// Then: The sink holds the cumulative data after each append and was flushed each time
func TestSync_WriteThrough(t *testing.T) {
	// Arrange
	w := &recordingWriter{}
	ch, err := Sync[string](Stream(w), quiet())
	require.NoError(t, err)
	defer ch.Close()

	// Act & Assert
	want := ""
	for _, s := range []string{"a", "bc", "def"} {
		require.NoError(t, ch.Append(s))
		want += s
		assert.Equal(t, want, w.String())
	}
	writes, flushes, closes := w.counts()
	assert.Equal(t, 3, writes)
	assert.Equal(t, 3, flushes)
	assert.Equal(t, 0, closes)
	assert.Equal(t, 0, ch.Len())
}

// TestBuffer_ThresholdOvershoot verifies the post-mutation threshold check
// Given: A threshold-5 channel
// When: "ab" then "cde" are appended
// Then: Nothing is sent after "ab", "abcde" is sent after "cde" and the buffer is empty
func TestBuffer_ThresholdOvershoot(t *testing.T) {
	// Arrange
	w := &recordingWriter{}
	ch, err := Buffer[string](Stream(w), 5, quiet())
	require.NoError(t, err)
	defer ch.Close()

	// Act & Assert
	require.NoError(t, ch.Append("ab"))
	assert.Empty(t, w.String())
	assert.Equal(t, 2, ch.Len())

	require.NoError(t, ch.Append("cde"))
	assert.Equal(t, "abcde", w.String())
	assert.Equal(t, 0, ch.Len())

	// overshoot: one append may carry the buffer past the threshold
	require.NoError(t, ch.Append("1234"))
	require.NoError(t, ch.Append("56789"))
	assert.Equal(t, "abcde123456789", w.String())
}

// TestBuffer_RetainAfterSend verifies clearAfterSend=false keeps the buffer
// Given: A threshold-5 channel that keeps data after sending
// When: "ab" then "cde" are appended
// Then: The sink got "abcde" and the buffer still holds "abcde"
func TestBuffer_RetainAfterSend(t *testing.T) {
	// Arrange
	w := &recordingWriter{}
	ch, err := Buffer[string](Stream(w), 5, WithClearAfterSend(false), quiet())
	require.NoError(t, err)
	defer ch.Close()

	// Act
	require.NoError(t, ch.Append("ab"))
	require.NoError(t, ch.Append("cde"))

	// Assert
	assert.Equal(t, "abcde", w.String())
	assert.Equal(t, "abcde", ch.Data())
	assert.Equal(t, 5, ch.Len())
}

// TestBuffer_TextCountsRunes verifies text thresholds count characters
// Given: A text threshold-3 channel and a binary threshold-3 channel
// When: "éé" (two runes, four bytes) is appended to both
// Then: Only the binary channel sends
func TestBuffer_TextCountsRunes(t *testing.T) {
	// Arrange
	tw, bw := &recordingWriter{}, &recordingWriter{}
	text, err := Buffer[string](Stream(tw), 3, quiet())
	require.NoError(t, err)
	defer text.Close()
	bin, err := Buffer[[]byte](Stream(bw), 3, quiet())
	require.NoError(t, err)
	defer bin.Close()

	// Act
	require.NoError(t, text.Append("éé"))
	require.NoError(t, bin.AppendString("éé"))

	// Assert
	assert.Empty(t, tw.String())
	assert.Equal(t, 2, text.Len())
	assert.Equal(t, "éé", bw.String())
}

// TestChannel_SetReplaces verifies Set discards the previous buffer
// Given: A threshold channel holding "abc"
// When: Set("xy") is called and the channel is sent
// Then: Only "xy" reaches the sink
func TestChannel_SetReplaces(t *testing.T) {
	// Arrange
	w := &recordingWriter{}
	ch, err := Buffer[string](Stream(w), 100, quiet())
	require.NoError(t, err)
	defer ch.Close()
	require.NoError(t, ch.Append("abc"))

	// Act
	require.NoError(t, ch.Set("xy"))
	require.NoError(t, ch.Send())

	// Assert
	assert.Equal(t, "xy", w.String())
}

// TestChannel_AppendAppendFlush verifies "a"+"b"+flush sends "ab" once
// Given: A threshold channel larger than the data
// When: "a" and "b" are appended and Send is called twice
// Then: The sink holds "ab" from a single write; the empty second send is skipped
func TestChannel_AppendAppendFlush(t *testing.T) {
	// Arrange
	w := &recordingWriter{}
	ch, err := Buffer[[]byte](Stream(w), 1024, quiet())
	require.NoError(t, err)
	defer ch.Close()

	// Act
	require.NoError(t, ch.Append([]byte("a")))
	require.NoError(t, ch.Append([]byte("b")))
	require.NoError(t, ch.Send())
	require.NoError(t, ch.Send())

	// Assert
	assert.Equal(t, "ab", w.String())
	writes, _, _ := w.counts()
	assert.Equal(t, 1, writes)
}

// TestChannel_TypeCoercion verifies conversions between payload kinds
// Given: A text channel and a binary channel
// When: Bytes, strings and structs are appended
// Then: Bytes/strings convert via UTF-8, structs serialize only on binary channels
func TestChannel_TypeCoercion(t *testing.T) {
	// Arrange
	text, err := Buffer[string](Shared(&recordingWriter{}), 1024, quiet())
	require.NoError(t, err)
	defer text.Close()
	bin, err := Buffer[[]byte](Shared(&recordingWriter{}), 1024, quiet())
	require.NoError(t, err)
	defer bin.Close()

	type point struct {
		X int `json:"x"`
		Y int `json:"y"`
	}

	// Act & Assert - text
	require.NoError(t, text.AppendBytes([]byte("ok ")))
	require.NoError(t, text.AppendBytes([]byte{0xff, 'z'}))
	assert.Equal(t, "ok �z", text.Data())
	assert.ErrorIs(t, text.AppendValue(point{1, 2}), ErrTypeMismatch)
	assert.ErrorIs(t, text.SetValue(nil), ErrTypeMismatch)

	// Act & Assert - binary
	require.NoError(t, bin.AppendString("p="))
	require.NoError(t, bin.AppendValue(point{1, 2}))
	assert.Equal(t, `p={"x":1,"y":2}`, string(bin.Data()))
}

// TestChannel_StringValidation verifies only text channels rewrite invalid UTF-8
// Given: A text channel and a binary channel
// When: A string holding an invalid byte is appended to each
// Then: The text channel stores U+FFFD and the binary channel stores the raw byte
func TestChannel_StringValidation(t *testing.T) {
	// Arrange
	text, err := Buffer[string](Shared(&recordingWriter{}), 1024, quiet())
	require.NoError(t, err)
	defer text.Close()
	bin, err := Buffer[[]byte](Shared(&recordingWriter{}), 1024, quiet())
	require.NoError(t, err)
	defer bin.Close()
	raw := "a\xffb"

	// Act
	require.NoError(t, text.AppendString(raw))
	require.NoError(t, bin.AppendString(raw))

	// Assert
	assert.Equal(t, "a�b", text.Data())
	assert.Equal(t, []byte{'a', 0xff, 'b'}, bin.Data())
}

// TestChannel_YAMLSerializer verifies a custom serializer is used
// Given: A binary channel with the YAML serializer
// When: A map is set
// Then: The buffer holds its YAML document
func TestChannel_YAMLSerializer(t *testing.T) {
	// Arrange
	ch, err := Buffer[[]byte](Shared(&recordingWriter{}), 1024, WithSerializer(NewYAMLSerializer()), quiet())
	require.NoError(t, err)
	defer ch.Close()

	// Act
	require.NoError(t, ch.SetValue(map[string]int{"a": 1}))

	// Assert
	assert.Equal(t, "a: 1\n", string(ch.Data()))
}

// TestChannel_SendFailureKeepsBuffer verifies failed sends are reported and retried data kept
// Given: A channel whose sink fails
// When: Send is called
// Then: The wrapped sink error is returned and the buffer is unchanged
func TestChannel_SendFailureKeepsBuffer(t *testing.T) {
	// Arrange
	diskFull := errors.New("disk full")
	w := &recordingWriter{failing: diskFull}
	metrics := &flushMetrics{}
	ch, err := Buffer[string](Stream(w), 100, WithMetrics(metrics), WithName("failing"), quiet())
	require.NoError(t, err)
	defer ch.Close()
	require.NoError(t, ch.Append("data"))

	// Act
	err = ch.Send()

	// Assert
	assert.ErrorIs(t, err, diskFull)
	assert.Equal(t, "data", ch.Data())
	require.Len(t, metrics.errs, 1)
	assert.Equal(t, "failing", metrics.names[0])
	assert.ErrorIs(t, metrics.errs[0], diskFull)
}

// TestChannel_Close verifies close semantics for owned and shared streams
// Given: A Stream channel and a Shared channel
// When: Both are closed, twice
// Then: Only the owned stream is closed, once, and later operations fail with ErrClosed
func TestChannel_Close(t *testing.T) {
	// Arrange
	owned, shared := &recordingWriter{}, &recordingWriter{}
	a, err := Sync[string](Stream(owned), quiet())
	require.NoError(t, err)
	b, err := Sync[string](Shared(shared), quiet())
	require.NoError(t, err)

	// Act
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())

	// Assert
	_, _, closes := owned.counts()
	assert.Equal(t, 1, closes)
	_, _, closes = shared.counts()
	assert.Equal(t, 0, closes)
	assert.True(t, a.IsClosed())
	assert.ErrorIs(t, a.Append("x"), ErrClosed)
	assert.ErrorIs(t, a.Send(), ErrClosed)
	assert.Equal(t, "", a.Data())
}

// TestChannel_FlushOnClose verifies buffered data is sent on close when requested
// Given: A threshold channel with flush-on-close and pending data
// When: It is closed
// Then: The pending data reaches the sink
func TestChannel_FlushOnClose(t *testing.T) {
	// Arrange
	w := &recordingWriter{}
	ch, err := Buffer[string](Stream(w), 100, WithFlushOnClose(true), quiet())
	require.NoError(t, err)
	require.NoError(t, ch.Append("tail"))

	// Act
	require.NoError(t, ch.Close())

	// Assert
	assert.Equal(t, "tail", w.String())
}

// TestTiming_SendsOnTick verifies timed channels only send from the timer
// Given: A timed channel with a 40ms interval
// When: Data is appended
// Then: Nothing is sent before the first tick, everything after it
func TestTiming_SendsOnTick(t *testing.T) {
	// Arrange
	w := &recordingWriter{}
	ch, err := Timing[string](Stream(w), 40*time.Millisecond, quiet())
	require.NoError(t, err)
	defer ch.Close()

	// Act
	require.NoError(t, ch.Append("x"))
	require.NoError(t, ch.Append("y"))

	// Assert
	assert.Empty(t, w.String())
	require.Eventually(t, func() bool { return w.String() == "xy" }, time.Second, 5*time.Millisecond)

	require.NoError(t, ch.Append("z"))
	require.Eventually(t, func() bool { return w.String() == "xyz" }, time.Second, 5*time.Millisecond)
}

// TestTiming_SharedDelayManager verifies channels can share one timer loop
// Given: A DelayManager shared by two timed channels
// When: One channel is closed
// Then: The other keeps ticking and the manager is not stopped
func TestTiming_SharedDelayManager(t *testing.T) {
	// Arrange
	dm := core.NewDelayManager()
	defer dm.Stop()
	w1, w2 := &recordingWriter{}, &recordingWriter{}
	c1, err := Timing[string](Stream(w1), 20*time.Millisecond, WithDelayManager(dm), quiet())
	require.NoError(t, err)
	c2, err := Timing[string](Stream(w2), 20*time.Millisecond, WithDelayManager(dm), quiet())
	require.NoError(t, err)
	defer c2.Close()

	// Act
	require.NoError(t, c1.Close())
	require.NoError(t, c2.Append("alive"))

	// Assert
	require.Eventually(t, func() bool { return w2.String() == "alive" }, time.Second, 5*time.Millisecond)
	assert.Empty(t, w1.String())
}

func TestNew_Validation(t *testing.T) {
	_, err := New[string](nil, Immediate())
	assert.Error(t, err)
	_, err = Buffer[string](Shared(&recordingWriter{}), 0)
	assert.Error(t, err)
	_, err = Timing[string](Shared(&recordingWriter{}), 0)
	assert.Error(t, err)
	_, err = New[string](Shared(&recordingWriter{}), nil)
	assert.Error(t, err)
}

type flushMetrics struct {
	core.NilMetrics
	names []string
	errs  []error
}

func (m *flushMetrics) RecordFlush(channelName string, size int, err error) {
	m.names = append(m.names, channelName)
	m.errs = append(m.errs, err)
}
