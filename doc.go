// Package pdstream provides lane-scheduled, policy-driven output channels.
//
// Work is posted to lanes of a TaskQueue rather than to goroutines directly.
// Each lane runs its tasks one at a time in submission order, either on its
// own dedicated goroutine or on a shared GoroutineThreadPool. A Channel
// accumulates payloads and sends them to a sink when its trigger says so,
// and a queueout.Writer couples the two so every write becomes an ordered,
// asynchronous task.
//
// # Quick Start
//
// Create a channel that writes through on every append, wrap it in a
// writer, and close the writer when done:
//
//	ch, _ := channel.Sync[string](channel.Shared(os.Stdout))
//	w, _ := queueout.New(ch)
//	w.Println("hello")
//	h, _ := w.Close()
//	_ = h.Wait(ctx)
//
// # Key Concepts
//
// TaskQueue: registry of lanes. AddQueue returns a LaneID; AddTask appends a
// Task to that lane and returns a WaitHandle.
//
// Executor: runs lane drain loops. Lanes without one get a dedicated
// SingleThreadExecutor; many lanes can share a GoroutineThreadPool.
//
// Channel: accumulator with a trigger (immediate, threshold, timed or cron)
// and a target (stream, file or lz4-compressed).
//
// # Thread Safety
//
// Tasks on one lane never run concurrently, even on a shared pool, so state
// owned by a lane needs no locks. Different lanes run in parallel.
//
// # Example
//
//	pool := pdstream.NewGoroutineThreadPool("io", 4)
//	pool.Start(ctx)
//	defer pool.Stop()
//
//	q := pdstream.NewTaskQueue()
//	lane := q.AddQueue(core.WithExecutor(pool), core.WithName("audit"))
//	h, _ := q.AddTask(ctx, lane, func(ctx context.Context) error {
//		return nil
//	})
//	_ = h.Wait(ctx)
package pdstream
