// Command devsimctl runs a single scheduler instance end to end in one
// process: it creates a Simulator, submits a small demonstration workload,
// and serves until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/behrlich/aqlsched"
	"github.com/behrlich/aqlsched/cmdbuf"
	"github.com/behrlich/aqlsched/devsched"
	"github.com/behrlich/aqlsched/internal/logging"
	"github.com/behrlich/aqlsched/issue"
	"github.com/behrlich/aqlsched/scheduler"
	aqlsignal "github.com/behrlich/aqlsched/signal"
)

func main() {
	var (
		execQueueSize = flag.Uint64("exec-queue-size", aqlsched.DefaultExecQueueSize, "Execution queue depth in packets (power of two)")
		entryCapacity = flag.Int("entry-capacity", aqlsched.DefaultEntryCapacity, "Max concurrently in-flight queue entries")
		traceCapacity = flag.Uint64("trace-capacity", 0, "Trace ring capacity in bytes (0 disables tracing)")
		verbose       = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	params := aqlsched.DefaultParams()
	params.ExecQueueSize = *execQueueSize
	params.EntryCapacity = *entryCapacity
	if *traceCapacity > 0 {
		params.TraceCapacity = *traceCapacity
		params.TraceMode = issue.TraceDispatch
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	logger.Info("creating scheduler", "exec_queue_size", params.ExecQueueSize, "entry_capacity", params.EntryCapacity)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sim, err := devsched.CreateAndServe(ctx, params, &devsched.Options{Logger: logger})
	if err != nil {
		logger.Error("failed to create simulator", "error", err)
		os.Exit(1)
	}

	logger.Info("simulator created successfully", "scheduler_id", sim.ID())
	fmt.Printf("Scheduler %d created and serving.\n", sim.ID())

	if err := submitDemoWorkload(sim); err != nil {
		logger.Error("failed to submit demo workload", "error", err)
	} else {
		fmt.Printf("Demo workload submitted; watch for completion in verbose (-v) logs.\n")
	}

	fmt.Printf("\nPress Ctrl+C to stop...\n")
	fmt.Printf("Send SIGUSR1 (kill -USR1 %d) to dump goroutine stacks\n", os.Getpid())

	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			logger.Info("=== GOROUTINE STACK TRACE DUMP ===")
			buf := make([]byte, 1024*1024)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "\n=== FULL GOROUTINE STACK DUMP ===\n%s\n=== END STACK DUMP ===\n\n", buf[:n])

			filename := fmt.Sprintf("devsimctl-stacks-%d.txt", time.Now().Unix())
			if f, err := os.Create(filename); err == nil {
				fmt.Fprintf(f, "Goroutine stack dump at %s\nProcess ID: %d\n\n", time.Now().Format(time.RFC3339), os.Getpid())
				f.Write(buf[:n])
				fmt.Fprintf(f, "\n\n=== GOROUTINE PROFILE ===\n")
				pprof.Lookup("goroutine").WriteTo(f, 2)
				f.Close()
				logger.Info("stack trace written to file", "file", filename)
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")
	cancel()

	cleanupDone := make(chan bool, 1)
	go func() {
		if err := devsched.Stop(context.Background(), sim); err != nil {
			logger.Error("error stopping simulator", "error", err)
		} else {
			logger.Info("simulator stopped successfully")
		}
		cleanupDone <- true
	}()

	select {
	case <-cleanupDone:
	case <-time.After(time.Second):
		logger.Info("cleanup timeout, forcing exit")
	}

	os.Exit(0)
}

// submitDemoWorkload submits a minimal straight-line EXECUTE (one dispatch,
// one RETURN) so a first-time reader watching -v logs sees a complete
// EXECUTE -> completion cycle without needing their own producer.
func submitDemoWorkload(sim *devsched.Simulator) error {
	sched := sim.Scheduler()

	bld := cmdbuf.NewBuilder(2)
	bld.Add(
		cmdbuf.Header{Type: cmdbuf.CmdDispatch, PacketOffset: 0},
		cmdbuf.DispatchRaw(cmdbuf.DispatchBody{KernelObject: 0x1, GridSize: [3]uint32{64, 1, 1}}),
	)
	bld.Add(cmdbuf.Header{Type: cmdbuf.CmdReturn, PacketOffset: 1}, [60]byte{})
	block := bld.Build()

	cb := &cmdbuf.CommandBuffer{MaxKernargCapacity: 64, Blocks: []cmdbuf.Block{block}}

	doneH, err := sched.SignalPool().Acquire(1, aqlsignal.KindUser)
	if err != nil {
		return fmt.Errorf("acquire completion signal: %w", err)
	}

	return sim.Submit(scheduler.Entry{
		Type:    scheduler.EntryExecute,
		Execute: scheduler.ExecuteArgs{CommandBuffer: cb, CompletionSignal: doneH},
	})
}
