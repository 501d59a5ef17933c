// Command latencydemo exercises the LatencyUtils recorder end to end:
// it records a stream of synthetic latencies at a steady rate, injects a
// simulated pause via the virtual clock, and prints the corrected
// interval histogram. Not part of the library's public API - a
// demonstration/smoke-test harness only, in the spirit of fortio's own
// `fcurl` debug binary.
package main

// Beyond what the library itself pulls in, this command depends only on
// fortio.org/cli and fortio.org/version.

import (
	"flag"
	"os"
	"time"

	"fortio.org/cli"
	"fortio.org/log"
	"fortio.org/version"

	"github.com/LatencyUtils/LatencyUtils/clock"
	"github.com/LatencyUtils/LatencyUtils/histogram"
	"github.com/LatencyUtils/LatencyUtils/latencystats"
	"github.com/LatencyUtils/LatencyUtils/pause"
)

var (
	samplesFlag     = flag.Int("samples", 10_000, "Number of synthetic recordLatency calls to make before the pause")
	latencyFlag     = flag.Duration("latency", time.Millisecond, "Synthetic latency value recorded on every sample")
	intervalFlag    = flag.Duration("interval", time.Millisecond, "Synthetic virtual-clock interval between samples")
	pauseFlag       = flag.Duration("pause", 200*time.Millisecond, "Length of the simulated pause injected after the steady-state samples")
	percentilesFlag = flag.String("p", "50,90,99,99.9", "Comma separated list of percentiles to print")
)

func main() {
	cli.ProgramName = "latencydemo"
	cli.ArgsHelp = ""
	cli.MaxArgs = 0
	cli.Main()

	v := clock.NewVirtual()
	detector, err := pause.NewSimplePauseDetector(v, pause.DefaultThreads, 0, pause.DefaultNotificationThreshold)
	if err != nil {
		log.Fatalf("latencydemo: %v", err)
	}
	defer detector.Shutdown()

	ls, err := latencystats.NewLatencyStats(latencystats.Config{Clock: v, PauseDetector: detector})
	if err != nil {
		log.Fatalf("latencydemo: %v", err)
	}
	defer ls.Stop()

	log.Infof("latencydemo %s: recording %d samples of %v latency, %v apart", version.Short(), *samplesFlag, *latencyFlag, *intervalFlag)
	for i := 0; i < *samplesFlag; i++ {
		ls.RecordLatency(latencyFlag.Nanoseconds())
		v.MoveTimeForward(*intervalFlag)
	}

	log.Infof("injecting a simulated pause of %v", *pauseFlag)
	v.MoveTimeForward(*pauseFlag)
	detector.Notify(pauseFlag.Nanoseconds(), v.NowNanos())
	// Give the (single-goroutine) dispatcher a moment to deliver the
	// notification before we rotate and read the result.
	time.Sleep(20 * time.Millisecond)

	h, err := ls.GetIntervalHistogram()
	if err != nil {
		log.Fatalf("latencydemo: %v", err)
	}

	percentiles, err := histogram.ParsePercentiles(*percentilesFlag)
	if err != nil {
		log.Fatalf("latencydemo: %v", err)
	}
	h.Print(os.Stdout, "latencydemo corrected interval histogram", percentiles)
}
