package commands

import (
	"fmt"
	"io"

	"github.com/opd-ai/securemedia/av/bwe"
	"github.com/spf13/cobra"
)

type bweOptions struct {
	Steps      int
	Slope      float64
	IntervalMs int64
	Bitrate    uint64
	Adaptive   bool
}

type bweReport struct {
	Usage         map[bwe.BandwidthUsage]int
	Transitions   int
	FinalUsage    bwe.BandwidthUsage
	FinalState    bwe.RateControlState
	TargetBitrate uint64
	Decreases     uint64
}

func bweCmd() *cobra.Command {
	opts := bweOptions{}
	cmd := &cobra.Command{
		Use:   "bwe",
		Short: "Replay a synthetic queuing delay ramp through the bandwidth estimator",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := runBWE(opts, cmd.OutOrStdout())
			return err
		},
	}
	f := cmd.Flags()
	f.IntVar(&opts.Steps, "steps", 300, "number of packet groups")
	f.Float64Var(&opts.Slope, "slope", 10, "added queuing delay per group in ms during the ramp")
	f.Int64Var(&opts.IntervalMs, "interval", 20, "send interval between groups in ms")
	f.Uint64Var(&opts.Bitrate, "bitrate", 500000, "incoming bitrate in bps")
	f.BoolVar(&opts.Adaptive, "adaptive", false, "enable the adaptive detection threshold")
	return cmd
}

// runBWE feeds a flat phase, a delay ramp and a draining phase of equal
// length into the estimator, detector and rate controller.
func runBWE(opts bweOptions, out io.Writer) (*bweReport, error) {
	if opts.Steps <= 0 {
		return nil, fmt.Errorf("steps must be positive")
	}
	if opts.IntervalMs <= 0 {
		opts.IntervalMs = 20
	}

	dcfg := bwe.DefaultDetectorConfig()
	if props.IsSet("bwe.adaptive_threshold") {
		dcfg.AdaptiveThreshold = props.GetBool("bwe.adaptive_threshold")
	}
	if opts.Adaptive {
		dcfg.AdaptiveThreshold = true
	}
	rcfg := bwe.DefaultRateControlConfig()
	if v := props.GetUint64("bwe.start_bitrate"); v > 0 {
		rcfg.StartBitrate = v
	}

	estimator := bwe.NewOveruseEstimator()
	detector := bwe.NewOveruseDetector(dcfg)
	controller := bwe.NewRateController(rcfg)

	report := &bweReport{Usage: make(map[bwe.BandwidthUsage]int)}
	phase := opts.Steps / 3
	if phase == 0 {
		phase = 1
	}
	tsDelta := float64(opts.IntervalMs)
	nowMs := int64(0)
	last := detector.State()

	for i := 0; i < opts.Steps; i++ {
		tDelta := opts.IntervalMs
		switch {
		case i >= phase && i < 2*phase:
			tDelta += int64(opts.Slope)
		case i >= 2*phase:
			tDelta -= int64(opts.Slope)
		}
		nowMs += tDelta

		estimator.Update(tDelta, tsDelta, 0, detector.State())
		usage := detector.Detect(estimator.Offset(), tsDelta, estimator.NumOfDeltas(), nowMs)
		target := controller.Update(bwe.RateControlInput{
			BwState:         usage,
			IncomingBitrate: opts.Bitrate,
			NoiseVar:        estimator.VarNoise(),
		}, nowMs)

		report.Usage[usage]++
		if usage != last {
			report.Transitions++
			fmt.Fprintf(out, "t=%6dms group=%4d offset=%7.3f threshold=%6.2f %-10s -> %-10s target=%d\n",
				nowMs, i, estimator.Offset(), detector.Threshold(), last, usage, target)
			last = usage
		}
	}

	report.FinalUsage = detector.State()
	report.FinalState = controller.State()
	report.TargetBitrate = controller.TargetBitrate()
	report.Decreases = controller.DecreaseCount()

	fmt.Fprintf(out, "normal=%d overusing=%d underusing=%d decreases=%d target=%d state=%s\n",
		report.Usage[bwe.BwNormal], report.Usage[bwe.BwOverusing], report.Usage[bwe.BwUnderusing],
		report.Decreases, report.TargetBitrate, report.FinalState)
	return report, nil
}
