package cmd

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/moequant/moequant/awq"
	"github.com/moequant/moequant/format"
	"github.com/moequant/moequant/progress"
	"github.com/moequant/moequant/safetensors"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "moequant",
		Short:         "Quantize and fuse sparse mixture-of-experts models",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				slog.SetLogLoggerLevel(slog.LevelDebug)
			}
		},
	}
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose logging")

	quantizeCmd := &cobra.Command{
		Use:   "quantize MODEL_DIR",
		Short: "Quantize a model with activation-aware scaling",
		Args:  cobra.ExactArgs(1),
		RunE:  QuantizeHandler,
	}
	quantizeCmd.Flags().StringP("output", "o", "", "output directory (required)")
	_ = quantizeCmd.MarkFlagRequired("output")
	quantizeCmd.Flags().Int("bits", 4, "quantization width")
	quantizeCmd.Flags().Int("group-size", 128, "quantization group size")
	quantizeCmd.Flags().String("calib", "", "file of whitespace-separated calibration token ids")
	quantizeCmd.Flags().Int("calib-seq", 64, "calibration sample length")
	quantizeCmd.Flags().Int("calib-samples", 8, "number of synthetic samples when no calibration file is given")
	quantizeCmd.Flags().StringToString("opt", nil, "additional quantization options (key=value)")

	inspectCmd := &cobra.Command{
		Use:   "inspect MODEL_DIR",
		Short: "List checkpoint tensors",
		Args:  cobra.ExactArgs(1),
		RunE:  InspectHandler,
	}

	benchCmd := &cobra.Command{
		Use:   "bench MODEL_DIR",
		Short: "Time a forward pass over synthetic tokens",
		Args:  cobra.ExactArgs(1),
		RunE:  BenchHandler,
	}
	benchCmd.Flags().Bool("fuse", false, "fuse the layer stack before running")
	benchCmd.Flags().Int("tokens", 32, "sequence length")

	rootCmd.AddCommand(quantizeCmd, inspectCmd, benchCmd)
	return rootCmd
}

func QuantizeHandler(cmd *cobra.Command, args []string) error {
	out, _ := cmd.Flags().GetString("output")

	cfg := awq.DefaultConfig()
	cfg.Bits, _ = cmd.Flags().GetInt("bits")
	cfg.GroupSize, _ = cmd.Flags().GetInt("group-size")

	if opts, _ := cmd.Flags().GetStringToString("opt"); len(opts) > 0 {
		if err := cfg.Apply(opts); err != nil {
			return err
		}
	}

	m, lm, err := awq.Load(args[0])
	if err != nil {
		return err
	}

	calib, _ := cmd.Flags().GetString("calib")
	seqLen, _ := cmd.Flags().GetInt("calib-seq")
	numSamples, _ := cmd.Flags().GetInt("calib-samples")
	samples, err := calibrationSamples(calib, seqLen, numSamples, m.Config.VocabSize)
	if err != nil {
		return err
	}

	p := progress.NewProgress(os.Stderr)
	defer p.Stop()

	bar := progress.NewBar("quantizing layers", int64(m.Config.NumHiddenLayers))
	p.Add(bar)

	if err := awq.Quantize(m, lm, cfg, samples, func(qp awq.Progress) {
		bar.Set(int64(qp.Completed))
	}); err != nil {
		return err
	}

	spinner := progress.NewSpinner("writing " + out)
	p.Add(spinner)
	defer spinner.Stop()

	return awq.SaveQuantized(m, lm, cfg, out)
}

// calibrationSamples reads whitespace-separated token ids and chunks them
// into fixed-length samples. Without a file it falls back to seeded
// synthetic tokens, which calibrates scale magnitudes but not content.
func calibrationSamples(path string, seqLen, numSamples, vocabSize int) ([][]int, error) {
	if path == "" {
		slog.Debug("no calibration file, using synthetic tokens")
		rng := rand.New(rand.NewSource(0))
		samples := make([][]int, numSamples)
		for s := range samples {
			samples[s] = make([]int, seqLen)
			for i := range samples[s] {
				samples[s][i] = rng.Intn(vocabSize)
			}
		}
		return samples, nil
	}

	bts, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	fields := strings.Fields(string(bts))
	ids := make([]int, 0, len(fields))
	for _, f := range fields {
		id, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("calibration file: %w", err)
		}
		if id < 0 || id >= vocabSize {
			return nil, fmt.Errorf("calibration token id %d out of range", id)
		}
		ids = append(ids, id)
	}

	var samples [][]int
	for len(ids) >= seqLen {
		samples = append(samples, ids[:seqLen])
		ids = ids[seqLen:]
	}

	if len(samples) == 0 {
		return nil, fmt.Errorf("calibration file has fewer than %d tokens", seqLen)
	}

	return samples, nil
}

func InspectHandler(_ *cobra.Command, args []string) error {
	ts, err := safetensors.Read(args[0])
	if err != nil {
		return err
	}

	sort.Slice(ts, func(i, j int) bool { return ts[i].Name < ts[j].Name })

	var total int64
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"NAME", "DTYPE", "SHAPE", "SIZE"})
	table.SetBorder(false)
	for _, t := range ts {
		size := tensorBytes(t)
		total += size
		table.Append([]string{t.Name, t.Dtype, shapeString(t.Shape), format.HumanBytes(size)})
	}
	table.SetFooter([]string{"", "", fmt.Sprintf("%d tensors", len(ts)), format.HumanBytes(total)})
	table.Render()

	return nil
}

func tensorBytes(t *safetensors.Tensor) int64 {
	n := int64(1)
	for _, d := range t.Shape {
		n *= int64(d)
	}

	switch t.Dtype {
	case "F16", "BF16":
		return n * 2
	default:
		return n * 4
	}
}

func shapeString(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}

	return "[" + strings.Join(parts, " ") + "]"
}

func BenchHandler(cmd *cobra.Command, args []string) error {
	m, lm, err := awq.Load(args[0])
	if err != nil {
		return err
	}

	p := progress.NewProgress(os.Stderr)

	if fuse, _ := cmd.Flags().GetBool("fuse"); fuse {
		spinner := progress.NewSpinner("fusing layers")
		p.Add(spinner)
		err := lm.FuseLayers(m)
		spinner.Stop()
		if err != nil {
			p.Stop()
			return err
		}
	}

	tokens, _ := cmd.Flags().GetInt("tokens")
	rng := rand.New(rand.NewSource(0))
	ids := make([]int, tokens)
	for i := range ids {
		ids[i] = rng.Intn(m.Config.VocabSize)
	}

	started := time.Now()
	logits, err := m.Forward(ids, nil)
	elapsed := time.Since(started)
	p.StopAndClear()
	if err != nil {
		return err
	}

	fmt.Printf("%d tokens in %s (%.1f tokens/s)\n", tokens, elapsed.Round(time.Millisecond), float64(tokens)/elapsed.Seconds())

	last := logits.Row(logits.Shape[0] - 1)
	for i, id := range topIDs(last, 5) {
		fmt.Printf("  top%d: token %d (%.3f)\n", i+1, id, last[id])
	}

	return nil
}

func topIDs(logits []float32, k int) []int {
	ids := make([]int, len(logits))
	for i := range ids {
		ids[i] = i
	}

	sort.Slice(ids, func(a, b int) bool { return logits[ids[a]] > logits[ids[b]] })
	if k > len(ids) {
		k = len(ids)
	}

	return ids[:k]
}
