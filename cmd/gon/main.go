package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"gon/neuralnet"

	"gonum.org/v1/gonum/mat"
)

func parseHidden(s string) ([]int, error) {
	var hidden []int
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f == "" {
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("hidden layer size %q: %w", f, err)
		}
		hidden = append(hidden, n)
	}
	return hidden, nil
}

func run() error {
	params := neuralnet.DefaultParams()
	var (
		data     = flag.String("data", "", "CIFAR-10 binary batch; XOR toy data when empty")
		meta     = flag.String("labels", "data/batches.meta.txt", "class names for -data")
		hidden   = flag.String("hidden", "16", "comma separated hidden layer sizes")
		save     = flag.String("save", "", "directory prefix to save layers to, e.g. out/")
		load     = flag.String("load", "", "directory prefix to load layers from before training")
		dumpImg  = flag.Int("dump", -1, "write sample i of -data as a PNG next to -save")
		verbose  = flag.Bool("v", false, "debug logging")
		schedule = flag.String("schedule", "", "lr schedule: none, cosine or exponential")
	)
	flag.IntVar(&params.Epochs, "epochs", params.Epochs, "training epochs")
	flag.IntVar(&params.BatchSize, "batch", params.BatchSize, "mini-batch size")
	flag.IntVar(&params.Workers, "workers", params.Workers, "samples processed concurrently")
	flag.IntVar(&params.WarmupSteps, "warmup", 0, "lr warmup steps")
	flag.Float64Var(&params.Lr, "lr", params.Lr, "learning rate")
	flag.Float64Var(&params.Decay, "decay", params.Decay, "lr decay per step for the exponential schedule")
	flag.Float64Var(&params.L2, "l2", params.L2, "L2 regularization")
	flag.Uint64Var(&params.Seed, "seed", params.Seed, "random seed")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	params.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	params.LrSchedule = *schedule
	params.TargetLr = params.Lr

	sizes, err := parseHidden(*hidden)
	if err != nil {
		return err
	}

	var (
		samples []*mat.VecDense
		labels  []int
		words   []string
		classes = 2
	)
	if *data == "" {
		samples, labels = xorDataset(1000, params.Seed)
	} else {
		if samples, labels, err = loadCIFAR10(*data); err != nil {
			return fmt.Errorf("loading CIFAR-10: %w", err)
		}
		if words, err = readLabels(*meta); err != nil {
			params.Logger.Warn("no class names", "err", err)
		}
		classes = Classes
		if *dumpImg >= 0 && *dumpImg < len(samples) {
			name, err := saveImg(samples, words, labels, *dumpImg, *save)
			if err != nil {
				return err
			}
			fmt.Printf("Image saved as %s\n", name)
		}
	}
	if len(samples) == 0 {
		return fmt.Errorf("no samples in %q", *data)
	}
	targets := oneHotEncode(labels, classes)

	nn, err := neuralnet.NewNeuralNetwork(samples[0].Len(), sizes, classes, params,
		neuralnet.ReLU{}, neuralnet.Softmax{}, neuralnet.LogLikelihood{})
	if err != nil {
		return err
	}
	if *load != "" {
		if err := nn.Load(*load); err != nil {
			return err
		}
	}
	params.Logger.Debug("network built", "layers", len(nn.Layers()), "samples", len(samples))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	loss, err := nn.Train(ctx, samples, targets)
	if err != nil {
		return err
	}
	acc, err := nn.Accuracy(samples, targets)
	if err != nil {
		return err
	}
	fmt.Printf("Loss = %.4f, accuracy = %.2f%%\n", loss, acc*100)

	if *save != "" {
		if err := nn.Save(*save); err != nil {
			return err
		}
		fmt.Printf("Layers saved under %s\n", *save)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gon:", err)
		os.Exit(1)
	}
}
