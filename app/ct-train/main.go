// Command ct-train trains the CT image classifier described by a YAML
// experiment file, resuming from the newest checkpoint when one exists.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/tsawler/ct-classifier/amp"
	"github.com/tsawler/ct-classifier/checkpoints"
	"github.com/tsawler/ct-classifier/config"
	"github.com/tsawler/ct-classifier/dataloader"
	"github.com/tsawler/ct-classifier/dataset"
	"github.com/tsawler/ct-classifier/device"
	"github.com/tsawler/ct-classifier/layers"
	"github.com/tsawler/ct-classifier/logging"
	"github.com/tsawler/ct-classifier/model"
	"github.com/tsawler/ct-classifier/optimizer"
	"github.com/tsawler/ct-classifier/results"
	"github.com/tsawler/ct-classifier/seeding"
	"github.com/tsawler/ct-classifier/training"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the experiment YAML file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "ct-train: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, closer, err := logging.New(logging.Options{
		Path:    cfg.LogPath,
		Level:   cfg.LogLevel,
		Console: os.Stderr,
	})
	if err != nil {
		return err
	}
	defer closer.Close()
	logger.Info("loaded config", "path", configPath)

	seeding.Init(cfg.Seed)
	if !seeding.Seeded() {
		logger.Warn("no seed configured; run is not reproducible")
	}

	dev, err := device.Resolve(cfg.Device, logger)
	if err != nil {
		return err
	}
	logger.Info("using device",
		"device", dev.Name,
		"cpu", dev.Brand,
		"threads", dev.Threads,
		"avx512", device.HasAVX512(),
		"features", strings.Join(dev.Features, ","))

	cache := dataset.NewCacheManager(cfg.CacheSize)
	trainSet, err := dataset.New(cfg, dataset.SplitTrain, cache)
	if err != nil {
		return err
	}
	valSet, err := dataset.New(cfg, dataset.SplitVal, cache)
	if err != nil {
		return err
	}
	logger.Info("datasets ready", "train", trainSet.String(), "val", valSet.String())
	logger.Debug("class distribution", "train", trainSet.ClassDistribution(), "val", valSet.ClassDistribution())

	trainLoader, err := newLoader(cfg, trainSet, "train")
	if err != nil {
		return err
	}
	defer trainLoader.Close()
	valLoader, err := newLoader(cfg, valSet, "val")
	if err != nil {
		return err
	}
	defer valLoader.Close()

	net, err := model.New(cfg.NumClasses, cfg.InChannels)
	if err != nil {
		return err
	}
	logger.Debug("model summary", "name", model.Name, "layers", layers.Summary(net))

	sgdConfig := optimizer.DefaultSGDConfig()
	sgdConfig.LearningRate = float32(cfg.LearningRate)
	sgdConfig.Momentum = float32(cfg.Momentum)
	sgdConfig.WeightDecay = float32(cfg.WeightDecay)
	opt, err := optimizer.NewSGD(net.Parameters(), sgdConfig)
	if err != nil {
		return err
	}

	scaler, err := amp.NewGradScaler(amp.DefaultConfig(cfg.UseAMP))
	if err != nil {
		return err
	}

	gamma := training.DefaultGamma(cfg.LRSchedule)
	if cfg.LRGamma != nil {
		gamma = *cfg.LRGamma
	}
	scheduler, err := training.NewScheduler(cfg.LRSchedule, cfg.LRStepSize, gamma)
	if err != nil {
		return err
	}

	store, err := newStore(cfg, logger)
	if err != nil {
		return err
	}

	snapshot, err := cfg.Snapshot()
	if err != nil {
		return err
	}

	opts := training.Options{
		NumEpochs:      cfg.NumEpochs,
		UseAMP:         cfg.UseAMP,
		ConfigSnapshot: snapshot,
		Model:          net,
		Optimizer:      opt,
		Scaler:         scaler,
		Store:          store,
		Train:          trainLoader,
		Val:            valLoader,
		Scheduler:      scheduler,
		BaseLR:         cfg.LearningRate,
		Device:         dev,
		Logger:         logger,
		Out:            os.Stdout,
	}
	var recorder *results.Recorder
	if cfg.ResultsDSN != "" {
		db, err := results.Open(cfg.ResultsDSN)
		if err != nil {
			return err
		}
		recorder = results.NewRecorder(db, logger)
		opts.Results = recorder
	}

	orch, err := training.NewOrchestrator(opts)
	if err != nil {
		return err
	}
	summary, err := orch.Run(ctx)
	if err != nil {
		return err
	}
	logger.Info("training finished",
		"run_id", summary.RunID,
		"start_epoch", summary.StartEpoch,
		"epochs_run", len(summary.Epochs),
		"cache", cache.Stats().String())

	if recorder != nil {
		rows, err := recorder.Epochs(ctx, summary.RunID)
		if err != nil {
			return err
		}
		logger.Info("recorded epoch results", "run_id", summary.RunID, "rows", len(rows))
	}
	return nil
}

func newLoader(cfg *config.Config, ds dataloader.Dataset, stream string) (*dataloader.DataLoader, error) {
	return dataloader.New(ds, dataloader.Options{
		BatchSize:  cfg.BatchSize,
		Shuffle:    true,
		NumWorkers: cfg.NumWorkers,
		Seed:       seeding.DataSeed(stream),
	})
}

func newStore(cfg *config.Config, logger *slog.Logger) (checkpoints.Store, error) {
	format, err := checkpoints.ParseFormat(cfg.CheckpointFormat)
	if err != nil {
		return nil, err
	}
	codec, err := checkpoints.NewCodec(format)
	if err != nil {
		return nil, err
	}
	if cfg.CheckpointURI != "" {
		logger.Info("using s3 checkpoint store", "uri", cfg.CheckpointURI)
		return checkpoints.NewS3StoreFromURI(cfg.CheckpointURI, cfg.AWSRegion, codec)
	}
	return checkpoints.NewFileStore(cfg.CheckpointDir, codec), nil
}
