// celeba fine tunes a VGG16 network with batch normalisation to classify the CelebA Attractive attribute.
package main

import (
	"os"
	"strings"

	"github.com/jnb666/celebattr/logger"
	"github.com/jnb666/celebattr/nnet"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "celeba",
	Short: "fine tune vgg16_bn on the CelebA Attractive attribute",
	Long: `celeba builds a vgg16_bn network with a two class head, optionally loading pretrained weights,
and trains and evaluates it on the CelebA Attractive attribute. Run without a command it evaluates the
model on the validation split.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          func(cmd *cobra.Command, args []string) error { return runModel(false) },
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "evaluate the initialised model on the validation split",
	Args:  cobra.NoArgs,
	RunE:  func(cmd *cobra.Command, args []string) error { return runModel(false) },
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "train the model then evaluate it on the validation split",
	Args:  cobra.NoArgs,
	RunE:  func(cmd *cobra.Command, args []string) error { return runModel(true) },
}

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "evaluate a saved checkpoint on the validation split",
	Args:  cobra.NoArgs,
	RunE:  func(cmd *cobra.Command, args []string) error { return evalCheckpoint() },
}

var configCmd = &cobra.Command{
	Use:   "config [file]",
	Short: "print the network config, or save it to file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig()
		if err != nil {
			return err
		}
		if len(args) > 0 {
			return conf.Save(args[0])
		}
		cmd.Println(conf)
		return nil
	},
}

// flag name to config field
var configFlags = map[string]string{
	"lr":         "Eta",
	"epochs":     "MaxEpoch",
	"batch":      "TrainBatch",
	"experiment": "Experiment",
	"data":       "DataDir",
	"pretrained": "Pretrained",
	"samples":    "MaxSamples",
	"threads":    "Threads",
	"device":     "Device",
	"seed":       "RandSeed",
	"debug":      "DebugLevel",
	"profile":    "Profile",
	"distort":    "Distort",
}

func init() {
	def := nnet.DefaultConfig()
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "JSON network config file, default is vgg16_bn")
	flags.Float64("lr", def.Eta, "Adam learning rate")
	flags.Int("epochs", def.MaxEpoch, "number of training epochs")
	flags.Int("batch", def.TrainBatch, "batch size for training and evaluation")
	flags.String("experiment", def.Experiment, "experiment name used for the output files")
	flags.String("data", def.DataDir, "directory containing the celeba dataset")
	flags.String("pretrained", def.Pretrained, "torchvision vgg16_bn state dict file")
	flags.String("checkpoint", "", "checkpoint file, default is <experiment>.ckpt")
	flags.Int("samples", def.MaxSamples, "maximum number of samples per split, 0 for all")
	flags.Int("threads", def.Threads, "number of worker threads")
	flags.String("device", def.Device, "compute device: auto or cpu")
	flags.Int64("seed", def.RandSeed, "random number seed")
	flags.Int("debug", def.DebugLevel, "debug logging level")
	flags.Bool("profile", def.Profile, "print kernel profiling info")
	flags.Bool("distort", def.Distort, "apply random distortions to the training images")
	flags.String("web", "", "address to serve the training dashboard on, e.g. localhost:8080")
	flags.String("web-user", "admin", "dashboard user name")
	flags.String("web-password", "", "dashboard password, basic auth is disabled if blank")
	flags.String("history", "", "sqlite database to record the run history")

	viper.SetEnvPrefix("celeba")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	if err := viper.BindPFlags(flags); err != nil {
		panic(err)
	}
	rootCmd.AddCommand(runCmd, trainCmd, evalCmd, configCmd)
}

// loadConfig returns the vgg16_bn config, or the config file if set, with any flags which were given applied.
func loadConfig() (nnet.Config, error) {
	conf := nnet.VGG16BN(2)
	if path := viper.GetString("config"); path != "" {
		var err error
		if conf, err = nnet.LoadConfig(path); err != nil {
			return conf, err
		}
	}
	return applyFlags(conf)
}

func applyFlags(conf nnet.Config) (nnet.Config, error) {
	var err error
	for flag, field := range configFlags {
		if !viper.IsSet(flag) {
			continue
		}
		if conf, err = conf.SetString(field, viper.GetString(flag)); err != nil {
			return conf, err
		}
		if flag == "batch" {
			conf.TestBatch = conf.TrainBatch
		}
	}
	logger.SetDebug(conf.DebugLevel > 0)
	return conf, nil
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		logger.Errorf("%v", err)
	}
	logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}
