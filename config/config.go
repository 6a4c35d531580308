package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is the immutable configuration handed to every component.
// It is built once by Load and passed by value; nothing reads global state.
type Config struct {
	Data       DataConfig       `mapstructure:"data"`
	Split      SplitConfig      `mapstructure:"split"`
	Train      TrainConfig      `mapstructure:"train"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Inference  InferenceConfig  `mapstructure:"inference"`
	Detector   DetectorConfig   `mapstructure:"detector"`
	Server     ServerConfig     `mapstructure:"server"`
	History    HistoryConfig    `mapstructure:"history"`
	Mirror     MirrorConfig     `mapstructure:"mirror"`
	Log        LogConfig        `mapstructure:"log"`
}

// DataConfig points at the partitioned dataset produced by the splitter.
type DataConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// TrainDir returns the train partition root.
func (d DataConfig) TrainDir() string { return filepath.Join(d.BaseDir, "train") }

// ValDir returns the validation partition root.
func (d DataConfig) ValDir() string { return filepath.Join(d.BaseDir, "validation") }

// TestDir returns the test partition root.
func (d DataConfig) TestDir() string { return filepath.Join(d.BaseDir, "test") }

type SplitConfig struct {
	SourceDir  string  `mapstructure:"source_dir"`
	TargetDir  string  `mapstructure:"target_dir"`
	TrainRatio float64 `mapstructure:"train_ratio"`
	ValRatio   float64 `mapstructure:"val_ratio"`
	TestRatio  float64 `mapstructure:"test_ratio"`
	Seed       int64   `mapstructure:"seed"`
}

type TrainConfig struct {
	ModelType    string  `mapstructure:"model_type"`
	NumClasses   int     `mapstructure:"num_classes"`
	BatchSize    int     `mapstructure:"batch_size"`
	NumEpochs    int     `mapstructure:"num_epochs"`
	LearningRate float64 `mapstructure:"learning_rate"`
	Momentum     float64 `mapstructure:"momentum"`
	ImgSize      int     `mapstructure:"img_size"`
	Patience     int     `mapstructure:"patience"`
	Workers      int     `mapstructure:"workers"`
	Augment      bool    `mapstructure:"augment"`
	Schedule     string  `mapstructure:"schedule"`
	Seed         int64   `mapstructure:"seed"`
}

type CheckpointConfig struct {
	Dir              string `mapstructure:"dir"`
	SaveEveryNEpochs int    `mapstructure:"save_every_n_epochs"`
	ResumeFrom       string `mapstructure:"resume_from"`
	Format           string `mapstructure:"format"`
	MaxCheckpoints   int    `mapstructure:"max_checkpoints"`
}

type InferenceConfig struct {
	CheckpointPath    string `mapstructure:"checkpoint_path"`
	TopK              int    `mapstructure:"top_k"`
	DefaultNumClasses int    `mapstructure:"default_num_classes"`
	ONNXPath          string `mapstructure:"onnx_path"`
	ORTLibrary        string `mapstructure:"ort_library"`
}

type DetectorConfig struct {
	ModelPath  string  `mapstructure:"model_path"`
	DataYAML   string  `mapstructure:"data_yaml"`
	Confidence float64 `mapstructure:"confidence"`
	IoU        float64 `mapstructure:"iou"`
	InputSize  int     `mapstructure:"input_size"`
}

type ServerConfig struct {
	Host        string `mapstructure:"host"`
	Port        string `mapstructure:"port"`
	MaxUploadMB int    `mapstructure:"max_upload_mb"`
}

type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type MirrorConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Default holds the stock pipeline settings.
var Default = Config{
	Data: DataConfig{BaseDir: "./food_data"},
	Split: SplitConfig{
		TrainRatio: 0.8,
		ValRatio:   0.1,
		TestRatio:  0.1,
		Seed:       42,
	},
	Train: TrainConfig{
		ModelType:    "centroid",
		NumClasses:   150,
		BatchSize:    64,
		NumEpochs:    30,
		LearningRate: 0.01,
		Momentum:     0.9,
		ImgSize:      224,
		Patience:     10,
		Workers:      4,
		Augment:      true,
		Schedule:     "lambda",
		Seed:         42,
	},
	Checkpoint: CheckpointConfig{
		SaveEveryNEpochs: 1,
		Format:           "msgpack",
	},
	Inference: InferenceConfig{
		TopK:              5,
		DefaultNumClasses: 50,
	},
	Detector: DetectorConfig{
		ModelPath:  "runs/train/food_recognition/weights/best.onnx",
		Confidence: 0.25,
		IoU:        0.45,
		InputSize:  640,
	},
	Server:  ServerConfig{Host: "0.0.0.0", Port: "8080", MaxUploadMB: 10},
	History: HistoryConfig{Enabled: true},
	Mirror:  MirrorConfig{Region: "us-east-1"},
	Log:     LogConfig{Level: "info"},
}

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// CheckpointDir returns the configured checkpoint directory, defaulting to
// ./checkpoints/<model_type>.
func (c Config) CheckpointDir() string {
	if c.Checkpoint.Dir != "" {
		return c.Checkpoint.Dir
	}
	return filepath.Join("checkpoints", c.Train.ModelType)
}

// HistoryPath returns the run history database path.
func (c Config) HistoryPath() string {
	if c.History.Path != "" {
		return c.History.Path
	}
	return filepath.Join(c.CheckpointDir(), "history.duckdb")
}

// Validate checks the values the components depend on.
func (c Config) Validate() error {
	s := c.Split
	for name, r := range map[string]float64{"train_ratio": s.TrainRatio, "val_ratio": s.ValRatio, "test_ratio": s.TestRatio} {
		if r < 0 || r > 1 {
			return fmt.Errorf("%w: split.%s must be within [0,1], got %v", ErrInvalid, name, r)
		}
	}
	if s.TrainRatio+s.ValRatio > 1 {
		return fmt.Errorf("%w: split.train_ratio + split.val_ratio exceeds 1", ErrInvalid)
	}
	if c.Train.BatchSize <= 0 {
		return fmt.Errorf("%w: train.batch_size must be positive", ErrInvalid)
	}
	if c.Train.ImgSize <= 0 {
		return fmt.Errorf("%w: train.img_size must be positive", ErrInvalid)
	}
	if c.Train.NumEpochs < 0 {
		return fmt.Errorf("%w: train.num_epochs cannot be negative", ErrInvalid)
	}
	if c.Checkpoint.SaveEveryNEpochs <= 0 {
		return fmt.Errorf("%w: checkpoint.save_every_n_epochs must be positive", ErrInvalid)
	}
	switch c.Checkpoint.Format {
	case "msgpack", "json":
	default:
		return fmt.Errorf("%w: checkpoint.format must be msgpack or json, got %q", ErrInvalid, c.Checkpoint.Format)
	}
	return nil
}

// Snapshot flattens the training-relevant settings into the map persisted
// with every checkpoint.
func (c Config) Snapshot() map[string]any {
	return map[string]any{
		"base_dir":            c.Data.BaseDir,
		"model_type":          c.Train.ModelType,
		"num_classes":         c.Train.NumClasses,
		"batch_size":          c.Train.BatchSize,
		"num_epochs":          c.Train.NumEpochs,
		"learning_rate":       c.Train.LearningRate,
		"momentum":            c.Train.Momentum,
		"img_size":            c.Train.ImgSize,
		"patience":            c.Train.Patience,
		"schedule":            c.Train.Schedule,
		"checkpoint_dir":      c.CheckpointDir(),
		"save_every_n_epochs": c.Checkpoint.SaveEveryNEpochs,
	}
}

// flagBindings maps config keys to the persistent flag names declared in InitFlags.
var flagBindings = map[string]string{
	"data.base_dir":             "data",
	"split.source_dir":          "source",
	"split.target_dir":          "target",
	"split.seed":                "seed",
	"train.model_type":          "model-type",
	"train.batch_size":          "batch-size",
	"train.num_epochs":          "epochs",
	"train.learning_rate":       "lr",
	"train.img_size":            "img-size",
	"train.workers":             "workers",
	"checkpoint.dir":            "checkpoint-dir",
	"checkpoint.resume_from":    "resume-from",
	"checkpoint.format":         "checkpoint-format",
	"inference.checkpoint_path": "checkpoint",
	"inference.top_k":           "top-k",
	"inference.onnx_path":       "onnx",
	"inference.ort_library":     "ort-lib",
	"detector.model_path":       "detector-model",
	"detector.data_yaml":        "detector-names",
	"detector.confidence":       "conf",
	"server.port":               "port",
	"log.level":                 "log-level",
}

// InitFlags declares the persistent flags that override configuration values.
func InitFlags(rootCmd *cobra.Command) {
	d := Default
	f := rootCmd.PersistentFlags()
	f.StringP("config", "c", "", "Path to a configuration file (YAML or JSON).")
	f.String("data", d.Data.BaseDir, "Root of the partitioned dataset (train/validation/test).")
	f.String("source", "", "Raw corpus root (<category>/<class>/<images>).")
	f.String("target", "", "Output root for the train/validation/test partitions.")
	f.Int64("seed", d.Split.Seed, "Shuffle seed for the splitter.")
	f.String("model-type", d.Train.ModelType, "Model backend: centroid or onnx.")
	f.Int("batch-size", d.Train.BatchSize, "Training batch size.")
	f.Int("epochs", d.Train.NumEpochs, "Number of training epochs.")
	f.Float64("lr", d.Train.LearningRate, "Base learning rate.")
	f.Int("img-size", d.Train.ImgSize, "Square input size in pixels.")
	f.Int("workers", d.Train.Workers, "Image decoding workers per batch.")
	f.String("checkpoint-dir", "", "Checkpoint directory (default ./checkpoints/<model-type>).")
	f.String("resume-from", "", "Resume training from this checkpoint.")
	f.String("checkpoint-format", d.Checkpoint.Format, "Checkpoint encoding: msgpack or json.")
	f.String("checkpoint", "", "Checkpoint used for inference.")
	f.Int("top-k", d.Inference.TopK, "Number of predictions to return.")
	f.String("onnx", "", "ONNX classifier exported from a checkpoint.")
	f.String("ort-lib", "", "Path to the ONNX Runtime shared library.")
	f.String("detector-model", d.Detector.ModelPath, "YOLO detector exported to ONNX.")
	f.String("detector-names", "", "Ultralytics data.yaml holding detector label names.")
	f.Float64("conf", d.Detector.Confidence, "Detector confidence threshold.")
	f.String("port", d.Server.Port, "HTTP port for serve.")
	f.String("log-level", d.Log.Level, "Log level (debug, info, warn, error).")
}

// Load builds the configuration from defaults, an optional file, HANSIK_*
// environment variables and command flags, in increasing precedence.
func Load(cmd *cobra.Command, cwd string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("HANSIK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfgFile string
	if cmd != nil {
		if f := cmd.Flags().Lookup("config"); f != nil {
			cfgFile = f.Value.String()
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", cfgFile, err)
		}
	} else {
		v.SetConfigName("hansik-config")
		v.AddConfigPath(cwd)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	if cmd != nil {
		for key, name := range flagBindings {
			if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("binding flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default
	v.SetDefault("data.base_dir", d.Data.BaseDir)
	v.SetDefault("split.source_dir", d.Split.SourceDir)
	v.SetDefault("split.target_dir", d.Split.TargetDir)
	v.SetDefault("split.train_ratio", d.Split.TrainRatio)
	v.SetDefault("split.val_ratio", d.Split.ValRatio)
	v.SetDefault("split.test_ratio", d.Split.TestRatio)
	v.SetDefault("split.seed", d.Split.Seed)
	v.SetDefault("train.model_type", d.Train.ModelType)
	v.SetDefault("train.num_classes", d.Train.NumClasses)
	v.SetDefault("train.batch_size", d.Train.BatchSize)
	v.SetDefault("train.num_epochs", d.Train.NumEpochs)
	v.SetDefault("train.learning_rate", d.Train.LearningRate)
	v.SetDefault("train.momentum", d.Train.Momentum)
	v.SetDefault("train.img_size", d.Train.ImgSize)
	v.SetDefault("train.patience", d.Train.Patience)
	v.SetDefault("train.workers", d.Train.Workers)
	v.SetDefault("train.augment", d.Train.Augment)
	v.SetDefault("train.schedule", d.Train.Schedule)
	v.SetDefault("train.seed", d.Train.Seed)
	v.SetDefault("checkpoint.dir", d.Checkpoint.Dir)
	v.SetDefault("checkpoint.save_every_n_epochs", d.Checkpoint.SaveEveryNEpochs)
	v.SetDefault("checkpoint.resume_from", d.Checkpoint.ResumeFrom)
	v.SetDefault("checkpoint.format", d.Checkpoint.Format)
	v.SetDefault("checkpoint.max_checkpoints", d.Checkpoint.MaxCheckpoints)
	v.SetDefault("inference.checkpoint_path", d.Inference.CheckpointPath)
	v.SetDefault("inference.top_k", d.Inference.TopK)
	v.SetDefault("inference.default_num_classes", d.Inference.DefaultNumClasses)
	v.SetDefault("inference.onnx_path", d.Inference.ONNXPath)
	v.SetDefault("inference.ort_library", d.Inference.ORTLibrary)
	v.SetDefault("detector.model_path", d.Detector.ModelPath)
	v.SetDefault("detector.data_yaml", d.Detector.DataYAML)
	v.SetDefault("detector.confidence", d.Detector.Confidence)
	v.SetDefault("detector.iou", d.Detector.IoU)
	v.SetDefault("detector.input_size", d.Detector.InputSize)
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.max_upload_mb", d.Server.MaxUploadMB)
	v.SetDefault("history.enabled", d.History.Enabled)
	v.SetDefault("history.path", d.History.Path)
	v.SetDefault("mirror.enabled", d.Mirror.Enabled)
	v.SetDefault("mirror.endpoint", d.Mirror.Endpoint)
	v.SetDefault("mirror.region", d.Mirror.Region)
	v.SetDefault("mirror.bucket", d.Mirror.Bucket)
	v.SetDefault("mirror.prefix", d.Mirror.Prefix)
	v.SetDefault("mirror.access_key_id", d.Mirror.AccessKeyID)
	v.SetDefault("mirror.secret_access_key", d.Mirror.SecretAccessKey)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.development", d.Log.Development)
}
