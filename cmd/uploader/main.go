// Command uploader pushes an image and its thumbnail to asset storage using
// the same retrying pipeline as the server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jo-hoe/pixelmarket/internal/backend/imageprocessing"
	"github.com/jo-hoe/pixelmarket/internal/core"
	"github.com/jo-hoe/pixelmarket/internal/upload"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "uploader [file]",
	Short: "Upload an image and its thumbnail to asset storage",
	Long: `uploader stores a file and a thumbnail under the given key. Transient
storage failures are retried with exponential backoff. Without --thumbnail
the thumbnail is generated by the configured image processing commands.`,
	Args: cobra.ExactArgs(1),
	RunE: runUpload,
}

var (
	configPath    string
	storageURL    string
	key           string
	thumbnailPath string
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
	timeout       time.Duration
	debug         bool
)

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "config file; its upload and thumbnailCommands sections are used")
	rootCmd.Flags().StringVarP(&storageURL, "storage-url", "s", "", "storage base URL (overrides config)")
	rootCmd.Flags().StringVarP(&key, "key", "k", "", "object key (default: file name)")
	rootCmd.Flags().StringVarP(&thumbnailPath, "thumbnail", "t", "", "pre-rendered thumbnail file")
	rootCmd.Flags().IntVar(&maxRetries, "max-retries", -1, "additional attempts after a transient failure (default from config)")
	rootCmd.Flags().DurationVar(&baseDelay, "base-delay", 0, "first backoff delay (default from config)")
	rootCmd.Flags().DurationVar(&maxDelay, "max-delay", 0, "backoff delay cap (default from config)")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall deadline for the upload")
	rootCmd.Flags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*core.ServiceConfig, error) {
	if configPath != "" {
		return core.LoadConfig(configPath)
	}
	config := &core.ServiceConfig{}
	config.ApplyDefaults()
	return config, config.Validate()
}

func runUpload(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	config, err := loadConfig()
	if err != nil {
		return err
	}
	uploadConfig := upload.Config{
		MaxRetries: *config.Upload.MaxRetries,
		BaseDelay:  config.Upload.BaseDelay,
		MaxDelay:   config.Upload.MaxDelay,
	}
	if maxRetries >= 0 {
		uploadConfig.MaxRetries = maxRetries
	}
	if baseDelay > 0 {
		uploadConfig.BaseDelay = baseDelay
	}
	if maxDelay > 0 {
		uploadConfig.MaxDelay = maxDelay
	}
	if storageURL == "" {
		storageURL = config.Upload.StorageURL
	}
	if storageURL == "" {
		return fmt.Errorf("no storage URL: pass --storage-url or set upload.storageURL in the config")
	}

	path := args[0]
	asset, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	meta := upload.Metadata{
		Key:         key,
		ContentType: mime.TypeByExtension(filepath.Ext(path)),
	}
	if meta.Key == "" {
		meta.Key = filepath.Base(path)
	}
	if thumbnailPath != "" {
		meta.Thumbnail, err = os.ReadFile(thumbnailPath)
		if err != nil {
			return fmt.Errorf("failed to read thumbnail %s: %w", thumbnailPath, err)
		}
		meta.ThumbnailContentType = mime.TypeByExtension(filepath.Ext(thumbnailPath))
	}

	thumbnails, err := imageprocessing.NewCommandInvokerFromConfig(imageprocessing.DefaultRegistry, config.ImageProcessingCommands())
	if err != nil {
		return err
	}
	uploader := upload.NewUploader(upload.NewHTTPStorageClient(storageURL, config.Upload.Timeout), thumbnails, uploadConfig, nil)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := uploader.Upload(ctx, asset, meta)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "asset:     %s\nthumbnail: %s\n", result.AssetURL, result.ThumbnailURL)
	return nil
}
