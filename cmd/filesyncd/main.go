package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/filesyncd/filesync/internal/config"
	"github.com/filesyncd/filesync/internal/filekit"
	"github.com/filesyncd/filesync/internal/filestate"
	"github.com/filesyncd/filesync/internal/filestorage"
	"github.com/filesyncd/filesync/internal/filesync"
	"github.com/filesyncd/filesync/internal/filesys"
	"github.com/filesyncd/filesync/internal/fswatch"
	"github.com/filesyncd/filesync/internal/hashsvc"
	"github.com/filesyncd/filesync/internal/localstore"
	"github.com/filesyncd/filesync/internal/metadatastore/sqlitestore"
	"github.com/filesyncd/filesync/internal/readpath"
	"github.com/filesyncd/filesync/internal/remotestore"
	"github.com/filesyncd/filesync/internal/remotestore/s3direct"
	"github.com/filesyncd/filesync/internal/remotestore/signerclient"
	"github.com/filesyncd/filesync/internal/syncexec"
	"github.com/filesyncd/filesync/internal/utils"
	"github.com/filesyncd/filesync/internal/version"
)

var cyan = color.New(color.FgHiCyan, color.Bold).SprintFunc()

var rootCmd = &cobra.Command{
	Use:     "filesyncd",
	Short:   "Content-addressed file sync daemon",
	Version: version.Detailed(),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return bindFlags(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath := viper.ConfigFileUsed()
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if cfg.ClientID == "" {
			cfg.ClientID = uuid.NewString()
		}

		cmd.SilenceUsage = true
		fmt.Println(cyan("filesyncd starting"))
		slog.Info("loaded configuration", "config", cfg)

		return run(cmd.Context(), cfg)
	},
}

func init() {
	home, _ := os.UserHomeDir()
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringP("datadir", "d", filepath.Join(home, ".filesync", "data"), "Local storage directory")
	rootCmd.Flags().String("store-id", "", "Store identifier for this client")
	rootCmd.Flags().String("signer-url", "", "Upload/download signing service base URL")
	rootCmd.Flags().String("bucket", "", "Bucket name, for the s3direct backend")
	rootCmd.Flags().String("remote-backend", "signer", "Remote backend: signer or s3direct")
	rootCmd.Flags().String("read-path-addr", "127.0.0.1:8787", "Address for the embedded read-path HTTP listener")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file path (default ~/.filesync/config.json)")
}

func bindFlags(cmd *cobra.Command) error {
	if cmd.Flag("config").Changed {
		p, _ := cmd.Flags().GetString("config")
		viper.SetConfigFile(p)
	}

	viper.BindPFlag("data_dir", cmd.Flags().Lookup("datadir"))
	viper.BindPFlag("store_id", cmd.Flags().Lookup("store-id"))
	viper.BindPFlag("signer_url", cmd.Flags().Lookup("signer-url"))
	viper.BindPFlag("bucket", cmd.Flags().Lookup("bucket"))
	viper.BindPFlag("remote_backend", cmd.Flags().Lookup("remote-backend"))
	viper.BindPFlag("read_path_addr", cmd.Flags().Lookup("read-path-addr"))

	viper.SetEnvPrefix("FILESYNC")
	viper.AutomaticEnv()
	return nil
}

func main() {
	logDir := filepath.Join(mustHomeDir(), ".filesync", "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		os.Exit(1)
	}
	logFile, err := os.OpenFile(filepath.Join(logDir, "filesyncd.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()

	stdoutHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
	interceptor := utils.NewLogInterceptor(logFile)
	fileHandler := slog.NewTextHandler(interceptor, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})
	slog.SetDefault(slog.New(utils.NewMultiLogHandler(stdoutHandler, fileHandler)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("filesyncd exited with error", "error", err)
		os.Exit(1)
	}
}

func mustHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

func run(ctx context.Context, cfg *config.Config) error {
	fsys, err := filesys.NewLocal(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open data dir: %w", err)
	}
	hasher := hashsvc.New()
	local := localstore.New(fsys, hasher)

	metaPath := filepath.Join(cfg.DataDir, "metadata.db")
	meta, err := sqlitestore.Open(metaPath)
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	defer meta.Close()

	statePath := filepath.Join(cfg.DataDir, "state.db")
	state, err := filestate.Open(statePath, meta, cfg.ClientID, uuid.NewString(), cfg.LeaseTTL)
	if err != nil {
		return fmt.Errorf("open state manager: %w", err)
	}
	defer state.Close()

	remote, err := buildRemote(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build remote backend: %w", err)
	}

	exec := syncexec.New(syncexec.Options{
		MaxConcurrent: cfg.MaxConcurrentUploads + cfg.MaxConcurrentDownloads,
		MaxRetries:    cfg.MaxRetries,
		BaseDelay:     cfg.BaseDelay,
		MaxDelay:      cfg.MaxDelay,
		Jitter:        cfg.Jitter,
		OnProgress: func(p syncexec.Progress) {
			slog.Debug("transfer progress", "fileId", p.FileID, "kind", p.Kind, "loaded", p.Loaded, "total", p.Total)
		},
	})

	filesRoot := filepath.Join(cfg.DataDir, localstore.FilesRoot)
	if err := os.MkdirAll(filesRoot, 0o755); err != nil {
		return fmt.Errorf("create files root: %w", err)
	}
	watcher := fswatch.New(filesRoot)

	sync := filesync.New(filesync.Options{
		Meta:     meta,
		State:    state,
		Exec:     exec,
		Remote:   remote,
		Local:    local,
		Hash:     hasher,
		ClientID: cfg.ClientID,
		Watcher:  watcher,
	})
	if err := sync.Start(ctx); err != nil {
		return fmt.Errorf("start sync: %w", err)
	}
	defer sync.Stop()

	storage := filestorage.New(local, meta, hasher)
	storage.ReadPathActive = true
	storage.Remote = remote

	resolver := readpath.New(readpath.Options{
		Local:                local,
		Prefix:               cfg.ReadPathPrefix,
		CacheRemoteResponses: cfg.CacheRemoteResponses,
		Remote:               remoteResolverFor(remote),
	})

	mux := http.NewServeMux()
	mux.Handle(cfg.ReadPathPrefix, resolver.Handler())
	mux.HandleFunc("POST /v1/files", uploadHandler(storage, cfg.StoreID))

	srv := &http.Server{
		Addr:    cfg.ReadPathAddr,
		Handler: mux,
	}
	srvErr := make(chan error, 1)
	go func() {
		slog.Info("read path listening", "addr", cfg.ReadPathAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-srvErr:
		slog.Error("read path server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	return nil
}

func buildRemote(ctx context.Context, cfg *config.Config) (remotestore.RemoteStorage, error) {
	switch cfg.RemoteBackend {
	case "s3direct":
		return s3direct.New(ctx, cfg.Bucket, s3direct.Options{
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
			UsePathStyle:    cfg.S3Endpoint != "",
		})
	default:
		return signerclient.New(cfg.SignerURL), nil
	}
}

func uploadHandler(storage *filestorage.Storage, storeID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()

		data, err := io.ReadAll(f)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		result, err := storage.SaveFile(r.Context(), filekit.NewBytes(header.Filename, data), storeID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"fileId":%q,"path":%q,"contentHash":%q}`, result.FileID, result.Path, result.ContentHash)
	}
}

func remoteResolverFor(remote remotestore.RemoteStorage) readpath.RemoteResolver {
	return func(ctx context.Context, storedPath string) (io.ReadCloser, int, error) {
		body, err := remote.Download(ctx, localstore.RemoteKey(storedPath), remotestore.DownloadOpts{})
		if err != nil {
			return nil, http.StatusNotFound, err
		}
		return body, http.StatusOK, nil
	}
}
