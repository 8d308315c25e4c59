// Package main provides the entry point for the saga CLI application.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/sagafm/saga/internal/audio"
	"github.com/sagafm/saga/internal/backend"
	"github.com/sagafm/saga/internal/cache"
	"github.com/sagafm/saga/internal/transport"
	"github.com/sagafm/saga/narration"
	"github.com/sagafm/saga/ui"

	tea "github.com/charmbracelet/bubbletea"
	gap "github.com/muesli/go-app-paths"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile string
	backendURL string
	voice      string
	style      string
	width      uint
	noAudio    bool
	mouse      bool
	debug      bool

	rootCmd = &cobra.Command{
		Use:   "saga [SCENE-ID]",
		Short: "Read interactive fiction with spoken narration",
		Long: paragraph(
			fmt.Sprintf("\nRead AI-generated stories in your terminal while %s streams in.", keyword("spoken narration")),
		),
		SilenceErrors: false,
		SilenceUsage:  true,
		Args:          cobra.MaximumNArgs(1),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return validateOptions(cmd)
		},
		RunE: execute,
	}
)

func validateOptions(cmd *cobra.Command) error {
	backendURL = viper.GetString("backend")
	voice = viper.GetString("voice")
	style = viper.GetString("style")
	width = viper.GetUint("width")
	mouse = viper.GetBool("mouse")
	noAudio = viper.GetBool("no-audio")
	debug = viper.GetBool("debug")

	if debug {
		log.SetLevel(log.DebugLevel)
	}

	if backendURL == "" {
		return fmt.Errorf("no backend configured; set --backend or %s", keyword("SAGA_BACKEND"))
	}

	// Detect terminal width
	if !cmd.Flags().Changed("width") {
		if term.IsTerminal(int(os.Stdout.Fd())) && width == 0 {
			w, _, err := term.GetSize(int(os.Stdout.Fd()))
			if err == nil {
				width = uint(w)
			}
			if width > 120 {
				width = 120
			}
		}
		if width == 0 {
			width = 80
		}
	}
	return nil
}

func execute(_ *cobra.Command, args []string) error {
	sceneID := viper.GetString("scene")
	if len(args) == 1 {
		sceneID = args[0]
	}
	if sceneID == "" {
		return fmt.Errorf("no scene to read; pass a scene id or set %s in the config", keyword("scene"))
	}
	return runTUI(sceneID)
}

func runTUI(sceneID string) error {
	cfg, err := env.ParseAs[ui.Config]()
	if err != nil {
		return fmt.Errorf("error parsing config: %v", err)
	}
	if backendURL != "" {
		cfg.BackendURL = backendURL
	}
	if voice != "" {
		cfg.Voice = voice
	}
	cfg.GlamourStyle = style
	cfg.GlamourMaxWidth = width
	cfg.EnableMouse = mouse
	cfg.NoAudio = cfg.NoAudio || noAudio
	if cfg.CacheDir == "" {
		cfg.CacheDir = defaultCacheDir()
	}

	client := backend.NewClient(cfg.BackendURL)
	actx := audio.NewContext(cfg.NoAudio)
	defer actx.Close()

	narrations, err := cache.Open(cfg.CacheDir, cache.DefaultMemoryCapacity, cache.DefaultDiskCapacity)
	if err != nil {
		log.Warn("narration cache disabled", "err", err)
		narrations, _ = cache.Open("", cache.DefaultMemoryCapacity, cache.DefaultDiskCapacity)
	}
	defer narrations.Close() //nolint:errcheck

	store := narration.NewStore()
	dial := func(ctx context.Context, sessionID string) (narration.Transport, error) {
		return transport.Dial(ctx, cfg.BackendURL, sessionID)
	}
	ctrl := narration.NewController(store, actx, client, dial)
	ctrl.UseCache(narrations, cfg.Voice)

	opts := []tea.ProgramOption{tea.WithAltScreen()}
	if cfg.EnableMouse {
		opts = append(opts, tea.WithMouseCellMotion())
	}
	if _, err := tea.NewProgram(ui.NewModel(cfg, ctrl, client, store, sceneID), opts...).Run(); err != nil {
		return fmt.Errorf("unable to run tui program: %w", err)
	}
	return nil
}

// defaultCacheDir resolves the user cache directory for narrations.
func defaultCacheDir() string {
	scope := gap.NewScope(gap.User, "saga")
	dir, err := scope.CacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "narrations")
}

func main() {
	closer, err := setupLog()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	if err := rootCmd.Execute(); err != nil {
		_ = closer()
		os.Exit(1)
	}
	_ = closer()
}

func init() {
	tryLoadConfigFromDefaultPlaces()
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version
	rootCmd.InitDefaultCompletionCmd()

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", fmt.Sprintf("config file (default %s)", viper.GetViper().ConfigFileUsed()))
	rootCmd.Flags().StringVarP(&backendURL, "backend", "b", "", "story backend base URL")
	rootCmd.Flags().StringVar(&voice, "voice", "", "narration voice")
	rootCmd.Flags().StringVarP(&style, "style", "s", "auto", "glamour style name or JSON path")
	rootCmd.Flags().UintVarP(&width, "width", "w", 0, "word-wrap at width (set to 0 to detect)")
	rootCmd.Flags().BoolVar(&noAudio, "no-audio", false, "run without an audio device")
	rootCmd.Flags().BoolVarP(&mouse, "mouse", "m", false, "enable mouse wheel")
	_ = rootCmd.Flags().MarkHidden("mouse")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "verbose logging to the log file")

	_ = viper.BindPFlag("backend", rootCmd.Flags().Lookup("backend"))
	_ = viper.BindPFlag("voice", rootCmd.Flags().Lookup("voice"))
	_ = viper.BindPFlag("style", rootCmd.Flags().Lookup("style"))
	_ = viper.BindPFlag("width", rootCmd.Flags().Lookup("width"))
	_ = viper.BindPFlag("no-audio", rootCmd.Flags().Lookup("no-audio"))
	_ = viper.BindPFlag("mouse", rootCmd.Flags().Lookup("mouse"))
	_ = viper.BindPFlag("debug", rootCmd.Flags().Lookup("debug"))

	viper.SetDefault("backend", "http://localhost:8080")
	viper.SetDefault("voice", "aria")
	viper.SetDefault("style", "auto")
	viper.SetDefault("width", 0)
	viper.SetDefault("scene", "")

	rootCmd.AddCommand(configCmd, manCmd)
}

func tryLoadConfigFromDefaultPlaces() {
	scope := gap.NewScope(gap.User, "saga")
	dirs, err := scope.ConfigDirs()
	if err != nil {
		fmt.Println("Could not find configuration directory.")
		os.Exit(1)
	}

	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append([]string{filepath.Join(c, "saga")}, dirs...)
	}
	if c := os.Getenv("SAGA_CONFIG_HOME"); c != "" {
		dirs = append([]string{c}, dirs...)
	}

	for _, v := range dirs {
		viper.AddConfigPath(v)
	}

	viper.SetConfigName("saga")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("saga")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn("Could not parse configuration file", "err", err)
		}
	}

	if used := viper.ConfigFileUsed(); used != "" {
		log.Debug("Using configuration file", "path", used)
		return
	}

	configFile = filepath.Join(dirs[0], "saga.yml")
	if err := ensureConfigFile(); err != nil {
		log.Error("Could not create default configuration", "error", err)
	}
}
