package main

import (
	"encoding/json"
	"fmt"
	"image"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ivlev/reelforge/internal/config"
	"github.com/ivlev/reelforge/internal/engine"
	"github.com/ivlev/reelforge/internal/logging"
	"github.com/ivlev/reelforge/internal/server"
	"github.com/ivlev/reelforge/internal/system"
	"github.com/ivlev/reelforge/internal/template"
	"github.com/ivlev/reelforge/internal/variables"
)

var buildVersion = "dev"

func main() {
	system.InitResourceLimits()

	cfg := config.Default()
	cfg.BuildVersion = buildVersion

	var configPath string
	var presetName string
	var contentJSON string

	root := &cobra.Command{
		Use:   "reelforge",
		Short: "Template-driven video compositor",
		Long:  "reelforge renders short videos from a scene template, a source clip and content variables.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				merge := *loaded
				merge.BuildVersion = buildVersion
				*cfg = merge
				// Explicitly set flags win over the file.
				applyFlagOverrides(cmd, cfg)
			}
			if presetName != "" {
				if err := cfg.ApplyPreset(presetName); err != nil {
					return err
				}
				applyGeometryFlags(cmd, cfg)
			}
			return nil
		},
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "YAML config file")
	pf.StringVar(&cfg.SourcePath, "source", cfg.SourcePath, "source video path")
	pf.StringVar(&cfg.TemplatePath, "template", cfg.TemplatePath, "template file (json or yaml)")
	pf.StringVar(&contentJSON, "content", "", "content variables as JSON object or @file")
	pf.StringVarP(&cfg.OutputPath, "output", "o", cfg.OutputPath, "output video path")
	pf.StringVar(&presetName, "preset", "", "geometry preset: "+strings.Join(config.PresetNames(), ", "))
	pf.IntVar(&cfg.Width, "width", cfg.Width, "output width")
	pf.IntVar(&cfg.Height, "height", cfg.Height, "output height")
	pf.Float64Var(&cfg.FPS, "fps", cfg.FPS, "output frame rate")
	pf.StringVar(&cfg.VideoEncoder, "encoder", "", "H.264 encoder (empty = autodetect)")
	pf.IntVar(&cfg.Quality, "quality", cfg.Quality, "quality (0 = per-encoder default)")
	pf.StringVar(&cfg.CacheDir, "cache-dir", cfg.CacheDir, "render cache directory")
	pf.BoolVar(&cfg.NoCache, "no-cache", false, "bypass the render cache")
	pf.BoolVarP(&cfg.Verbose, "verbose", "v", false, "debug logging")
	pf.BoolVar(&cfg.ShowStats, "stats", false, "print a performance report")

	root.AddCommand(
		newRenderCmd(cfg, &contentJSON),
		newPreviewCmd(cfg, &contentJSON),
		newValidateCmd(cfg),
		newCacheCmd(cfg),
		newServeCmd(cfg),
	)

	if err := root.Execute(); err != nil {
		log.Fatalf("[-] Error: %v", err)
	}
}

// applyFlagOverrides re-applies explicitly set flags on top of a loaded
// config file.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("source") {
		cfg.SourcePath, _ = f.GetString("source")
	}
	if f.Changed("template") {
		cfg.TemplatePath, _ = f.GetString("template")
	}
	if f.Changed("output") {
		cfg.OutputPath, _ = f.GetString("output")
	}
	if f.Changed("fps") {
		cfg.FPS, _ = f.GetFloat64("fps")
	}
	if f.Changed("quality") {
		cfg.Quality, _ = f.GetInt("quality")
	}
	if f.Changed("encoder") {
		cfg.VideoEncoder, _ = f.GetString("encoder")
	}
	if f.Changed("cache-dir") {
		cfg.CacheDir, _ = f.GetString("cache-dir")
	}
	if f.Changed("no-cache") {
		cfg.NoCache, _ = f.GetBool("no-cache")
	}
	if f.Changed("verbose") {
		cfg.Verbose, _ = f.GetBool("verbose")
	}
	if f.Changed("stats") {
		cfg.ShowStats, _ = f.GetBool("stats")
	}
	applyGeometryFlags(cmd, cfg)
}

func applyGeometryFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("width") {
		cfg.Width, _ = f.GetInt("width")
	}
	if f.Changed("height") {
		cfg.Height, _ = f.GetInt("height")
	}
}

// resolveSource falls back to the newest video in the current directory
// when no --source was given.
func resolveSource(cfg *config.Config) error {
	if cfg.SourcePath != "" {
		return nil
	}
	latest, err := system.FindLatestVideo(".")
	if err != nil {
		return fmt.Errorf("no --source given and no video found in current directory: %w", err)
	}
	fmt.Printf("[*] Using latest video: %s\n", latest)
	cfg.SourcePath = latest
	return nil
}

// parseContent accepts inline JSON or @path to a JSON file.
func parseContent(arg string) (map[string]any, error) {
	if arg == "" {
		return nil, nil
	}
	data := []byte(arg)
	if strings.HasPrefix(arg, "@") {
		var err error
		data, err = os.ReadFile(arg[1:])
		if err != nil {
			return nil, fmt.Errorf("read content file: %w", err)
		}
	}
	var content map[string]any
	if err := json.Unmarshal(data, &content); err != nil {
		return nil, fmt.Errorf("parse content JSON: %w", err)
	}
	return content, nil
}

func newRenderCmd(cfg *config.Config, contentJSON *string) *cobra.Command {
	return &cobra.Command{
		Use:   "render",
		Short: "Render the template to a video file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := resolveSource(cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := system.CheckFFmpeg(); err != nil {
				return err
			}
			content, err := parseContent(*contentJSON)
			if err != nil {
				return err
			}

			logger := logging.New(cfg.Verbose)
			project, err := engine.NewProject(cfg, logger)
			if err != nil {
				return err
			}
			defer project.Close()

			res, err := project.Render(cmd.Context(), engine.RenderRequest{
				TemplatePath: cfg.TemplatePath,
				SourcePath:   cfg.SourcePath,
				Content:      content,
				OutputPath:   cfg.OutputPath,
			})
			if err != nil {
				return err
			}
			fmt.Printf("[+++] Done! Output: %s (%.2fs, %.2f MB)\n",
				res.OutputPath, res.Duration, float64(res.Size)/1024/1024)
			return nil
		},
	}
}

// discardSink drives a preview session without a display: frames are
// composited and dropped, which still exercises seeks, drift correction
// and overlay timing at real speed.
type discardSink struct{ frames int64 }

func (d *discardSink) PushFrame(_ *image.RGBA) error {
	d.frames++
	return nil
}

func newPreviewCmd(cfg *config.Config, contentJSON *string) *cobra.Command {
	return &cobra.Command{
		Use:   "preview",
		Short: "Run a looping real-time preview session (Ctrl+C to stop)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := resolveSource(cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := system.CheckFFmpeg(); err != nil {
				return err
			}
			content, err := parseContent(*contentJSON)
			if err != nil {
				return err
			}

			logger := logging.New(cfg.Verbose)
			project, err := engine.NewProject(cfg, logger)
			if err != nil {
				return err
			}
			defer project.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sink := &discardSink{}
			fmt.Println("[*] Preview loop running; Ctrl+C to stop")
			start := time.Now()
			err = project.Preview(ctx, engine.RenderRequest{
				TemplatePath: cfg.TemplatePath,
				SourcePath:   cfg.SourcePath,
				Content:      content,
			}, sink)
			fmt.Printf("[*] Preview stopped after %.1fs, %d frames\n",
				time.Since(start).Seconds(), sink.frames)
			return err
		},
	}
}

func newValidateCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a template file without rendering",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.TemplatePath == "" {
				return fmt.Errorf("--template is required")
			}
			tpl, err := template.LoadFile(cfg.TemplatePath)
			if err != nil {
				return err
			}
			if err := tpl.Validate(); err != nil {
				return err
			}
			fmt.Printf("[+++] Template OK: %q, %.1fs, %d scenes\n",
				tpl.Name, tpl.Duration, len(tpl.Scenes))
			for i := range tpl.Scenes {
				sc := &tpl.Scenes[i]
				if sc.Overlay == nil {
					continue
				}
				if missing := variables.Unresolved(sc.Overlay.Content, nil); len(missing) > 0 {
					fmt.Printf("[*] Scene %d expects variables: %s\n", i, strings.Join(missing, ", "))
				}
			}
			return nil
		},
	}
}

func newCacheCmd(cfg *config.Config) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the render cache",
	}

	withProject := func(fn func(*engine.Project) error) error {
		project, err := engine.NewProject(cfg, logging.New(cfg.Verbose))
		if err != nil {
			return err
		}
		defer project.Close()
		if project.Cache() == nil {
			fmt.Println("[*] Cache is disabled")
			return nil
		}
		return fn(project)
	}

	cacheCmd.AddCommand(&cobra.Command{
		Use:   "ls",
		Short: "List cached renders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(func(project *engine.Project) error {
				entries, err := project.Cache().Entries(cmd.Context())
				if err != nil {
					return err
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"#", "Key", "Size", "Created"})
				for i, e := range entries {
					key := e.Key
					if len(key) > 20 {
						key = key[:20] + "..."
					}
					t.AppendRow(table.Row{
						i + 1, key,
						fmt.Sprintf("%.2f MB", float64(e.Size)/1024/1024),
						e.CreatedAt.Format("2006-01-02 15:04:05"),
					})
				}
				t.Render()
				return nil
			})
		},
	})

	cacheCmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove all cached renders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(func(project *engine.Project) error {
				if err := project.Cache().Clear(cmd.Context()); err != nil {
					return err
				}
				fmt.Println("[+++] Cache cleared")
				return nil
			})
		},
	})

	return cacheCmd
}

func newServeCmd(cfg *config.Config) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the render API over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			// .env is optional; it can carry LISTEN_ADDR and cache paths
			// in deployments.
			_ = godotenv.Load()
			if envAddr := os.Getenv("LISTEN_ADDR"); envAddr != "" && addr == "" {
				addr = envAddr
			}
			if addr == "" {
				addr = cfg.ListenAddr
			}
			if err := system.CheckFFmpeg(); err != nil {
				return err
			}

			logger := logging.New(cfg.Verbose)
			project, err := engine.NewProject(cfg, logger)
			if err != nil {
				return err
			}
			defer project.Close()

			fmt.Printf("[*] Serving on %s\n", addr)
			return server.New(project, logger).ListenAndServe(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config/env)")
	return cmd
}
