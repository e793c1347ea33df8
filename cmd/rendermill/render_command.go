package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"rendermill/internal/config"
	"rendermill/internal/history"
	"rendermill/internal/logging"
	"rendermill/internal/notifications"
	"rendermill/internal/preflight"
	"rendermill/internal/render"
)

func newRenderCommand(ctx *commandContext) *cobra.Command {
	var (
		startFrame  int
		endFrame    int
		chunkCount  int
		concurrency int
		name        string
		renderer    string
		audioCodec  string
		duration    time.Duration
		mixdown     bool
		join        bool
	)

	cmd := &cobra.Command{
		Use:   "render <blend-file>",
		Short: "Render a blend file in concurrent chunks",
		Long: `Render splits the frame range into contiguous chunks, drives one headless
Blender process per chunk up to the concurrency limit, then mixes down the
audio track and concatenates the chunk videos into the final output.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}

			blendFile, err := config.ExpandPath(args[0])
			if err != nil {
				return fmt.Errorf("resolve blend file path: %w", err)
			}

			report := preflight.Run(cmd.Context(), cfg)
			if !report.Ready() {
				return fmt.Errorf("environment is not ready; run `rendermill status` for details")
			}

			if !cmd.Flags().Changed("renderer") {
				renderer = cfg.Render.Renderer
			}
			if !cmd.Flags().Changed("audio-codec") {
				audioCodec = cfg.Render.AudioCodec
			}
			if !cmd.Flags().Changed("concurrency") {
				concurrency = cfg.Render.MaxConcurrency
			}
			if !cmd.Flags().Changed("mixdown") {
				mixdown = cfg.Render.Mixdown
			}
			if !cmd.Flags().Changed("join") {
				join = cfg.Render.Join
			}
			if chunkCount <= 0 {
				chunkCount = concurrency
			}
			if name == "" {
				name = render.ProjectNameFromBlendFile(blendFile)
			}

			chunks, err := render.SplitRange(startFrame, endFrame, chunkCount)
			if err != nil {
				return err
			}

			project := &render.Project{
				BlendFile:      blendFile,
				OutputDir:      filepath.Join(cfg.Paths.OutputDir, name),
				Name:           name,
				Renderer:       renderer,
				AudioCodec:     audioCodec,
				Duration:       duration,
				MaxConcurrency: concurrency,
				Chunks:         chunks,
			}

			action := render.ActionNothing
			if mixdown {
				action |= render.ActionMixdown
			}
			if join {
				action |= render.ActionJoin
			}

			engine := render.NewEngine(render.Settings{
				BlenderBinary: cfg.BlenderBinary(),
				FFmpegBinary:  cfg.FFmpegBinary(),
				TickInterval:  time.Duration(cfg.Render.TickIntervalMS) * time.Millisecond,
				Scripts:       render.DataDirScripts{Dir: cfg.Paths.DataDir},
				Logger:        logger,
			})

			notifier := notifications.NewService(cfg)
			store, err := history.Open(cfg)
			if err != nil {
				logger.Warn("render history unavailable", logging.Error(err))
				store = nil
			} else {
				defer store.Close()
			}

			out := cmd.OutOrStdout()
			sampler := logging.NewProgressSampler(5)
			engine.OnProgress(func(s render.Snapshot) {
				if sampler.ShouldLog(s.Percent(), "render") || s.Done() {
					fmt.Fprintf(out, "Progress %5.1f%%  frames %d/%d  chunks %d/%d\n",
						s.Percent(), s.FramesRendered, s.TotalFrames, s.ChunksCompleted, s.ChunksTotal)
				}
			})

			if err := engine.Setup(project, action); err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := engine.Start(runCtx); err != nil {
				return err
			}

			fmt.Fprintf(out, "Rendering %s: frames %d-%d in %d chunks (max %d at once)\n",
				name, startFrame, endFrame, len(chunks), concurrency)
			if err := notifier.NotifyRenderStarted(runCtx, name, project.TotalFrames(), len(chunks)); err != nil {
				logger.Warn("start notification failed", logging.Error(err))
			}
			if store != nil {
				if err := store.RecordStart(runCtx, engine.RunID(), name, blendFile, len(chunks), time.Now()); err != nil {
					logger.Warn("record run start", logging.Error(err))
				}
			}

			result := engine.Wait()

			if store != nil {
				errMessage := ""
				if result.Err != nil {
					errMessage = result.Err.Error()
				}
				if err := store.RecordFinish(context.Background(), result.RunID, result.Outcome.String(),
					result.FramesRendered, errMessage, result.FinishedAt); err != nil {
					logger.Warn("record run finish", logging.Error(err))
				}
			}

			elapsed := result.FinishedAt.Sub(result.StartedAt)
			switch result.Outcome {
			case render.OutcomeAllOk:
				if err := notifier.NotifyRenderCompleted(context.Background(), name, result.FramesRendered, elapsed); err != nil {
					logger.Warn("completion notification failed", logging.Error(err))
				}
				fmt.Fprintf(out, "Render finished: %d frames in %s\n", result.FramesRendered, elapsed.Round(time.Second))
				return nil
			case render.OutcomeAborted:
				if err := notifier.NotifyRenderAborted(context.Background(), name); err != nil {
					logger.Warn("abort notification failed", logging.Error(err))
				}
				fmt.Fprintln(out, "Render aborted")
				return result.Err
			default:
				reason := result.Outcome.String()
				if result.Err != nil {
					reason = result.Err.Error()
				}
				if err := notifier.NotifyRenderFailed(context.Background(), name, reason); err != nil {
					logger.Warn("failure notification failed", logging.Error(err))
				}
				if result.ReportPath != "" {
					fmt.Fprintf(out, "Failure report written to %s\n", result.ReportPath)
				}
				return result.Err
			}
		},
	}

	cmd.Flags().IntVarP(&startFrame, "start", "s", 1, "First frame to render")
	cmd.Flags().IntVarP(&endFrame, "end", "e", 0, "Last frame to render (required)")
	cmd.Flags().IntVar(&chunkCount, "chunks", 0, "Number of chunks (defaults to the concurrency limit)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Maximum concurrent render processes")
	cmd.Flags().StringVarP(&name, "name", "n", "", "Project name (derived from the blend file when omitted)")
	cmd.Flags().StringVar(&renderer, "renderer", "", "Render engine passed to Blender (-E)")
	cmd.Flags().StringVar(&audioCodec, "audio-codec", "", "Audio codec used for the mixdown container")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Trim the final video to this length")
	cmd.Flags().BoolVar(&mixdown, "mixdown", true, "Mix down the audio track after rendering")
	cmd.Flags().BoolVar(&join, "join", true, "Concatenate chunk videos after rendering")
	_ = cmd.MarkFlagRequired("end")

	return cmd
}
