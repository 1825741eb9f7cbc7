package cmd

import (
	"context"
	"fmt"

	"Strata/core/app"
	"Strata/core/auth"
	"Strata/core/studio"
	"Strata/model"
	"Strata/pkg/events"

	"github.com/spf13/cobra"
)

var (
	genPrompt     string
	genInstrument string
	genBPM        int
	genPlay       bool
	genUser       string
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "生成一个图层",
	Long:  `向作曲服务提交提示词，等待生成完成后缓存音频，可选地立即播放。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		inst, err := model.ParseInstrument(genInstrument)
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		cfg.AutoPlayDelay = -1
		return withApp(ctx, func(a *app.App) error {
			if genUser != "" {
				if err := a.Sessions.Set(ctx, auth.Identity{UserID: genUser, Name: genUser}); err != nil {
					return err
				}
			}

			fmt.Printf("Generating %s layer for %q...\n", inst, genPrompt)
			layer, err := a.Studio.CreateLayer(ctx, studio.CreateRequest{Prompt: genPrompt, Instrument: inst, BPM: genBPM})
			if err != nil {
				return err
			}
			if layer == nil {
				return fmt.Errorf("prompt is empty")
			}
			printLayer(*layer)

			if !genPlay {
				return nil
			}
			return playUntilEnd(ctx, a, layer.ID)
		})
	},
}

// playUntilEnd plays one layer and returns when it ends or ctx is cancelled.
func playUntilEnd(ctx context.Context, a *app.App, id model.LayerID) error {
	sub := a.Bus.Subscribe(events.EventLayerEnded, events.EventError)
	defer a.Bus.Unsubscribe(sub)

	if err := a.Studio.Toggle(ctx, id); err != nil {
		return err
	}
	fmt.Println("Playing, press Ctrl+C to stop.")
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub:
			if !ok {
				return nil
			}
			if e.LayerID != id {
				continue
			}
			if e.Type == events.EventError {
				return e.Err
			}
			return nil
		}
	}
}

func printLayer(l model.Layer) {
	fmt.Printf("%s  %-30s  %-10s  %s", l.ID, l.Name, l.Instrument, l.FormattedDuration())
	if l.BPM > 0 {
		fmt.Printf("  %d BPM", l.BPM)
	}
	fmt.Println()
	if l.AudioReference != "" {
		fmt.Printf("  audio: %s\n", l.AudioReference)
	}
}

func init() {
	generateCmd.Flags().StringVarP(&genPrompt, "prompt", "p", "", "提示词")
	generateCmd.Flags().StringVarP(&genInstrument, "instrument", "i", "All", "乐器: All, Percussion, Bass, Melody, Chords")
	generateCmd.Flags().IntVar(&genBPM, "bpm", 0, "速度，0表示从提示词中解析")
	generateCmd.Flags().BoolVar(&genPlay, "play", false, "生成后立即播放")
	generateCmd.Flags().StringVar(&genUser, "user", "", "以该用户身份保存图层")
	generateCmd.MarkFlagRequired("prompt")
	rootCmd.AddCommand(generateCmd)
}
