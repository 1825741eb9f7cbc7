package cmd

import (
	"fmt"
	"time"

	"Strata/core/app"
	"Strata/model"

	"github.com/spf13/cobra"
)

var (
	layersUser   string
	layersPublic bool
	layersLimit  int
)

var layersCmd = &cobra.Command{
	Use:   "layers",
	Short: "管理已保存的图层",
}

var layersListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出已保存的图层",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		return withApp(ctx, func(a *app.App) error {
			if a.Store == nil {
				return fmt.Errorf("remote persistence is not configured (set DB_HOST)")
			}
			var layers []model.Layer
			if layersPublic {
				recs, err := a.Repo.ListPublic(ctx, layersLimit)
				if err != nil {
					return err
				}
				for _, rec := range recs {
					l, err := rec.ToLayer()
					if err != nil {
						fmt.Printf("skipping %s: %v\n", rec.ID, err)
						continue
					}
					layers = append(layers, l)
				}
			} else {
				if layersUser == "" {
					return fmt.Errorf("--user or --public is required")
				}
				var err error
				if layers, err = a.Store.LoadLayersForUser(ctx, layersUser); err != nil {
					return err
				}
			}

			fmt.Printf("%d layers\n", len(layers))
			for _, l := range layers {
				printLayer(l)
				fmt.Printf("  by %s, %s, used %d times\n", l.CreatorID, l.CreatedAt.Format(time.DateTime), l.UseCount)
			}
			return nil
		})
	},
}

var layersDeleteCmd = &cobra.Command{
	Use:   "delete <layer-id>...",
	Short: "删除已保存的图层",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		return withApp(ctx, func(a *app.App) error {
			if a.Store == nil {
				return fmt.Errorf("remote persistence is not configured (set DB_HOST)")
			}
			for _, id := range args {
				if err := a.Store.DeleteLayer(ctx, model.LayerID(id)); err != nil {
					return fmt.Errorf("delete %s: %w", id, err)
				}
				fmt.Printf("deleted %s\n", id)
			}
			return nil
		})
	},
}

func init() {
	layersListCmd.Flags().StringVarP(&layersUser, "user", "u", "", "用户ID")
	layersListCmd.Flags().BoolVar(&layersPublic, "public", false, "列出公开的图层")
	layersListCmd.Flags().IntVar(&layersLimit, "limit", 50, "公开图层的最大数量")
	layersCmd.AddCommand(layersListCmd, layersDeleteCmd)
	rootCmd.AddCommand(layersCmd)
}
