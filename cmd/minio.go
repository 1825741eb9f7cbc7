package cmd

import (
	"fmt"
	"time"

	"Strata/logger"
	"Strata/storage"

	"github.com/spf13/cobra"
)

var (
	minioPrefix string
	minioStats  bool
	minioDelete bool
)

var minioCmd = &cobra.Command{
	Use:   "minio",
	Short: "MinIO存储桶管理",
	Long:  `查看和管理MinIO存储桶中的图层音频，支持列出文件、查看统计信息和按前缀删除。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.BlobStorageEnabled() {
			return fmt.Errorf("MinIO未配置 (MINIO_ENDPOINT)")
		}
		ctx, stop := signalContext()
		defer stop()

		fmt.Printf("MinIO配置: %s, Bucket: %s\n", cfg.MinioEndpoint, cfg.MinioBucket)
		store, err := storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			Region:    cfg.MinioRegion,
			UseSSL:    cfg.MinioUseSSL,
		}, logger.Named("minio"))
		if err != nil {
			return fmt.Errorf("无法连接到MinIO: %w", err)
		}

		objects, stats, err := store.List(ctx, minioPrefix)
		if err != nil {
			return err
		}

		if minioDelete {
			if minioPrefix == "" {
				return fmt.Errorf("删除操作需要指定目录前缀")
			}
			for _, obj := range objects {
				if err := store.Delete(ctx, obj.Key); err != nil {
					return err
				}
				fmt.Printf("已删除: %s\n", obj.Key)
			}
			fmt.Printf("共删除 %d 个文件\n", len(objects))
			return nil
		}

		if !minioStats {
			for _, obj := range objects {
				fmt.Printf("%-60s %10s  %s  %s\n", obj.Key, storage.FormatSize(obj.Size),
					obj.LastModified.Format(time.DateTime), obj.ContentType)
			}
		}
		fmt.Printf("\n文件数: %d, 总大小: %s", stats.TotalObjects, storage.FormatSize(stats.TotalSize))
		if !stats.LastModified.IsZero() {
			fmt.Printf(", 最后修改: %s", stats.LastModified.Format(time.DateTime))
		}
		fmt.Println()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(minioCmd)

	minioCmd.Flags().StringVarP(&minioPrefix, "prefix", "p", "", "按前缀过滤文件或指定要操作的目录")
	minioCmd.Flags().BoolVarP(&minioStats, "stats", "s", false, "只显示统计信息")
	minioCmd.Flags().BoolVarP(&minioDelete, "delete", "d", false, "删除指定前缀下的所有文件")

	minioCmd.Example = `  # 列出所有图层音频
  strata minio -p "layers/"

  # 显示存储桶统计信息
  strata minio -s

  # 删除某个用户的全部音频
  strata minio -d -p "layers/u1/"`
}
