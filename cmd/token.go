package cmd

import (
	"fmt"

	"Strata/core/auth"

	"github.com/spf13/cobra"
)

var (
	tokenUser string
	tokenName string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "签发会话令牌",
	Long:  `为指定用户签发一个JWT会话令牌，用于 POST /api/session 和图层API。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		name := tokenName
		if name == "" {
			name = tokenUser
		}
		token, err := auth.NewTokenService(cfg.JWTSecret, 0).Issue(auth.Identity{UserID: tokenUser, Name: name})
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVarP(&tokenUser, "user", "u", "", "用户ID")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "显示名称")
	tokenCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(tokenCmd)
}
