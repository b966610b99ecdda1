package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/finchbot/finch/internal/config"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Validate the configuration and report what would run",
		RunE: func(*cobra.Command, []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Println("config: ok")
			fmt.Println("state dir:", cfg.StateDir)
			fmt.Println("provider:", cfg.Provider.Name, cfg.Provider.Model)
			fmt.Println("memory backend:", cfg.Memory.Backend)

			count := 0
			report := func(name string, enabled bool) {
				if enabled {
					fmt.Println("channel:", name)
					count++
				}
			}
			report("telegram", cfg.Channels.Telegram != nil)
			report("matrix", cfg.Channels.Matrix != nil)
			report("signal", cfg.Channels.Signal != nil)
			report("mattermost", cfg.Channels.Mattermost != nil)
			report("dingtalk", cfg.Channels.DingTalk != nil)
			report("qq", cfg.Channels.QQ != nil)
			report("whatsapp", cfg.Channels.WhatsApp != nil)
			report("whatsapp_web", cfg.Channels.WhatsAppWeb != nil)
			report("wati", cfg.Channels.WATI != nil)
			if count == 0 {
				return fmt.Errorf("no channels configured")
			}
			return nil
		},
	}
}
