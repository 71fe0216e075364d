// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tunetrees/oosync/oosync"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token signed with server.jwt_secret",
	Long: `Issue a bearer token for a user and device. Without --device a random device id is used.

  oosync token --user alice --ttl 24h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		device, _ := cmd.Flags().GetString("device")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if user == "" {
			return errors.New("--user is required")
		}
		if device == "" {
			device = uuid.NewString()
		}
		token, err := oosync.NewJWTAuth(cfg.Server.JWTSecret).GenerateToken(user, device, ttl)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
		return err
	},
}

func init() {
	tokenCmd.Flags().String("user", "", "user id (sub claim)")
	tokenCmd.Flags().String("device", "", "device id (did claim)")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
}
