/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025-2026 EspNowBus Authors. All Rights Reserved.
 */

package cmd

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tanakamasayuki/espnowbus/bus"
	"github.com/tanakamasayuki/espnowbus/radio"
	"github.com/tanakamasayuki/espnowbus/radio/udpradio"
)

var (
	flagGroup   string
	flagChannel int
	flagQueue   int
	flagPlain   bool
	flagNoAck   bool
	flagVerbose bool
	flagIface   string
	flagTo      string
)

var rootCmd = &cobra.Command{
	Use:   "espnowbus",
	Short: "Join a group bus over the UDP development radio and chat",
	Long: `espnowbus joins the named group over the UDP multicast radio,
prints frames and membership events as they arrive, and broadcasts
every line read from stdin. With --to, lines are unicast to one peer
instead.`,
	RunE: runChat,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Flags().StringVarP(&flagGroup, "group", "g", "demo", "Group name (shared secret)")
	rootCmd.Flags().IntVarP(&flagChannel, "channel", "c", -1, "Channel 1-13, -1 derives from the group id")
	rootCmd.Flags().IntVarP(&flagQueue, "queue", "q", 16, "Transmit queue length")
	rootCmd.Flags().BoolVar(&flagPlain, "plain", false, "Disable link-layer encryption")
	rootCmd.Flags().BoolVar(&flagNoAck, "no-ack", false, "Disable application-level acks")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "Verbose protocol logging")
	rootCmd.Flags().StringVar(&flagIface, "interface", "", "Network interface for multicast")
	rootCmd.Flags().StringVar(&flagTo, "to", "", "Unicast destination MAC instead of broadcast")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

func runChat(cmd *cobra.Command, args []string) error {
	level := bus.LogLevelError
	if flagVerbose {
		level = bus.LogLevelVerbose
	}

	var target radio.MAC
	unicast := flagTo != ""
	if unicast {
		var err error
		target, err = radio.ParseMAC(flagTo)
		if err != nil {
			return err
		}
	}

	r := udpradio.New(udpradio.Config{Interface: flagIface})
	b := bus.NewBus(r, bus.NewLogger(level, "(chat) "))

	b.OnReceive(func(src radio.MAC, payload []byte, wasRetry, isBroadcast bool) {
		kind := "bcast"
		if !isBroadcast {
			kind = "ucast"
		}
		fmt.Printf("<%v %s> %s\n", src, kind, string(payload))
	})
	b.OnJoinEvent(func(mac radio.MAC, accepted, isAck bool) {
		switch {
		case accepted && isAck:
			fmt.Printf("* joined via %v\n", mac)
		case accepted:
			fmt.Printf("* %v joined\n", mac)
		default:
			fmt.Printf("* %v left\n", mac)
		}
	})
	b.OnSendResult(func(mac radio.MAC, status bus.SendStatus) {
		switch status {
		case bus.SendFailed, bus.Timeout, bus.DroppedFull, bus.TooLarge, bus.AppAckTimeout:
			fmt.Fprintf(os.Stderr, "! send to %v: %v\n", mac, status)
		}
	})

	cfg := bus.DefaultConfig(flagGroup)
	cfg.Channel = flagChannel
	cfg.QueueLength = flagQueue
	cfg.UseEncryption = !flagPlain
	cfg.EnableAppAck = !flagNoAck
	if err := b.Begin(cfg); err != nil {
		return err
	}
	defer b.End()

	fmt.Printf("group %q, self %v, group id %08x\n", flagGroup, b.SelfAddress(), b.GroupID())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		b.SendLeaveRequest(bus.TimeoutDefault)
		b.End()
		os.Exit(0)
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var err error
		if unicast {
			err = b.SendTo(target, []byte(line), bus.TimeoutDefault)
		} else {
			err = b.Broadcast([]byte(line), bus.TimeoutDefault)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "! %v\n", err)
		}
	}
	return scanner.Err()
}
