package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/omochice/lanmesh/internal/client"
)

const commandTimeout = 5 * time.Second

func main() {
	var gatewayAddr string

	rootCmd := &cobra.Command{
		Use:          "meshctl",
		Short:        "Interactive client for a lanmesh node",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(gatewayAddr)
		},
	}
	rootCmd.Flags().StringVar(&gatewayAddr, "gateway", "127.0.0.1:8080", "Gateway address (host:port or ws:// URL)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(gatewayAddr string) error {
	c := client.New(gatewayAddr)
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	err := c.Connect(ctx)
	cancel()
	if err != nil {
		return err
	}
	defer c.Disconnect()

	self := c.Self()
	log.Printf("Connected to %s as %s (%s)", gatewayAddr, self.Name, self.ID)

	go func() {
		for msg := range c.Messages() {
			if line := format(msg); line != "" {
				fmt.Println(line)
			}
		}
		log.Println("Gateway closed the connection")
	}()

	fmt.Println("Type /help for commands, /quit to exit")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			break
		}

		inv, err := parse(line)
		if err != nil {
			fmt.Println(err)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		out, err := inv.run(ctx, c)
		cancel()
		if err != nil {
			log.Printf("%s: %v", inv.name, err)
			continue
		}
		if out != "" {
			fmt.Println(out)
		}
	}

	if err := scanner.Err(); err != nil {
		log.Printf("Error reading input: %v", err)
	}
	return nil
}
