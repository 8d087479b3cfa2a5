package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/rhea/pkg/api"
	"github.com/cuemby/rhea/pkg/driver"
	"github.com/cuemby/rhea/pkg/engine"
	"github.com/cuemby/rhea/pkg/kvop"
	"github.com/cuemby/rhea/pkg/leader"
	"github.com/cuemby/rhea/pkg/log"
	"github.com/cuemby/rhea/pkg/metrics"
	"github.com/cuemby/rhea/pkg/region"
	"github.com/cuemby/rhea/pkg/statemachine"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "rheakv",
	Short:   "rhea - a replicated key-value store built on Raft",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("rheakv version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(benchCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
		Output:     os.Stdout,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a rhea node",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		regionID, _ := cmd.Flags().GetString("region")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		bindAddr, _ := cmd.Flags().GetString("raft-addr")
		apiAddr, _ := cmd.Flags().GetString("api-addr")
		bootstrap, _ := cmd.Flags().GetBool("bootstrap")

		metrics.SetVersion(Version)

		e, err := engine.Open(dataDir, regionID)
		if err != nil {
			return fmt.Errorf("open engine: %w", err)
		}
		metrics.RegisterComponent("engine", true, "")

		execs := kvop.NewExecRegistry()
		owner := region.NewLocalOwner(regionID)

		notifier := leader.NewNotifier(4)

		var d *driver.Driver
		sm := statemachine.New(e, execs, owner, engine.FastSnapshotter{}, func() bool { return d.IsLeader() })

		d = driver.New(driver.Config{NodeID: nodeID, BindAddr: bindAddr, DataDir: dataDir}, sm, notifier)

		if bootstrap {
			if err := d.Bootstrap(); err != nil {
				return fmt.Errorf("bootstrap raft: %w", err)
			}
		} else {
			if err := d.JoinExisting(); err != nil {
				return fmt.Errorf("start raft: %w", err)
			}
		}
		metrics.RegisterComponent("raft", true, "")
		metrics.RegisterComponent("driver", true, "")

		collector := metrics.NewCollector(d)
		collector.Start()
		defer collector.Stop()

		server := api.NewServer(d)
		go func() {
			if err := server.Start(apiAddr); err != nil {
				log.Logger.Error().Err(err).Msg("api server exited")
			}
		}()

		fmt.Printf("rhea node %s serving region %s\n  raft:   %s\n  api:    %s\n  data:   %s\n",
			nodeID, regionID, bindAddr, apiAddr, dataDir)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("shutting down...")
		_ = server.Stop()
		if err := d.Shutdown(); err != nil {
			return err
		}
		return e.Close()
	},
}

func init() {
	serveCmd.Flags().String("node-id", "node-1", "Unique Raft server ID")
	serveCmd.Flags().String("region", "region-1", "Region (bucket namespace) this node serves")
	serveCmd.Flags().String("data-dir", "./rhea-data", "Data directory for raft logs, snapshots, and the bbolt database")
	serveCmd.Flags().String("raft-addr", "127.0.0.1:7000", "Raft TCP transport bind address")
	serveCmd.Flags().String("api-addr", "127.0.0.1:8080", "HTTP KV API bind address")
	serveCmd.Flags().Bool("bootstrap", false, "Bootstrap a new single-node cluster instead of joining one")
}

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Open a data directory and print a key's value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		region, _ := cmd.Flags().GetString("region")
		cf, _ := cmd.Flags().GetString("cf")

		e, err := engine.Open(dataDir, region)
		if err != nil {
			return fmt.Errorf("open engine: %w", err)
		}
		defer e.Close()

		value, found, err := e.Get(engine.ColumnFamily(cf), []byte(args[0]))
		if err != nil {
			return err
		}
		if !found {
			fmt.Println("(not found)")
			return nil
		}
		fmt.Println(string(value))
		return nil
	},
}

func init() {
	inspectCmd.Flags().String("data-dir", "./rhea-data", "Data directory to open")
	inspectCmd.Flags().String("region", "region-1", "Region the data directory belongs to")
	inspectCmd.Flags().String("cf", string(engine.CFDefault), "Column family to read from")
}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Issue a burst of PUTs against a running node's HTTP API and report throughput",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		count, _ := cmd.Flags().GetInt("count")
		valueSize, _ := cmd.Flags().GetInt("value-size")

		value := make([]byte, valueSize)
		for i := range value {
			value[i] = byte('a' + i%26)
		}

		client := &http.Client{Timeout: 10 * time.Second}
		start := time.Now()
		var failures int
		for i := 0; i < count; i++ {
			op := kvop.Operation{
				Kind:  kvop.KindPut,
				Key:   []byte(fmt.Sprintf("bench-key-%d", i)),
				Value: value,
			}
			body, err := json.Marshal(op)
			if err != nil {
				return err
			}
			resp, err := client.Post(fmt.Sprintf("http://%s/v1/kv", addr), "application/json", bytes.NewReader(body))
			if err != nil {
				failures++
				continue
			}
			if resp.StatusCode != http.StatusOK {
				failures++
			}
			resp.Body.Close()
		}
		elapsed := time.Since(start)

		fmt.Printf("issued %d puts in %s (%.0f ops/sec), %d failures\n",
			count, elapsed, float64(count)/elapsed.Seconds(), failures)
		return nil
	},
}

func init() {
	benchCmd.Flags().String("addr", "127.0.0.1:8080", "Target node's HTTP API address")
	benchCmd.Flags().Int("count", 10000, "Number of PUTs to issue")
	benchCmd.Flags().Int("value-size", 64, "Value size in bytes")
}
